package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mtlprog/crowdcheck/internal/consensus"
	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/fraud"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
	"github.com/mtlprog/crowdcheck/internal/lock"
	"github.com/mtlprog/crowdcheck/internal/telemetry"
)

// Default orchestrator settings.
const (
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultHistoryLimit = 50
)

// Recorder receives domain metrics. Calls happen after the transaction
// that produced them has committed.
type Recorder interface {
	ConsensusDecided(ctx context.Context, result *domain.ConsensusResult)
	FraudDetected(ctx context.Context, result *domain.FraudDetectionResult)
	TaskExpired(ctx context.Context, reason string)
}

// Orchestrator applies inbound messages to tasks. Each message is handled
// under the task's lock inside one store transaction, and the resulting
// outbound events are published in that same transaction.
type Orchestrator struct {
	store        Store
	machine      *lifecycle.Machine
	detector     *fraud.Detector
	engine       *consensus.Engine
	locker       lock.Locker
	history      *HistoryCache
	recorder     Recorder
	tracer       trace.Tracer
	retention    time.Duration
	historyLimit int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process task lock.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithHistoryCache shares a history cache with other readers.
func WithHistoryCache(c *HistoryCache) Option {
	return func(o *Orchestrator) {
		o.history = c
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithRetention sets how long finished tasks are kept before archival.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retention = d
	}
}

// WithHistoryLimit sets how many past submissions per worker feed the
// behavior analysis. Zero disables history.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		o.historyLimit = n
	}
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	store Store,
	machine *lifecycle.Machine,
	detector *fraud.Detector,
	engine *consensus.Engine,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		machine:      machine,
		detector:     detector,
		engine:       engine,
		locker:       lock.NewMemory(),
		history:      NewHistoryCache(),
		recorder:     noopRecorder{},
		tracer:       telemetry.Tracer(),
		retention:    DefaultRetention,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch handles one inbound message and returns the events it published.
// Redelivered messages are no-ops.
func (o *Orchestrator) Dispatch(ctx context.Context, msg *domain.Message) ([]domain.OutboundEvent, error) {
	ctx, span := o.tracer.Start(ctx, "dispatch "+string(msg.Type), trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
	))
	defer span.End()

	events, err := o.dispatch(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", msg.TaskID), attribute.Int("events", len(events)))
	return events, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, msg *domain.Message) ([]domain.OutboundEvent, error) {
	payload, err := parse(msg)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locker.Lock(ctx, msg.TaskID)
	if err != nil {
		return nil, fmt.Errorf("lock task %s: %w", msg.TaskID, err)
	}
	defer unlock()

	var run *txRun
	err = o.store.WithinTx(ctx, func(tx Store) error {
		run = &txRun{
			o:      o,
			store:  tx,
			engine: o.engine.WithStore(tx),
			msg:    msg,
		}
		if err := run.handle(ctx, payload); err != nil {
			return err
		}
		if len(run.events) == 0 {
			return nil
		}
		if err := tx.Publish(ctx, run.events); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if run.decided {
		o.history.Invalidate(msg.TaskID)
	}
	for _, fn := range run.afterCommit {
		fn(ctx)
	}
	return run.events, nil
}

// txRun carries the state of one message handled inside a transaction.
type txRun struct {
	o      *Orchestrator
	store  Store
	engine *consensus.Engine
	msg    *domain.Message

	events      []domain.OutboundEvent
	afterCommit []func(context.Context)
	// decided is set once the task's round is decided and its history
	// cache entry must go.
	decided bool
}

func (r *txRun) emit(eventType domain.EventType, taskID string, payload any) {
	r.events = append(r.events, domain.OutboundEvent{
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: r.o.machine.Now().UTC(),
	})
}

func (r *txRun) logger(task *domain.VerificationTask) *slog.Logger {
	return slog.With(
		"message_id", r.msg.ID,
		"type", r.msg.Type,
		"task_id", task.ID,
		"status", task.Status,
		"round", task.Round,
	)
}

type noopRecorder struct{}

func (noopRecorder) ConsensusDecided(context.Context, *domain.ConsensusResult)     {}
func (noopRecorder) FraudDetected(context.Context, *domain.FraudDetectionResult) {}
func (noopRecorder) TaskExpired(context.Context, string)                         {}
