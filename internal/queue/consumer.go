// Package queue consumes the inbound message table with a fixed pool of
// workers, woken by LISTEN/NOTIFY with a polling fallback.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Source is the durable message queue.
type Source interface {
	ClaimNext(ctx context.Context) (*domain.Message, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, availableAt time.Time, cause string) error
	DeadLetter(ctx context.Context, id string, cause string) error
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher handles one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *domain.Message) ([]domain.OutboundEvent, error)
}

// Recorder receives per-message metrics.
type Recorder interface {
	MessageProcessed(ctx context.Context, msgType domain.MessageType, outcome string, millis float64)
}

// Outcomes reported to the Recorder.
const (
	OutcomeAck   = "ack"
	OutcomeRetry = "retry"
	OutcomeDead  = "dead"
)

// Config configures a Consumer.
type Config struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	// StaleAfter is how long a message may stay in processing before it is
	// handed to another worker.
	StaleAfter  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the standard consumer settings.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  8,
		PollInterval: 5 * time.Second,
		StaleAfter:   10 * time.Minute,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

// Consumer claims messages and hands them to a Dispatcher.
type Consumer struct {
	source     Source
	dispatcher Dispatcher
	cfg        Config
	wake       <-chan struct{}
	recorder   Recorder
	now        func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithWakeup sets a channel that triggers an immediate queue check.
func WithWakeup(ch <-chan struct{}) Option {
	return func(c *Consumer) {
		c.wake = ch
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Consumer) {
		c.recorder = r
	}
}

// WithClock replaces the wall clock used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer creates a new Consumer. Zero config fields take their defaults.
func NewConsumer(source Source, dispatcher Dispatcher, cfg Config, opts ...Option) *Consumer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	c := &Consumer{
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg,
		recorder:   noopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff returns the delay before the given attempt is retried:
// base * 2^(attempt-1), capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("queue consumer started",
		"workers", c.cfg.Workers,
		"max_attempts", c.cfg.MaxAttempts,
		"poll_interval", c.cfg.PollInterval,
	)

	if n, err := c.source.ReleaseStale(ctx, c.now().Add(-c.cfg.StaleAfter)); err != nil {
		slog.Error("failed to release stale messages", "error", err)
	} else if n > 0 {
		slog.Warn("released stale messages", "count", n)
	}

	signals := make([]chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range signals {
		signals[i] = make(chan struct{}, 1)
		wg.Add(1)
		go func(id int, signal <-chan struct{}) {
			defer wg.Done()
			c.worker(ctx, id, signal)
		}(i, signals[i])
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	broadcast := func() {
		for _, ch := range signals {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	broadcast()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("queue consumer stopped")
			return nil
		case <-ticker.C:
			if _, err := c.source.ReleaseStale(ctx, c.now().Add(-c.cfg.StaleAfter)); err != nil && ctx.Err() == nil {
				slog.Error("failed to release stale messages", "error", err)
			}
			broadcast()
		case <-c.wake:
			broadcast()
		}
	}
}

// worker drains the queue each time it is signalled.
func (c *Consumer) worker(ctx context.Context, id int, signal <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
		}

		for ctx.Err() == nil {
			processed, err := c.ProcessOne(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("queue worker failed", "worker", id, "error", err)
				}
				break
			}
			if !processed {
				break
			}
		}
	}
}

// ProcessOne claims and handles a single message. It reports false when the
// queue had nothing available. Dispatch failures are settled on the message
// and are not returned; the error is for queue access failures only.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := c.source.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("claim message: %w", err)
	}

	start := c.now()
	events, dispatchErr := c.dispatcher.Dispatch(ctx, msg)
	outcome, err := c.settle(ctx, msg, dispatchErr)
	c.recorder.MessageProcessed(ctx, msg.Type, outcome, float64(c.now().Sub(start).Microseconds())/1000)
	if err != nil {
		return true, err
	}

	if dispatchErr == nil {
		slog.Debug("message processed",
			"message_id", msg.ID,
			"type", msg.Type,
			"task_id", msg.TaskID,
			"events", len(events),
		)
	}
	return true, nil
}

func (c *Consumer) settle(ctx context.Context, msg *domain.Message, dispatchErr error) (string, error) {
	if dispatchErr == nil {
		if err := c.source.Ack(ctx, msg.ID); err != nil {
			return OutcomeAck, fmt.Errorf("ack message %s: %w", msg.ID, err)
		}
		return OutcomeAck, nil
	}

	logAttrs := []any{
		"message_id", msg.ID,
		"type", msg.Type,
		"task_id", msg.TaskID,
		"attempt", msg.Attempts,
		"error", dispatchErr,
	}

	if !domain.IsRetryable(dispatchErr) || msg.Attempts >= c.cfg.MaxAttempts {
		slog.Error("message dead-lettered", append(logAttrs, "kind", domain.ErrorKind(dispatchErr))...)
		if err := c.source.DeadLetter(ctx, msg.ID, dispatchErr.Error()); err != nil {
			return OutcomeDead, fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
		}
		return OutcomeDead, nil
	}

	delay := Backoff(msg.Attempts, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	slog.Warn("message failed, retrying", append(logAttrs, "retry_in", delay)...)
	if err := c.source.Retry(ctx, msg.ID, c.now().Add(delay), dispatchErr.Error()); err != nil {
		return OutcomeRetry, fmt.Errorf("retry message %s: %w", msg.ID, err)
	}
	return OutcomeRetry, nil
}

type noopRecorder struct{}

func (noopRecorder) MessageProcessed(context.Context, domain.MessageType, string, float64) {}
