package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/repository"
)

// TaskLister lists task IDs for the sweep.
type TaskLister interface {
	ListTaskIDs(ctx context.Context, filters repository.TaskFilters) ([]string, error)
}

// Enqueuer puts a message on the inbound queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *domain.Message) error
}

// sweptStatuses are the statuses whose tasks can time out.
var sweptStatuses = []domain.TaskStatus{
	domain.TaskStatusPendingDistribution,
	domain.TaskStatusDistributed,
	domain.TaskStatusInProgress,
	domain.TaskStatusPendingReview,
}

var finishedStatuses = []domain.TaskStatus{
	domain.TaskStatusCompleted,
	domain.TaskStatusExpired,
	domain.TaskStatusCancelled,
}

// Sweeper enqueues tick.expirationCheck messages. Expiration itself is
// evaluated by the orchestrator when the tick is consumed.
type Sweeper struct {
	tasks     TaskLister
	queue     Enqueuer
	retention time.Duration
	batch     uint64
	now       func() time.Time
}

// NewSweeper creates a new Sweeper. batch limits the tasks per status group
// and sweep; zero means no limit.
func NewSweeper(tasks TaskLister, queue Enqueuer, retention time.Duration, batch uint64) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		tasks:     tasks,
		queue:     queue,
		retention: retention,
		batch:     batch,
		now:       time.Now,
	}
}

// Sweep enqueues a tick for every task that may time out and for every
// finished task past retention. It returns the number of ticks enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	open, err := s.tasks.ListTaskIDs(ctx, repository.TaskFilters{
		Statuses: sweptStatuses,
		Limit:    s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list open tasks: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	finished, err := s.tasks.ListTaskIDs(ctx, repository.TaskFilters{
		Statuses:      finishedStatuses,
		InStateBefore: &cutoff,
		Limit:         s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list finished tasks: %w", err)
	}

	count := 0
	for _, id := range append(open, finished...) {
		payload, err := json.Marshal(domain.TaskRefPayload{TaskID: id})
		if err != nil {
			return count, fmt.Errorf("marshal tick payload: %w", err)
		}
		msg := &domain.Message{
			Type:    domain.MessageExpirationCheck,
			TaskID:  id,
			Payload: payload,
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			return count, fmt.Errorf("enqueue tick for task %s: %w", id, err)
		}
		count++
	}

	slog.Info("sweep finished", "open", len(open), "archivable", len(finished), "enqueued", count)
	return count, nil
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
