package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Store groups the per-table repositories behind the operations the
// orchestrator needs. A Store obtained from WithinTx runs every call inside
// one transaction.
type Store struct {
	pool        *pgxpool.Pool
	tasks       *TaskRepository
	submissions *SubmissionRepository
	assignments *AssignmentRepository
	events      *EventRepository
	inTx        bool
}

// NewStore creates a Store on the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return newStore(pool, pool, false)
}

func newStore(pool *pgxpool.Pool, db DBTX, inTx bool) *Store {
	return &Store{
		pool:        pool,
		tasks:       NewTaskRepository(db),
		submissions: NewSubmissionRepository(db),
		assignments: NewAssignmentRepository(db),
		events:      NewEventRepository(db),
		inTx:        inTx,
	}
}

// rollback is deferred after Begin; it is a no-op once the tx is committed.
func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

// WithinTx runs fn in a transaction and commits if it returns nil. Nested
// calls reuse the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	if err := fn(newStore(s.pool, tx, true)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.VerificationTask, error) {
	return s.tasks.GetByID(ctx, id)
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task *domain.VerificationTask) error {
	return s.tasks.Create(ctx, task)
}

// PutTask replaces a task under optimistic concurrency.
func (s *Store) PutTask(ctx context.Context, task *domain.VerificationTask) error {
	return s.tasks.Update(ctx, task)
}

// ListSubmissions returns a task's submissions for a round (0 for all rounds).
func (s *Store) ListSubmissions(ctx context.Context, taskID string, round int) ([]domain.WorkerSubmission, error) {
	return s.submissions.ListByTask(ctx, taskID, round)
}

// AppendSubmission stores a submission.
func (s *Store) AppendSubmission(ctx context.Context, sub *domain.WorkerSubmission) error {
	return s.submissions.Append(ctx, sub)
}

// ListWorkerSubmissions returns a worker's most recent submissions, oldest first.
func (s *Store) ListWorkerSubmissions(ctx context.Context, workerID string, limit int) ([]domain.WorkerSubmission, error) {
	return s.submissions.ListByWorker(ctx, workerID, limit)
}

// ListAssignments returns a task's assignments.
func (s *Store) ListAssignments(ctx context.Context, taskID string) ([]domain.TaskAssignment, error) {
	return s.assignments.ListByTask(ctx, taskID)
}

// PutAssignment upserts an assignment.
func (s *Store) PutAssignment(ctx context.Context, a domain.TaskAssignment) error {
	return s.assignments.Put(ctx, a)
}

// Publish writes outbound events to the outbox.
func (s *Store) Publish(ctx context.Context, events []domain.OutboundEvent) error {
	return s.events.Publish(ctx, events)
}

// ListEvents returns a task's outbound events.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]domain.OutboundEvent, error) {
	return s.events.ListByTask(ctx, taskID)
}

// ListTaskIDs returns IDs of tasks matching the filters.
func (s *Store) ListTaskIDs(ctx context.Context, filters TaskFilters) ([]string, error) {
	return s.tasks.ListIDs(ctx, filters)
}
