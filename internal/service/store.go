package service

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/repository"
)

// Publisher delivers outbound events.
type Publisher interface {
	Publish(ctx context.Context, events []domain.OutboundEvent) error
}

// Store is the storage the orchestrator works against. Every call on the
// Store passed to WithinTx's callback belongs to one atomic unit; events
// published there are committed together with the task changes.
type Store interface {
	Publisher

	GetTask(ctx context.Context, id string) (*domain.VerificationTask, error)
	CreateTask(ctx context.Context, task *domain.VerificationTask) error
	// PutTask replaces the task if task.Version still matches and bumps the
	// version; otherwise it returns domain.ErrConcurrentUpdate.
	PutTask(ctx context.Context, task *domain.VerificationTask) error

	// ListSubmissions returns a task's submissions of one round, or of all
	// rounds when round is 0.
	ListSubmissions(ctx context.Context, taskID string, round int) ([]domain.WorkerSubmission, error)
	AppendSubmission(ctx context.Context, sub *domain.WorkerSubmission) error
	// ListWorkerSubmissions returns a worker's latest submissions, oldest first.
	ListWorkerSubmissions(ctx context.Context, workerID string, limit int) ([]domain.WorkerSubmission, error)

	ListAssignments(ctx context.Context, taskID string) ([]domain.TaskAssignment, error)
	PutAssignment(ctx context.Context, a domain.TaskAssignment) error

	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// pgStore adapts repository.Store to Store.
type pgStore struct {
	*repository.Store
}

// NewPostgresStore returns a Store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{Store: repository.NewStore(pool)}
}

func (s *pgStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.Store.WithinTx(ctx, func(tx *repository.Store) error {
		return fn(&pgStore{Store: tx})
	})
}
