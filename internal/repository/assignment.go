package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// AssignmentRepository handles database operations for task assignments.
type AssignmentRepository struct {
	db DBTX
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(db DBTX) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Put inserts the assignment or refreshes its round and window.
func (r *AssignmentRepository) Put(ctx context.Context, a domain.TaskAssignment) error {
	query, args, err := psql.
		Insert("assignments").
		Columns("task_id", "worker_id", "round", "assigned_at", "expires_at").
		Values(a.TaskID, a.WorkerID, a.Round, a.AssignedAt, a.ExpiresAt).
		Suffix("ON CONFLICT (task_id, worker_id) DO UPDATE SET round = EXCLUDED.round, assigned_at = EXCLUDED.assigned_at, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Put query for assignment: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("put assignment: %w", err)
	}
	return nil
}

// ListByTask returns all assignments of a task.
func (r *AssignmentRepository) ListByTask(ctx context.Context, taskID string) ([]domain.TaskAssignment, error) {
	query, args, err := psql.
		Select("task_id", "worker_id", "round", "assigned_at", "expires_at").
		From("assignments").
		Where(sq.Eq{"task_id": taskID}).
		OrderBy("assigned_at ASC", "worker_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListByTask query for assignments: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskAssignment
	for rows.Next() {
		var a domain.TaskAssignment
		if err := rows.Scan(&a.TaskID, &a.WorkerID, &a.Round, &a.AssignedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
