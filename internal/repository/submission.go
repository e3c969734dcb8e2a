package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

var submissionColumns = []string{
	"submission_id", "task_id", "worker_id", "round", "result", "confidence",
	"started_at", "completed_at", "created_at",
}

// SubmissionRepository handles database operations for worker submissions.
type SubmissionRepository struct {
	db DBTX
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(db DBTX) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

func scanSubmissions(rows pgx.Rows) ([]domain.WorkerSubmission, error) {
	defer rows.Close()

	var subs []domain.WorkerSubmission
	for rows.Next() {
		var (
			sub    domain.WorkerSubmission
			result []byte
		)
		err := rows.Scan(
			&sub.SubmissionID,
			&sub.TaskID,
			&sub.WorkerID,
			&sub.Round,
			&result,
			&sub.Confidence,
			&sub.StartedAt,
			&sub.CompletedAt,
			&sub.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.Result = result
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return subs, nil
}

// Append stores a submission. A repeated submission ID yields
// ErrDuplicateSubmission; a second submission by the same worker in the same
// round yields ErrWorkerAlreadyVoted.
func (r *SubmissionRepository) Append(ctx context.Context, sub *domain.WorkerSubmission) error {
	query, args, err := psql.
		Insert("submissions").
		Columns(
			"submission_id", "task_id", "worker_id", "round", "result", "confidence",
			"started_at", "completed_at",
		).
		Values(
			sub.SubmissionID,
			sub.TaskID,
			sub.WorkerID,
			sub.Round,
			[]byte(sub.Result),
			sub.Confidence,
			sub.StartedAt,
			sub.CompletedAt,
		).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Append query for submission %s: %w", sub.SubmissionID, err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&sub.CreatedAt); err != nil {
		switch {
		case uniqueViolationOn(err, "submissions_pkey"):
			return domain.ErrDuplicateSubmission
		case uniqueViolationOn(err, "submissions_one_per_round"):
			return domain.ErrWorkerAlreadyVoted
		}
		return fmt.Errorf("append submission: %w", err)
	}
	return nil
}

// ListByTask returns a task's submissions for one round in completion order.
// A round of 0 returns every round.
func (r *SubmissionRepository) ListByTask(ctx context.Context, taskID string, round int) ([]domain.WorkerSubmission, error) {
	qb := psql.Select(submissionColumns...).
		From("submissions").
		Where(sq.Eq{"task_id": taskID})
	if round > 0 {
		qb = qb.Where(sq.Eq{"round": round})
	}

	query, args, err := qb.OrderBy("completed_at ASC", "submission_id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListByTask query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}

	return scanSubmissions(rows)
}

// ListByWorker returns the worker's most recent submissions, oldest first.
func (r *SubmissionRepository) ListByWorker(ctx context.Context, workerID string, limit int) ([]domain.WorkerSubmission, error) {
	inner := psql.Select(submissionColumns...).
		From("submissions").
		Where(sq.Eq{"worker_id": workerID}).
		OrderBy("completed_at DESC")
	if limit > 0 {
		inner = inner.Limit(uint64(limit))
	}

	query, args, err := psql.Select(submissionColumns...).
		FromSelect(inner, "recent").
		OrderBy("completed_at ASC", "submission_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListByWorker query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query worker submissions: %w", err)
	}

	return scanSubmissions(rows)
}
