package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// taskColumns is the shared list of columns for task queries.
var taskColumns = []string{
	"id", "type", "priority", "content", "required_verifications", "criteria",
	"base_reward", "status", "round", "status_history", "assigned_workers",
	"version", "created_at", "last_updated",
}

// TaskRepository handles database operations for verification tasks.
type TaskRepository struct {
	db DBTX
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db DBTX) *TaskRepository {
	return &TaskRepository{db: db}
}

// scanTask scans a single row into a VerificationTask.
func scanTask(row pgx.Row) (*domain.VerificationTask, error) {
	var (
		task        domain.VerificationTask
		content     []byte
		criteria    []byte
		historyJSON []byte
	)
	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Priority,
		&content,
		&task.RequiredVerifications,
		&criteria,
		&task.BaseReward,
		&task.Status,
		&task.Round,
		&historyJSON,
		&task.AssignedWorkers,
		&task.Version,
		&task.CreatedAt,
		&task.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if len(content) > 0 {
		task.Content = json.RawMessage(content)
	}
	if err := json.Unmarshal(criteria, &task.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(historyJSON, &task.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history for task %s: %w", task.ID, err)
	}
	return &task, nil
}

// encodeTask marshals the JSONB columns of a task.
func encodeTask(task *domain.VerificationTask) (criteria, history []byte, err error) {
	criteria, err = json.Marshal(task.Criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal criteria: %w", err)
	}
	entries := task.StatusHistory
	if entries == nil {
		entries = []domain.StatusChange{}
	}
	history, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal status history: %w", err)
	}
	return criteria, history, nil
}

func assignedWorkers(task *domain.VerificationTask) []string {
	if task.AssignedWorkers == nil {
		return []string{}
	}
	return task.AssignedWorkers
}

func contentParam(content json.RawMessage) any {
	if len(content) == 0 {
		return nil
	}
	return []byte(content)
}

// GetByID retrieves a task by ID.
func (r *TaskRepository) GetByID(ctx context.Context, taskID string) (*domain.VerificationTask, error) {
	query, args, err := psql.
		Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build GetByID query for task: %w", err)
	}

	return scanTask(r.db.QueryRow(ctx, query, args...))
}

// Create inserts a new task. Returns ErrTaskExists when the ID is taken.
func (r *TaskRepository) Create(ctx context.Context, task *domain.VerificationTask) error {
	criteria, history, err := encodeTask(task)
	if err != nil {
		return err
	}
	if task.Version == 0 {
		task.Version = 1
	}

	query, args, err := psql.
		Insert("tasks").
		Columns(
			"id", "type", "priority", "content", "required_verifications", "criteria",
			"base_reward", "status", "round", "status_history", "assigned_workers",
			"state_since", "version", "created_at", "last_updated",
		).
		Values(
			task.ID,
			task.Type,
			task.Priority,
			contentParam(task.Content),
			task.RequiredVerifications,
			criteria,
			task.BaseReward,
			task.Status,
			task.Round,
			history,
			assignedWorkers(task),
			task.CurrentStateSince(),
			task.Version,
			task.CreatedAt,
			task.LastUpdated,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build Create query for task %s: %w", task.ID, err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		if uniqueViolationOn(err, "tasks_pkey") {
			return domain.ErrTaskExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Update replaces the task row if its version still matches task.Version and
// bumps the version on success. Returns ErrConcurrentUpdate otherwise.
func (r *TaskRepository) Update(ctx context.Context, task *domain.VerificationTask) error {
	criteria, history, err := encodeTask(task)
	if err != nil {
		return err
	}

	query, args, err := psql.
		Update("tasks").
		Set("type", task.Type).
		Set("priority", task.Priority).
		Set("content", contentParam(task.Content)).
		Set("required_verifications", task.RequiredVerifications).
		Set("criteria", criteria).
		Set("base_reward", task.BaseReward).
		Set("status", task.Status).
		Set("round", task.Round).
		Set("status_history", history).
		Set("assigned_workers", assignedWorkers(task)).
		Set("state_since", task.CurrentStateSince()).
		Set("last_updated", task.LastUpdated).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"id":      task.ID,
			"version": task.Version,
		}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Update query for task %s: %w", task.ID, err)
	}

	var version int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: task %s at version %d", domain.ErrConcurrentUpdate, task.ID, task.Version)
		}
		return fmt.Errorf("update task: %w", err)
	}
	task.Version = version
	return nil
}

// TaskFilters narrows task listings.
type TaskFilters struct {
	Statuses      []domain.TaskStatus
	InStateBefore *time.Time // only tasks that entered their status before this instant
	Limit         uint64
}

// ListIDs returns the IDs of matching tasks, oldest state first.
func (r *TaskRepository) ListIDs(ctx context.Context, filters TaskFilters) ([]string, error) {
	qb := psql.Select("id").From("tasks")

	if len(filters.Statuses) > 0 {
		qb = qb.Where(sq.Eq{"status": filters.Statuses})
	}
	if filters.InStateBefore != nil {
		qb = qb.Where(sq.Lt{"state_since": *filters.InStateBefore})
	}
	if filters.Limit > 0 {
		qb = qb.Limit(filters.Limit)
	}

	query, args, err := qb.OrderBy("state_since ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListIDs query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect task ids: %w", err)
	}
	return ids, nil
}
