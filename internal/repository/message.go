package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

var messageColumns = []string{
	"id", "type", "task_id", "payload", "status", "attempts", "last_error",
	"available_at", "created_at",
}

// MessageRepository stores the inbound message queue.
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		msg     domain.Message
		payload []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.Type,
		&msg.TaskID,
		&payload,
		&msg.Status,
		&msg.Attempts,
		&msg.LastError,
		&msg.AvailableAt,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Payload = payload
	return &msg, nil
}

// Enqueue inserts a pending message. An empty ID is replaced by a new UUID.
func (r *MessageRepository) Enqueue(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return domain.NewValidationError("id", fmt.Errorf("%w: message id must be a UUID", domain.ErrInvalidPayload))
	}

	qb := psql.Insert("inbound_messages")
	if msg.AvailableAt.IsZero() {
		qb = qb.Columns("id", "type", "task_id", "payload").
			Values(msg.ID, msg.Type, msg.TaskID, []byte(msg.Payload))
	} else {
		qb = qb.Columns("id", "type", "task_id", "payload", "available_at").
			Values(msg.ID, msg.Type, msg.TaskID, []byte(msg.Payload), msg.AvailableAt)
	}

	query, args, err := qb.
		Suffix("ON CONFLICT (id) DO NOTHING RETURNING status, available_at, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Enqueue query: %w", err)
	}

	err = r.pool.QueryRow(ctx, query, args...).Scan(&msg.Status, &msg.AvailableAt, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already enqueued under this ID; delivery is at-least-once anyway.
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// ClaimNext locks the oldest available pending message, marks it processing
// and bumps its attempt counter. Returns ErrMessageNotFound when the queue is empty.
func (r *MessageRepository) ClaimNext(ctx context.Context) (*domain.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	query, args, err := psql.
		Select(messageColumns...).
		From("inbound_messages").
		Where(sq.Eq{"status": domain.MessageStatusPending}).
		Where("available_at <= NOW()").
		OrderBy("available_at ASC", "created_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ClaimNext query: %w", err)
	}

	msg, err := scanMessage(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	update, args, err := psql.
		Update("inbound_messages").
		Set("status", domain.MessageStatusProcessing).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": msg.ID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim update: %w", err)
	}
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	msg.Status = domain.MessageStatusProcessing
	msg.Attempts++
	return msg, nil
}

func (r *MessageRepository) setStatus(
	ctx context.Context,
	id string,
	from []domain.MessageStatus,
	to domain.MessageStatus,
	mutate func(sq.UpdateBuilder) sq.UpdateBuilder,
) error {
	qb := psql.
		Update("inbound_messages").
		Set("status", to).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": from})
	if mutate != nil {
		qb = mutate(qb)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("build status update for message %s: %w", id, err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s in status %v", domain.ErrMessageNotFound, id, from)
	}
	return nil
}

// Ack marks a processing message as done.
func (r *MessageRepository) Ack(ctx context.Context, id string) error {
	return r.setStatus(ctx, id,
		[]domain.MessageStatus{domain.MessageStatusProcessing},
		domain.MessageStatusDone,
		func(qb sq.UpdateBuilder) sq.UpdateBuilder {
			return qb.Set("last_error", nil)
		})
}

// Retry returns a processing message to the queue, available again at the given time.
func (r *MessageRepository) Retry(ctx context.Context, id string, availableAt time.Time, cause string) error {
	return r.setStatus(ctx, id,
		[]domain.MessageStatus{domain.MessageStatusProcessing},
		domain.MessageStatusPending,
		func(qb sq.UpdateBuilder) sq.UpdateBuilder {
			return qb.Set("available_at", availableAt).Set("last_error", cause)
		})
}

// DeadLetter parks a processing message, keeping its last error.
func (r *MessageRepository) DeadLetter(ctx context.Context, id string, cause string) error {
	return r.setStatus(ctx, id,
		[]domain.MessageStatus{domain.MessageStatusProcessing},
		domain.MessageStatusDead,
		func(qb sq.UpdateBuilder) sq.UpdateBuilder {
			return qb.Set("last_error", cause)
		})
}

// Requeue moves a dead message back to pending with a fresh attempt budget.
func (r *MessageRepository) Requeue(ctx context.Context, id string) error {
	return r.setStatus(ctx, id,
		[]domain.MessageStatus{domain.MessageStatusDead},
		domain.MessageStatusPending,
		func(qb sq.UpdateBuilder) sq.UpdateBuilder {
			return qb.Set("attempts", 0).Set("available_at", sq.Expr("NOW()"))
		})
}

// ReleaseStale returns messages stuck in processing since before the cutoff
// to the queue. It recovers work from consumers that died mid-message.
func (r *MessageRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.
		Update("inbound_messages").
		Set("status", domain.MessageStatusPending).
		Set("available_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"status": domain.MessageStatusProcessing}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build ReleaseStale query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("release stale messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID retrieves a message by ID.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrMessageNotFound
	}
	query, args, err := psql.
		Select(messageColumns...).
		From("inbound_messages").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build GetByID query for message: %w", err)
	}

	return scanMessage(r.pool.QueryRow(ctx, query, args...))
}

// ListByStatus returns messages in the given status, most recent first.
func (r *MessageRepository) ListByStatus(ctx context.Context, status domain.MessageStatus, limit uint64) ([]*domain.Message, error) {
	qb := psql.
		Select(messageColumns...).
		From("inbound_messages").
		Where(sq.Eq{"status": status}).
		OrderBy("updated_at DESC")
	if limit > 0 {
		qb = qb.Limit(limit)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListByStatus query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
