package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// EventRepository writes outbound events to the outbox table. Collaborators
// receive a NOTIFY on crowdcheck_outbound for every inserted row.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// Publish inserts the events, assigning IDs and timestamps where missing.
func (r *EventRepository) Publish(ctx context.Context, events []domain.OutboundEvent) error {
	if len(events) == 0 {
		return nil
	}

	qb := psql.Insert("outbound_events").Columns("id", "type", "task_id", "payload", "created_at")
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload for task %s: %w", ev.Type, ev.TaskID, err)
		}
		qb = qb.Values(ev.ID, ev.Type, ev.TaskID, payload, ev.CreatedAt)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("build Publish query: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outbound events: %w", err)
	}
	return nil
}

// ListByTask returns a task's outbound events in creation order.
// Payloads are returned as raw JSON.
func (r *EventRepository) ListByTask(ctx context.Context, taskID string) ([]domain.OutboundEvent, error) {
	query, args, err := psql.
		Select("id", "type", "task_id", "payload", "created_at").
		From("outbound_events").
		Where(sq.Eq{"task_id": taskID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListByTask query for events: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbound events: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboundEvent
	for rows.Next() {
		var (
			ev      domain.OutboundEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.TaskID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbound event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
