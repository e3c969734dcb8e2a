package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsRepository runs the aggregate queries behind the stats endpoint and CLI.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// StatsResult holds overall coordinator statistics.
type StatsResult struct {
	TasksByStatus      map[string]int
	MessagesByStatus   map[string]int
	SubmissionsTotal   int
	OutboundEvents     int
	OldestPendingAgeMs int64
}

// Get collects task, queue and outbox statistics.
func (r *StatsRepository) Get(ctx context.Context) (*StatsResult, error) {
	result := &StatsResult{
		TasksByStatus:    make(map[string]int),
		MessagesByStatus: make(map[string]int),
	}

	if err := r.countBy(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status", result.TasksByStatus); err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	if err := r.countBy(ctx, "SELECT status, COUNT(*) FROM inbound_messages GROUP BY status", result.MessagesByStatus); err != nil {
		return nil, fmt.Errorf("count messages by status: %w", err)
	}

	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM submissions),
			(SELECT COUNT(*) FROM outbound_events),
			COALESCE((
				SELECT (EXTRACT(EPOCH FROM NOW() - MIN(available_at)) * 1000)::BIGINT
				FROM inbound_messages
				WHERE status = 'pending' AND available_at <= NOW()
			), 0)
	`).Scan(&result.SubmissionsTotal, &result.OutboundEvents, &result.OldestPendingAgeMs)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}

	return result, nil
}

func (r *StatsRepository) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}
