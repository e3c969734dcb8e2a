package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// TestHistoryCache tests per-task caching and invalidation.
func TestHistoryCache(t *testing.T) {
	ctx := context.Background()
	cache := service.NewHistoryCache()

	calls := map[string]int{}
	load := func(_ context.Context, workerID string) ([]domain.WorkerSubmission, error) {
		calls[workerID]++
		return []domain.WorkerSubmission{{SubmissionID: "past-" + workerID, WorkerID: workerID}}, nil
	}

	got, err := cache.Get(ctx, "task-1", []string{"worker-1", "worker-2"}, load)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "past-worker-1", got["worker-1"][0].SubmissionID)

	_, err = cache.Get(ctx, "task-1", []string{"worker-1", "worker-3"}, load)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"worker-1": 1, "worker-2": 1, "worker-3": 1}, calls)

	// Another task never reuses task-1's entries.
	_, err = cache.Get(ctx, "task-2", []string{"worker-1"}, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls["worker-1"])
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate("task-1")
	assert.Equal(t, 1, cache.Len())
	_, err = cache.Get(ctx, "task-1", []string{"worker-2"}, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls["worker-2"])
}

// TestHistoryCache_LoadError tests that failed loads are not cached.
func TestHistoryCache_LoadError(t *testing.T) {
	cache := service.NewHistoryCache()
	boom := errors.New("connection reset")

	_, err := cache.Get(context.Background(), "task-1", []string{"worker-1"},
		func(context.Context, string) ([]domain.WorkerSubmission, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())
}
