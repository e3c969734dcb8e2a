package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// HistoryLoader loads one worker's recent submissions.
type HistoryLoader func(ctx context.Context, workerID string) ([]domain.WorkerSubmission, error)

// HistoryCache keeps worker behavior history per task. Entries of one task
// are never shared with another task's evaluation and are dropped with
// Invalidate once the task's round is decided.
type HistoryCache struct {
	mu      sync.Mutex
	entries map[string]map[string][]domain.WorkerSubmission
}

// NewHistoryCache creates an empty cache.
func NewHistoryCache() *HistoryCache {
	return &HistoryCache{entries: make(map[string]map[string][]domain.WorkerSubmission)}
}

// Get returns the history of each worker for the task, loading the workers
// that are not cached yet.
func (c *HistoryCache) Get(
	ctx context.Context,
	taskID string,
	workerIDs []string,
	load HistoryLoader,
) (map[string][]domain.WorkerSubmission, error) {
	c.mu.Lock()
	cached := c.entries[taskID]
	out := make(map[string][]domain.WorkerSubmission, len(workerIDs))
	var missing []string
	for _, id := range workerIDs {
		if subs, ok := cached[id]; ok {
			out[id] = subs
			continue
		}
		missing = append(missing, id)
	}
	c.mu.Unlock()

	loaded := make(map[string][]domain.WorkerSubmission, len(missing))
	for _, id := range missing {
		subs, err := load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load history of worker %s: %w", id, err)
		}
		loaded[id] = subs
		out[id] = subs
	}

	if len(loaded) > 0 {
		c.mu.Lock()
		entry, ok := c.entries[taskID]
		if !ok {
			entry = make(map[string][]domain.WorkerSubmission, len(loaded))
			c.entries[taskID] = entry
		}
		for id, subs := range loaded {
			entry[id] = subs
		}
		c.mu.Unlock()
	}
	return out, nil
}

// Invalidate drops the task's entries.
func (c *HistoryCache) Invalidate(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, taskID)
}

// Len returns the number of cached tasks.
func (c *HistoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
