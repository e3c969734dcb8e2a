package domain

import (
	"encoding/json"
	"time"
)

// TaskAssignment binds a task to a worker for a bounded time window.
type TaskAssignment struct {
	TaskID   string
	WorkerID string
	// Round is the task round the assignment was accepted in. Zero means
	// the assignment is not tied to a round.
	Round      int
	AssignedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the assignment window has passed.
func (a TaskAssignment) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// WorkerSubmission is a worker's verification result for an assigned task.
type WorkerSubmission struct {
	SubmissionID string
	TaskID       string
	WorkerID     string
	Round        int
	Result       json.RawMessage
	Confidence   float64
	StartedAt    time.Time
	CompletedAt  time.Time
	CreatedAt    time.Time
}

// TimeSpent returns how long the worker spent on the submission.
func (s WorkerSubmission) TimeSpent() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}
