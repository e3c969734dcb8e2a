package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the status of a verification task in the lifecycle state machine.
type TaskStatus string

const (
	TaskStatusCreated             TaskStatus = "CREATED"
	TaskStatusPendingDistribution TaskStatus = "PENDING_DISTRIBUTION"
	TaskStatusDistributed         TaskStatus = "DISTRIBUTED"
	TaskStatusInProgress          TaskStatus = "IN_PROGRESS"
	TaskStatusPendingReview       TaskStatus = "PENDING_REVIEW"
	TaskStatusNeedsRevision       TaskStatus = "NEEDS_REVISION"
	TaskStatusCompleted           TaskStatus = "COMPLETED"
	TaskStatusExpired             TaskStatus = "EXPIRED"
	TaskStatusCancelled           TaskStatus = "CANCELLED"
	TaskStatusArchived            TaskStatus = "ARCHIVED"
)

// AllTaskStatuses lists every lifecycle state in declaration order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusCreated,
	TaskStatusPendingDistribution,
	TaskStatusDistributed,
	TaskStatusInProgress,
	TaskStatusPendingReview,
	TaskStatusNeedsRevision,
	TaskStatusCompleted,
	TaskStatusExpired,
	TaskStatusCancelled,
	TaskStatusArchived,
}

// IsValid checks if the status is one of the lifecycle states.
func (s TaskStatus) IsValid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsFinished returns true for outcomes that only lead to ARCHIVED.
func (s TaskStatus) IsFinished() bool {
	return s == TaskStatusCompleted || s == TaskStatusExpired || s == TaskStatusCancelled
}

// IsTerminal returns true if no transitions are allowed out of the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusArchived
}

// AcceptsSubmissions reports whether worker submissions may be recorded in this
// status. PENDING_DISTRIBUTION is included because a submission may overtake
// the distribution confirmation.
func (s TaskStatus) AcceptsSubmissions() bool {
	switch s {
	case TaskStatusPendingDistribution, TaskStatusDistributed, TaskStatusInProgress, TaskStatusNeedsRevision:
		return true
	}
	return false
}

// TaskPriority represents the priority level of a task.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "HIGH"
	TaskPriorityMedium TaskPriority = "MEDIUM"
	TaskPriorityLow    TaskPriority = "LOW"
)

// IsValid checks if the priority is one of the allowed values.
func (p TaskPriority) IsValid() bool {
	switch p {
	case TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	default:
		return false
	}
}

// Criteria holds the verification requirements attached to a task.
type Criteria struct {
	MinAccuracy float64       `json:"minAccuracy,omitempty"`
	TimeLimit   time.Duration `json:"timeLimit,omitempty"`
	// ConsensusThreshold overrides the policy default agreement ratio when non-zero.
	ConsensusThreshold  float64 `json:"consensusThreshold,omitempty"`
	AllowSingleVerifier bool    `json:"allowSingleVerifier,omitempty"`
}

// StatusChange is one append-only entry of a task's status history.
type StatusChange struct {
	From     TaskStatus     `json:"from"`
	To       TaskStatus     `json:"to"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VerificationTask is one unit of content requiring human verification.
type VerificationTask struct {
	ID                    string
	Type                  string
	Priority              TaskPriority
	Content               json.RawMessage
	RequiredVerifications int
	Criteria              Criteria
	BaseReward            string
	Status                TaskStatus
	Round                 int
	CreatedAt             time.Time
	LastUpdated           time.Time
	StatusHistory         []StatusChange
	AssignedWorkers       []string
	Version               int64
}

// CurrentStateSince returns the moment the task entered its current status.
func (t *VerificationTask) CurrentStateSince() time.Time {
	if n := len(t.StatusHistory); n > 0 {
		return t.StatusHistory[n-1].At
	}
	return t.CreatedAt
}

// HasWorker checks if the worker holds an active assignment on the task.
func (t *VerificationTask) HasWorker(workerID string) bool {
	for _, id := range t.AssignedWorkers {
		if id == workerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can derive a new task value without touching the original.
func (t *VerificationTask) Clone() *VerificationTask {
	clone := *t
	if t.Content != nil {
		clone.Content = append(json.RawMessage(nil), t.Content...)
	}
	clone.StatusHistory = append([]StatusChange(nil), t.StatusHistory...)
	clone.AssignedWorkers = append([]string(nil), t.AssignedWorkers...)
	return &clone
}
