// Package lifecycle implements the verification task state machine: transition
// legality, append-only status history, and timeout-driven expiration.
//
// The machine holds no mutable state beyond its configuration. Every call
// derives elapsed time from the injected clock, so callers can re-check
// timeouts at the top of each operation instead of caching remaining time.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskStatusCreated: {
		domain.TaskStatusPendingDistribution,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusPendingDistribution: {
		domain.TaskStatusDistributed,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusDistributed: {
		domain.TaskStatusInProgress,
		domain.TaskStatusExpired,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusInProgress: {
		domain.TaskStatusPendingReview,
		domain.TaskStatusExpired,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusPendingReview: {
		domain.TaskStatusCompleted,
		domain.TaskStatusNeedsRevision,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusNeedsRevision: {
		domain.TaskStatusInProgress,
		domain.TaskStatusCancelled,
	},
	domain.TaskStatusCompleted: {domain.TaskStatusArchived},
	domain.TaskStatusExpired:   {domain.TaskStatusArchived},
	domain.TaskStatusCancelled: {domain.TaskStatusArchived},
	domain.TaskStatusArchived:  {},
}

// AllowedTransitions returns the states reachable from the given status.
func AllowedTransitions(from domain.TaskStatus) []domain.TaskStatus {
	return append([]domain.TaskStatus(nil), transitions[from]...)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to domain.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine applies lifecycle transitions and evaluates timeouts.
type Machine struct {
	timeouts Timeouts
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithTimeouts replaces the per-state timeout table.
func WithTimeouts(t Timeouts) Option {
	return func(m *Machine) {
		m.timeouts = t
	}
}

// NewMachine creates a Machine with default timeouts and the wall clock.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		timeouts: DefaultTimeouts(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Transition moves the task to newStatus and returns the updated copy.
// The input task is never modified, so a failed transition leaves it intact.
func (m *Machine) Transition(
	task *domain.VerificationTask,
	newStatus domain.TaskStatus,
	metadata map[string]any,
) (*domain.VerificationTask, error) {
	if task == nil {
		return nil, &domain.ValidationError{Field: "task", Reason: "task is nil"}
	}
	if !task.Status.IsValid() {
		return nil, &domain.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("unknown current status %q for task %s", task.Status, task.ID),
			Err:    domain.ErrInvalidStatus,
		}
	}
	if !CanTransition(task.Status, newStatus) {
		return nil, &domain.TransitionError{
			TaskID:  task.ID,
			From:    task.Status,
			To:      newStatus,
			Allowed: AllowedTransitions(task.Status),
		}
	}

	at := m.now()
	// History must stay time-ordered even if the clock steps backwards.
	if since := task.CurrentStateSince(); at.Before(since) {
		at = since
	}

	next := task.Clone()
	next.StatusHistory = append(next.StatusHistory, domain.StatusChange{
		From:     task.Status,
		To:       newStatus,
		At:       at,
		Metadata: copyMetadata(metadata),
	})
	next.Status = newStatus
	next.LastUpdated = at

	switch {
	case task.Status == domain.TaskStatusNeedsRevision && newStatus == domain.TaskStatusInProgress:
		next.Round++
	case holdsAssignments(task.Status) && !holdsAssignments(newStatus):
		next.AssignedWorkers = nil
	}

	return next, nil
}

func holdsAssignments(s domain.TaskStatus) bool {
	return s == domain.TaskStatusDistributed || s == domain.TaskStatusInProgress
}

func copyMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
