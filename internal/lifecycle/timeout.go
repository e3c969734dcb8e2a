package lifecycle

import (
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Default per-state timeouts.
const (
	DefaultPendingDistributionTimeout = 5 * time.Minute
	DefaultInProgressTimeout          = 24 * time.Hour
	DefaultPendingReviewTimeout       = 15 * time.Minute
)

// Timeouts is the per-state timeout table. InProgress is the MEDIUM-priority
// base and is scaled by PriorityFactor.
type Timeouts struct {
	PendingDistribution time.Duration
	InProgress          time.Duration
	PendingReview       time.Duration
}

// DefaultTimeouts returns the built-in timeout table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PendingDistribution: DefaultPendingDistributionTimeout,
		InProgress:          DefaultInProgressTimeout,
		PendingReview:       DefaultPendingReviewTimeout,
	}
}

// PriorityFactor scales the IN_PROGRESS timeout.
func PriorityFactor(p domain.TaskPriority) float64 {
	switch p {
	case domain.TaskPriorityHigh:
		return 0.5
	case domain.TaskPriorityLow:
		return 2
	default:
		return 1
	}
}

// Timeout returns the maximum time the task may stay in its current status.
// ok is false for states without a timeout.
func (m *Machine) Timeout(task *domain.VerificationTask) (time.Duration, bool) {
	switch task.Status {
	case domain.TaskStatusPendingDistribution:
		return m.timeouts.PendingDistribution, m.timeouts.PendingDistribution > 0
	case domain.TaskStatusInProgress:
		d := time.Duration(float64(m.timeouts.InProgress) * PriorityFactor(task.Priority))
		return d, d > 0
	case domain.TaskStatusPendingReview:
		return m.timeouts.PendingReview, m.timeouts.PendingReview > 0
	default:
		return 0, false
	}
}

// TimeInCurrentState measures from the last history entry, or CreatedAt.
func (m *Machine) TimeInCurrentState(task *domain.VerificationTask) time.Duration {
	elapsed := m.now().Sub(task.CurrentStateSince())
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingTime returns max(0, timeout - timeInCurrentState).
func (m *Machine) RemainingTime(task *domain.VerificationTask) (time.Duration, bool) {
	timeout, ok := m.Timeout(task)
	if !ok {
		return 0, false
	}
	return max(0, timeout-m.TimeInCurrentState(task)), true
}

// ExpiryReason names the trigger of an expiration.
type ExpiryReason string

const (
	ExpiryStateTimeout       ExpiryReason = "state_timeout"
	ExpiryAssignmentsExpired ExpiryReason = "assignments_expired"
)

// Expiry is the outcome of an expiration check.
type Expiry struct {
	Expired          bool
	Reason           ExpiryReason
	ExpiredWorkerIDs []string
}

// Expiration checks whether the task exceeded its state timeout or whether
// every one of its current-round assignments has expired. When both hold, the
// trigger that fired first is reported.
func (m *Machine) Expiration(task *domain.VerificationTask, assignments []domain.TaskAssignment) Expiry {
	now := m.now()

	var (
		expiredWorkers []string
		latestExpiry   time.Time
		total          int
	)
	for _, a := range assignments {
		if a.TaskID != "" && a.TaskID != task.ID {
			continue
		}
		// Assignments from earlier rounds no longer hold the task.
		if a.Round != 0 && a.Round != task.Round {
			continue
		}
		total++
		if a.Expired(now) {
			expiredWorkers = append(expiredWorkers, a.WorkerID)
			if a.ExpiresAt.After(latestExpiry) {
				latestExpiry = a.ExpiresAt
			}
		}
	}
	allExpired := total > 0 && len(expiredWorkers) == total && holdsAssignments(task.Status)

	var (
		timedOut bool
		deadline time.Time
	)
	if timeout, ok := m.Timeout(task); ok {
		deadline = task.CurrentStateSince().Add(timeout)
		timedOut = now.After(deadline)
	}

	switch {
	case timedOut && allExpired:
		reason := ExpiryStateTimeout
		if latestExpiry.Before(deadline) {
			reason = ExpiryAssignmentsExpired
		}
		return Expiry{Expired: true, Reason: reason, ExpiredWorkerIDs: expiredWorkers}
	case timedOut:
		return Expiry{Expired: true, Reason: ExpiryStateTimeout, ExpiredWorkerIDs: expiredWorkers}
	case allExpired:
		return Expiry{Expired: true, Reason: ExpiryAssignmentsExpired, ExpiredWorkerIDs: expiredWorkers}
	default:
		return Expiry{}
	}
}

// HandleTaskExpiration transitions the task to EXPIRED when it has expired and
// EXPIRED is reachable from its current status. Otherwise the task is returned
// unchanged and changed is false. Calling it on an EXPIRED task is a no-op.
func (m *Machine) HandleTaskExpiration(
	task *domain.VerificationTask,
	assignments []domain.TaskAssignment,
) (updated *domain.VerificationTask, changed bool, err error) {
	if task.Status == domain.TaskStatusExpired || !CanTransition(task.Status, domain.TaskStatusExpired) {
		return task, false, nil
	}

	expiry := m.Expiration(task, assignments)
	if !expiry.Expired {
		return task, false, nil
	}

	workers := expiry.ExpiredWorkerIDs
	if workers == nil {
		workers = []string{}
	}
	next, err := m.Transition(task, domain.TaskStatusExpired, map[string]any{
		"reason":           string(expiry.Reason),
		"expiredWorkerIds": workers,
	})
	if err != nil {
		return task, false, err
	}
	return next, true, nil
}

// ArchiveDue reports whether a finished task has outlived the retention window.
func (m *Machine) ArchiveDue(task *domain.VerificationTask, retention time.Duration) bool {
	if !task.Status.IsFinished() {
		return false
	}
	return m.TimeInCurrentState(task) >= retention
}
