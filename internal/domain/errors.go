package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for business logic validation.
var (
	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConcurrentUpdate  = errors.New("task was modified concurrently")

	// Submission errors
	ErrDuplicateSubmission = errors.New("submission already recorded")
	ErrWorkerAlreadyVoted  = errors.New("worker already submitted in this round")
	ErrNegativeTimeSpent   = errors.New("completedAt precedes startedAt")
	ErrMissingResult       = errors.New("submission result is missing")
	ErrMalformedResult     = errors.New("submission result is not valid JSON")

	// Consensus errors
	ErrNoEligibleSubmissions = errors.New("no eligible submissions")
	ErrNotPendingReview      = errors.New("task is not pending review")

	// Queue errors
	ErrMessageNotFound = errors.New("message not found")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrLockNotAcquired = errors.New("task lock not acquired")

	// Validation errors
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
	ErrInvalidPayload  = errors.New("invalid message payload")
)

// ErrorClassifier is implemented by the error kinds the engines surface.
// The orchestrator uses it to decide between retrying and dead-lettering a message.
type ErrorClassifier interface {
	ErrorKind() string
	Retryable() bool
}

// ValidationError reports malformed input data: missing submission fields,
// unknown lifecycle states, bad payloads.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error     { return e.Err }
func (e *ValidationError) ErrorKind() string { return "validation" }
func (e *ValidationError) Retryable() bool   { return false }

// NewValidationError wraps a sentinel with the offending field.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// TransitionError reports an illegal lifecycle transition. The message always
// carries the current and the attempted state.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	// Allowed lists the states reachable from From, when known.
	Allowed []TaskStatus
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: task %s cannot transition %s -> %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
	if len(e.Allowed) == 0 {
		return msg
	}
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return msg + " (allowed: " + strings.Join(allowed, ", ") + ")"
}

func (e *TransitionError) Unwrap() error     { return ErrInvalidTransition }
func (e *TransitionError) ErrorKind() string { return "transition" }
func (e *TransitionError) Retryable() bool   { return false }

// FraudDetectionError reports a failure inside the analysis pipeline.
type FraudDetectionError struct {
	SubmissionID string
	Stage        string
	Err          error
}

func (e *FraudDetectionError) Error() string {
	if e.SubmissionID == "" {
		return fmt.Sprintf("fraud detection %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("fraud detection %s: submission %s: %v", e.Stage, e.SubmissionID, e.Err)
}

func (e *FraudDetectionError) Unwrap() error     { return e.Err }
func (e *FraudDetectionError) ErrorKind() string { return "fraud_detection" }
func (e *FraudDetectionError) Retryable() bool   { return false }

// ConsensusError reports an attempt to calculate consensus that cannot proceed.
type ConsensusError struct {
	TaskID string
	Err    error
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("consensus for task %s: %v", e.TaskID, e.Err)
}

func (e *ConsensusError) Unwrap() error     { return e.Err }
func (e *ConsensusError) ErrorKind() string { return "consensus" }
func (e *ConsensusError) Retryable() bool   { return false }

// ErrorKind returns the classification of err, or "" for unclassified errors.
func ErrorKind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return ""
}

// IsRetryable reports whether a failed message should be delivered again.
// Classified engine errors are permanent; storage, network and lock contention
// failures are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.Retryable()
	}
	switch {
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrInvalidPayload):
		return false
	}
	return true
}
