package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

func invalid(field, format string, args ...any) error {
	return domain.NewValidationError(field, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidPayload}, args...)...))
}

// decode unmarshals the message payload into T.
func decode[T any](msg *domain.Message) (T, error) {
	var out T
	if len(bytes.TrimSpace(msg.Payload)) == 0 {
		return out, invalid("payload", "empty payload for %s", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, invalid("payload", "decode %s: %v", msg.Type, err)
	}
	return out, nil
}

// resolveTaskID reconciles the task ID of the envelope with the payload's.
func resolveTaskID(msg *domain.Message, fromPayload string) (string, error) {
	switch {
	case fromPayload == "" && msg.TaskID == "":
		return "", invalid("taskId", "is required")
	case fromPayload == "":
		return msg.TaskID, nil
	case msg.TaskID != "" && msg.TaskID != fromPayload:
		return "", invalid("taskId", "payload task %s does not match message task %s", fromPayload, msg.TaskID)
	default:
		return fromPayload, nil
	}
}

func validateTaskCreated(p *domain.TaskCreatedPayload) error {
	if p.Type == "" {
		return invalid("type", "is required")
	}
	if p.Priority == "" {
		p.Priority = domain.TaskPriorityMedium
	}
	if !p.Priority.IsValid() {
		return domain.NewValidationError("priority", fmt.Errorf("%w: %q", domain.ErrInvalidPriority, p.Priority))
	}
	if p.RequiredVerifications < 1 {
		return invalid("requiredVerifications", "must be at least 1, got %d", p.RequiredVerifications)
	}
	if t := p.Criteria.ConsensusThreshold; t < 0 || t > 1 {
		return invalid("criteria.consensusThreshold", "must be in [0, 1], got %v", t)
	}
	if a := p.Criteria.MinAccuracy; a < 0 || a > 1 {
		return invalid("criteria.minAccuracy", "must be in [0, 1], got %v", a)
	}
	if p.Criteria.TimeLimit < 0 {
		return invalid("criteria.timeLimit", "must not be negative")
	}
	if len(p.Content) > 0 && !json.Valid(p.Content) {
		return invalid("content", "is not valid JSON")
	}
	if p.BaseReward != "" && !decimalPattern.MatchString(p.BaseReward) {
		return invalid("baseReward", "%q is not a decimal amount", p.BaseReward)
	}
	return nil
}

func validateAssignment(p *domain.AssignmentAcceptedPayload) error {
	switch {
	case p.WorkerID == "":
		return invalid("workerId", "is required")
	case p.AssignedAt.IsZero():
		return invalid("assignedAt", "is required")
	case !p.ExpiresAt.After(p.AssignedAt):
		return invalid("expiresAt", "must be after assignedAt")
	}
	return nil
}

func validateSubmission(p *domain.WorkerSubmissionPayload) error {
	switch {
	case p.SubmissionID == "":
		return invalid("submissionId", "is required")
	case p.WorkerID == "":
		return invalid("workerId", "is required")
	case len(bytes.TrimSpace(p.Result)) == 0 || bytes.Equal(bytes.TrimSpace(p.Result), []byte("null")):
		return domain.NewValidationError("result", domain.ErrMissingResult)
	case !json.Valid(p.Result):
		return domain.NewValidationError("result", domain.ErrMalformedResult)
	case p.Confidence < 0 || p.Confidence > 1:
		return invalid("confidence", "must be in [0, 1], got %v", p.Confidence)
	case p.StartedAt.IsZero() || p.CompletedAt.IsZero():
		return invalid("startedAt", "startedAt and completedAt are required")
	case p.CompletedAt.Before(p.StartedAt):
		return domain.NewValidationError("completedAt", domain.ErrNegativeTimeSpent)
	}
	return nil
}

// ValidateMessage checks a message before it is enqueued and fills in its
// TaskID from the payload. Dispatch runs the same checks again.
func ValidateMessage(msg *domain.Message) error {
	_, err := parse(msg)
	return err
}

// parse validates the message and returns its typed payload.
func parse(msg *domain.Message) (any, error) {
	if !msg.Type.IsValid() {
		return nil, domain.NewValidationError("type", fmt.Errorf("%w: %q", domain.ErrUnknownMessage, msg.Type))
	}

	var (
		payload       any
		payloadTaskID string
		err           error
	)
	switch msg.Type {
	case domain.MessageTaskCreated:
		var p domain.TaskCreatedPayload
		if p, err = decode[domain.TaskCreatedPayload](msg); err == nil {
			err = validateTaskCreated(&p)
		}
		payload, payloadTaskID = &p, p.TaskID
	case domain.MessageAssignmentAccepted:
		var p domain.AssignmentAcceptedPayload
		if p, err = decode[domain.AssignmentAcceptedPayload](msg); err == nil {
			err = validateAssignment(&p)
		}
		payload, payloadTaskID = &p, p.TaskID
	case domain.MessageWorkerSubmission:
		var p domain.WorkerSubmissionPayload
		if p, err = decode[domain.WorkerSubmissionPayload](msg); err == nil {
			err = validateSubmission(&p)
		}
		payload, payloadTaskID = &p, p.TaskID
	default:
		if len(bytes.TrimSpace(msg.Payload)) == 0 {
			msg.Payload = json.RawMessage("{}")
		}
		var p domain.TaskRefPayload
		p, err = decode[domain.TaskRefPayload](msg)
		payload, payloadTaskID = &p, p.TaskID
	}
	if err != nil {
		return nil, err
	}

	taskID, err := resolveTaskID(msg, payloadTaskID)
	if err != nil {
		return nil, err
	}
	msg.TaskID = taskID
	return payload, nil
}
