package domain

import (
	"encoding/json"
	"time"
)

// MessageType identifies an inbound queue message.
type MessageType string

const (
	MessageTaskCreated        MessageType = "task.created"
	MessageTaskDistributed    MessageType = "task.distributed"
	MessageTaskCancelled      MessageType = "task.cancelled"
	MessageAssignmentAccepted MessageType = "assignment.accepted"
	MessageWorkerSubmission   MessageType = "worker.submission"
	MessageExpirationCheck    MessageType = "tick.expirationCheck"
)

// IsValid checks if the message type is handled by the orchestrator.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTaskCreated, MessageTaskDistributed, MessageTaskCancelled,
		MessageAssignmentAccepted, MessageWorkerSubmission, MessageExpirationCheck:
		return true
	default:
		return false
	}
}

// MessageStatus tracks delivery of an inbound message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusDone       MessageStatus = "done"
	MessageStatusDead       MessageStatus = "dead"
)

// Message is an inbound queue message.
type Message struct {
	ID          string
	Type        MessageType
	TaskID      string
	Payload     json.RawMessage
	Status      MessageStatus
	Attempts    int
	LastError   *string
	AvailableAt time.Time
	CreatedAt   time.Time
}

// TaskCreatedPayload is the body of task.created.
type TaskCreatedPayload struct {
	TaskID                string          `json:"taskId"`
	Type                  string          `json:"type"`
	Priority              TaskPriority    `json:"priority"`
	RequiredVerifications int             `json:"requiredVerifications"`
	Criteria              Criteria        `json:"criteria"`
	Content               json.RawMessage `json:"content,omitempty"`
	BaseReward            string          `json:"baseReward,omitempty"`
}

// TaskRefPayload is the body of messages that only carry a task reference.
type TaskRefPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// AssignmentAcceptedPayload is the body of assignment.accepted.
type AssignmentAcceptedPayload struct {
	TaskID     string    `json:"taskId"`
	WorkerID   string    `json:"workerId"`
	AssignedAt time.Time `json:"assignedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// WorkerSubmissionPayload is the body of worker.submission.
type WorkerSubmissionPayload struct {
	SubmissionID string          `json:"submissionId"`
	TaskID       string          `json:"taskId"`
	WorkerID     string          `json:"workerId"`
	Result       json.RawMessage `json:"result"`
	Confidence   float64         `json:"confidence"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt"`
}

// EventType identifies an outbound event.
type EventType string

const (
	EventTaskCompleted   EventType = "task.completed"
	EventTaskRejected    EventType = "task.rejected"
	EventTaskExpired     EventType = "task.expired"
	EventTaskArchived    EventType = "task.archived"
	EventRewardRequested EventType = "reward.requested"
)

// OutboundEvent is published for the payment and notification collaborators.
type OutboundEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerReward is the reward entry for one worker in task.completed and task.rejected.
type WorkerReward struct {
	WorkerID        string  `json:"workerId"`
	RewardFraction  float64 `json:"rewardFraction"`
	ReputationDelta float64 `json:"reputationDelta"`
}

// TaskCompletedEvent is the payload of task.completed.
type TaskCompletedEvent struct {
	TaskID       string          `json:"taskId"`
	AgreedResult json.RawMessage `json:"agreedResult"`
	Rewards      []WorkerReward  `json:"rewards"`
}

// TaskRejectedEvent is the payload of task.rejected.
type TaskRejectedEvent struct {
	TaskID  string         `json:"taskId"`
	Reason  string         `json:"reason"`
	Rewards []WorkerReward `json:"rewards"`
}

// TaskArchivedEvent is the payload of task.archived.
type TaskArchivedEvent struct {
	TaskID     string     `json:"taskId"`
	FinalState TaskStatus `json:"finalState"`
}

// TaskExpiredEvent is the payload of task.expired.
type TaskExpiredEvent struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// RewardRequest is consumed by the payment collaborator. It carries the fraction
// only; the collaborator computes and executes the monetary transfer.
type RewardRequest struct {
	TaskID         string  `json:"taskId"`
	WorkerID       string  `json:"workerId"`
	RewardFraction float64 `json:"rewardFraction"`
	BaseReward     string  `json:"baseReward"`
}
