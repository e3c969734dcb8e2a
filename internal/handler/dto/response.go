package dto

import (
	"encoding/json"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// TaskResponse represents the response for GET /tasks/{id}.
type TaskResponse struct {
	Task        TaskDetail       `json:"task"`
	History     []StatusChange   `json:"status_history"`
	Assignments []AssignmentInfo `json:"assignments"`
}

// TaskDetail represents the full task object.
type TaskDetail struct {
	ID                    string          `json:"id"`
	Type                  string          `json:"type"`
	Priority              string          `json:"priority"`
	Status                string          `json:"status"`
	Round                 int             `json:"round"`
	RequiredVerifications int             `json:"required_verifications"`
	Criteria              domain.Criteria `json:"criteria"`
	BaseReward            string          `json:"base_reward,omitempty"`
	Content               json.RawMessage `json:"content,omitempty"`
	AssignedWorkers       []string        `json:"assigned_workers"`
	// RemainingSeconds is omitted for statuses without a timeout.
	RemainingSeconds *int64    `json:"remaining_seconds,omitempty"`
	ExpiryPending    string    `json:"expiry_pending,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusChange represents one status history entry.
type StatusChange struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AssignmentInfo represents a worker's assignment window.
type AssignmentInfo struct {
	WorkerID   string    `json:"worker_id"`
	Round      int       `json:"round"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
}

// SubmissionInfo represents a stored worker submission.
type SubmissionInfo struct {
	SubmissionID string          `json:"submission_id"`
	WorkerID     string          `json:"worker_id"`
	Round        int             `json:"round"`
	Result       json.RawMessage `json:"result"`
	Confidence   float64         `json:"confidence"`
	TimeSpentMs  int64           `json:"time_spent_ms"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// SubmissionsResponse represents the response for GET /tasks/{id}/submissions.
type SubmissionsResponse struct {
	TaskID      string           `json:"task_id"`
	Submissions []SubmissionInfo `json:"submissions"`
}

// SuspiciousActivityInfo represents one fraud finding.
type SuspiciousActivityInfo struct {
	Type          string   `json:"type"`
	Severity      string   `json:"severity"`
	Description   string   `json:"description"`
	WorkerIDs     []string `json:"worker_ids"`
	SubmissionIDs []string `json:"submission_ids,omitempty"`
	Evidence      any      `json:"evidence"`
}

// WorkerBehaviorInfo represents the per-worker risk summary.
type WorkerBehaviorInfo struct {
	RiskScore float64  `json:"risk_score"`
	Patterns  []string `json:"patterns"`
}

// FraudResponse represents the response for GET /tasks/{id}/fraud.
type FraudResponse struct {
	TaskID                string                        `json:"task_id"`
	HasSuspiciousActivity bool                          `json:"has_suspicious_activity"`
	RiskLevel             string                        `json:"risk_level"`
	SuspiciousActivities  []SuspiciousActivityInfo      `json:"suspicious_activities"`
	WorkerBehavior        map[string]WorkerBehaviorInfo `json:"worker_behavior"`
	AnalyzedAt            time.Time                     `json:"analyzed_at"`
}

// MessageInfo represents an inbound queue message.
type MessageInfo struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   *string   `json:"last_error"`
	AvailableAt time.Time `json:"available_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatsResponse represents the response for GET /stats.
type StatsResponse struct {
	TasksByStatus      map[string]int `json:"tasks_by_status"`
	MessagesByStatus   map[string]int `json:"messages_by_status"`
	SubmissionsTotal   int            `json:"submissions_total"`
	OutboundEvents     int            `json:"outbound_events"`
	OldestPendingAgeMs int64          `json:"oldest_pending_age_ms"`
	DeadLetters        []MessageInfo  `json:"dead_letters"`
}

// ToTaskResponse converts a task view to its API representation.
func ToTaskResponse(view *service.TaskView, now time.Time) TaskResponse {
	task := view.Task
	workers := task.AssignedWorkers
	if workers == nil {
		workers = []string{}
	}

	detail := TaskDetail{
		ID:                    task.ID,
		Type:                  task.Type,
		Priority:              string(task.Priority),
		Status:                string(task.Status),
		Round:                 task.Round,
		RequiredVerifications: task.RequiredVerifications,
		Criteria:              task.Criteria,
		BaseReward:            task.BaseReward,
		Content:               task.Content,
		AssignedWorkers:       workers,
		ExpiryPending:         view.Expiry,
		CreatedAt:             task.CreatedAt,
		UpdatedAt:             task.LastUpdated,
	}
	if view.Remaining != nil {
		secs := int64(view.Remaining.Seconds())
		detail.RemainingSeconds = &secs
	}

	history := make([]StatusChange, len(task.StatusHistory))
	for i, h := range task.StatusHistory {
		history[i] = StatusChange{
			From:     string(h.From),
			To:       string(h.To),
			At:       h.At,
			Metadata: h.Metadata,
		}
	}

	assignments := make([]AssignmentInfo, len(view.Assignments))
	for i, a := range view.Assignments {
		assignments[i] = AssignmentInfo{
			WorkerID:   a.WorkerID,
			Round:      a.Round,
			AssignedAt: a.AssignedAt,
			ExpiresAt:  a.ExpiresAt,
			Expired:    a.Expired(now),
		}
	}

	return TaskResponse{Task: detail, History: history, Assignments: assignments}
}

// ToSubmissionsResponse converts stored submissions.
func ToSubmissionsResponse(taskID string, subs []domain.WorkerSubmission) SubmissionsResponse {
	out := make([]SubmissionInfo, len(subs))
	for i, s := range subs {
		out[i] = SubmissionInfo{
			SubmissionID: s.SubmissionID,
			WorkerID:     s.WorkerID,
			Round:        s.Round,
			Result:       s.Result,
			Confidence:   s.Confidence,
			TimeSpentMs:  s.TimeSpent().Milliseconds(),
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		}
	}
	return SubmissionsResponse{TaskID: taskID, Submissions: out}
}

// ToFraudResponse converts a fraud analysis.
func ToFraudResponse(taskID string, result *domain.FraudDetectionResult) FraudResponse {
	activities := make([]SuspiciousActivityInfo, len(result.SuspiciousActivities))
	for i, a := range result.SuspiciousActivities {
		activities[i] = SuspiciousActivityInfo{
			Type:          string(a.Type),
			Severity:      string(a.Severity),
			Description:   a.Description,
			WorkerIDs:     a.WorkerIDs,
			SubmissionIDs: a.SubmissionIDs,
			Evidence:      a.Evidence,
		}
	}

	behavior := make(map[string]WorkerBehaviorInfo, len(result.WorkerBehavior))
	for workerID, b := range result.WorkerBehavior {
		patterns := make([]string, len(b.Patterns))
		for i, p := range b.Patterns {
			patterns[i] = string(p)
		}
		behavior[workerID] = WorkerBehaviorInfo{RiskScore: b.RiskScore, Patterns: patterns}
	}

	return FraudResponse{
		TaskID:                taskID,
		HasSuspiciousActivity: result.HasSuspiciousActivity,
		RiskLevel:             string(result.RiskLevel),
		SuspiciousActivities:  activities,
		WorkerBehavior:        behavior,
		AnalyzedAt:            result.Timestamp,
	}
}

// ToMessageInfo converts a queue message.
func ToMessageInfo(msg *domain.Message) MessageInfo {
	return MessageInfo{
		ID:          msg.ID,
		Type:        string(msg.Type),
		TaskID:      msg.TaskID,
		Status:      string(msg.Status),
		Attempts:    msg.Attempts,
		LastError:   msg.LastError,
		AvailableAt: msg.AvailableAt,
		CreatedAt:   msg.CreatedAt,
	}
}

// ToStatsResponse converts aggregate statistics.
func ToStatsResponse(stats *repository.StatsResult, dead []*domain.Message) StatsResponse {
	letters := make([]MessageInfo, len(dead))
	for i, msg := range dead {
		letters[i] = ToMessageInfo(msg)
	}
	return StatsResponse{
		TasksByStatus:      stats.TasksByStatus,
		MessagesByStatus:   stats.MessagesByStatus,
		SubmissionsTotal:   stats.SubmissionsTotal,
		OutboundEvents:     stats.OutboundEvents,
		OldestPendingAgeMs: stats.OldestPendingAgeMs,
		DeadLetters:        letters,
	}
}
