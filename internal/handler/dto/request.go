package dto

import (
	"encoding/json"
	"time"
)

// EnqueueMessageRequest represents the request body for POST /messages.
type EnqueueMessageRequest struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	TaskID      string          `json:"task_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	AvailableAt *time.Time      `json:"available_at,omitempty"`
}

// DeadLetterFilters represents query parameters for GET /stats.
type DeadLetterFilters struct {
	Limit uint64 // ?dead_letters=20
}
