package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/handler/dto"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// maxMessageBytes bounds POST /messages bodies.
const maxMessageBytes = 1 << 20

// handleGetTask returns the task with its status history, assignments and
// remaining time in the current status.
func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	view, err := h.tasks.Task(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToTaskResponse(view, h.now()))
}

// handleListSubmissions returns every submission of the task.
func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	subs, err := h.tasks.Submissions(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToSubmissionsResponse(taskID, subs))
}

// handleAnalyzeTask runs a read-only fraud analysis of the current round.
func (h *Handler) handleAnalyzeTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	result, err := h.tasks.AnalyzeTask(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToFraudResponse(taskID, result))
}

// handleEnqueueMessage validates an inbound message and puts it on the queue.
// The orchestrator consumes it asynchronously.
func (h *Handler) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req dto.EnqueueMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	msg := &domain.Message{
		ID:      req.ID,
		Type:    domain.MessageType(req.Type),
		TaskID:  req.TaskID,
		Payload: req.Payload,
	}
	if req.AvailableAt != nil {
		msg.AvailableAt = *req.AvailableAt
	}

	if err := service.ValidateMessage(msg); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), msg); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, dto.ToMessageInfo(msg))
}
