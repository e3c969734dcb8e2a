package handler

import (
	"net/http"
	"strconv"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/handler/dto"
)

// Dead letter listing bounds for GET /stats.
const (
	defaultDeadLetters = 20
	maxDeadLetters     = 500
)

// handleGetStats returns task, queue and outbox counters with the most
// recent dead letters.
func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filters := dto.DeadLetterFilters{Limit: defaultDeadLetters}
	if raw := r.URL.Query().Get("dead_letters"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || limit > maxDeadLetters {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "dead_letters must be an integer between 0 and 500")
			return
		}
		filters.Limit = limit
	}

	stats, err := h.stats.Get(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch stats")
		return
	}

	var dead []*domain.Message
	if filters.Limit > 0 {
		dead, err = h.queue.ListByStatus(ctx, domain.MessageStatusDead, filters.Limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch dead letters")
			return
		}
	}

	respondJSON(w, http.StatusOK, dto.ToStatsResponse(stats, dead))
}
