package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/handler/dto"
	"github.com/mtlprog/crowdcheck/internal/middleware"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// Pinger checks database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskReader serves the read side of the orchestrator.
type TaskReader interface {
	Task(ctx context.Context, taskID string) (*service.TaskView, error)
	Submissions(ctx context.Context, taskID string) ([]domain.WorkerSubmission, error)
	AnalyzeTask(ctx context.Context, taskID string) (*domain.FraudDetectionResult, error)
}

// MessageQueue is the inbound queue as seen by the ops API.
type MessageQueue interface {
	Enqueue(ctx context.Context, msg *domain.Message) error
	ListByStatus(ctx context.Context, status domain.MessageStatus, limit uint64) ([]*domain.Message, error)
}

// StatsSource provides aggregate counters.
type StatsSource interface {
	Get(ctx context.Context) (*repository.StatsResult, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	db             Pinger
	tasks          TaskReader
	queue          MessageQueue
	stats          StatsSource
	authMiddleware *middleware.AuthMiddleware
	now            func() time.Time
}

// New creates a new Handler instance with all dependencies.
func New(db Pinger, tasks TaskReader, queue MessageQueue, stats StatsSource, token string) *Handler {
	return &Handler{
		db:             db,
		tasks:          tasks,
		queue:          queue,
		stats:          stats,
		authMiddleware: middleware.NewAuthMiddleware(token),
		now:            time.Now,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	auth := h.authMiddleware.Authenticate
	mux.Handle("GET /api/v1/tasks/{id}", auth(http.HandlerFunc(h.handleGetTask)))
	mux.Handle("GET /api/v1/tasks/{id}/submissions", auth(http.HandlerFunc(h.handleListSubmissions)))
	mux.Handle("GET /api/v1/tasks/{id}/fraud", auth(http.HandlerFunc(h.handleAnalyzeTask)))
	mux.Handle("POST /api/v1/messages", auth(http.HandlerFunc(h.handleEnqueueMessage)))
	mux.Handle("GET /api/v1/stats", auth(http.HandlerFunc(h.handleGetStats)))
}

// Routes returns the traced router.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return otelhttp.NewHandler(mux, "crowdcheck-ops-api")
}

// AuthEnabled reports whether the API requires a token.
func (h *Handler) AuthEnabled() bool {
	return h.authMiddleware.Enabled()
}

// handleHealthz returns 200 OK if the database is reachable.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("database health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a standard error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.NewErrorResponse(code, message))
}

// respondDomainError maps err through MapDomainError.
func respondDomainError(w http.ResponseWriter, err error) {
	status, code, message := dto.MapDomainError(err)
	respondError(w, status, code, message)
}

// maxTaskIDLen bounds task IDs accepted in paths.
const maxTaskIDLen = 255

// extractTaskID extracts and validates task ID from path parameter.
// Returns (taskID, true) if valid, ("", false) if invalid (error already sent to client).
func extractTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := r.PathValue("id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id is required")
		return "", false
	}
	if len(taskID) > maxTaskIDLen {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id is too long")
		return "", false
	}
	return taskID, true
}
