package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/handler"
	"github.com/mtlprog/crowdcheck/internal/handler/dto"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

const testToken = "ops-token"

type fakeDB struct{ err error }

func (f *fakeDB) Ping(context.Context) error { return f.err }

type fakeTasks struct {
	views map[string]*service.TaskView
	subs  map[string][]domain.WorkerSubmission
	fraud map[string]*domain.FraudDetectionResult
}

func (f *fakeTasks) Task(_ context.Context, id string) (*service.TaskView, error) {
	if v, ok := f.views[id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("get task %s: %w", id, domain.ErrTaskNotFound)
}

func (f *fakeTasks) Submissions(_ context.Context, id string) ([]domain.WorkerSubmission, error) {
	if _, ok := f.views[id]; !ok {
		return nil, domain.ErrTaskNotFound
	}
	return f.subs[id], nil
}

func (f *fakeTasks) AnalyzeTask(_ context.Context, id string) (*domain.FraudDetectionResult, error) {
	if r, ok := f.fraud[id]; ok {
		return r, nil
	}
	return nil, domain.ErrTaskNotFound
}

type fakeQueue struct {
	enqueued []*domain.Message
	dead     []*domain.Message
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, msg *domain.Message) error {
	if f.err != nil {
		return f.err
	}
	if msg.ID == "" {
		msg.ID = "00000000-0000-0000-0000-0000000000aa"
	}
	msg.Status = domain.MessageStatusPending
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func (f *fakeQueue) ListByStatus(_ context.Context, status domain.MessageStatus, limit uint64) ([]*domain.Message, error) {
	if status != domain.MessageStatusDead {
		return nil, nil
	}
	if uint64(len(f.dead)) > limit {
		return f.dead[:limit], nil
	}
	return f.dead, nil
}

type fakeStats struct{}

func (fakeStats) Get(context.Context) (*repository.StatsResult, error) {
	return &repository.StatsResult{
		TasksByStatus:    map[string]int{"IN_PROGRESS": 2, "COMPLETED": 5},
		MessagesByStatus: map[string]int{"done": 40, "dead": 1},
		SubmissionsTotal: 21,
		OutboundEvents:   30,
	}, nil
}

type HandlerTestSuite struct {
	suite.Suite
	db      *fakeDB
	tasks   *fakeTasks
	queue   *fakeQueue
	handler *handler.Handler
	now     time.Time
}

func (s *HandlerTestSuite) SetupTest() {
	s.now = time.Now().UTC()
	remaining := 90 * time.Minute

	s.db = &fakeDB{}
	s.tasks = &fakeTasks{
		views: map[string]*service.TaskView{
			"task-1": {
				Task: &domain.VerificationTask{
					ID:                    "task-1",
					Type:                  "image_caption",
					Priority:              domain.TaskPriorityHigh,
					RequiredVerifications: 3,
					Status:                domain.TaskStatusInProgress,
					Round:                 1,
					AssignedWorkers:       []string{"worker-1"},
					StatusHistory: []domain.StatusChange{
						{From: domain.TaskStatusCreated, To: domain.TaskStatusPendingDistribution, At: s.now.Add(-time.Hour)},
						{From: domain.TaskStatusPendingDistribution, To: domain.TaskStatusDistributed, At: s.now.Add(-50 * time.Minute)},
						{From: domain.TaskStatusDistributed, To: domain.TaskStatusInProgress, At: s.now.Add(-30 * time.Minute)},
					},
				},
				Assignments: []domain.TaskAssignment{
					{TaskID: "task-1", WorkerID: "worker-1", AssignedAt: s.now.Add(-30 * time.Minute), ExpiresAt: s.now.Add(time.Hour)},
					{TaskID: "task-1", WorkerID: "worker-2", AssignedAt: s.now.Add(-30 * time.Minute), ExpiresAt: s.now.Add(-time.Minute)},
				},
				Remaining: &remaining,
			},
		},
		subs: map[string][]domain.WorkerSubmission{
			"task-1": {{
				SubmissionID: "sub-1",
				TaskID:       "task-1",
				WorkerID:     "worker-1",
				Round:        1,
				Result:       json.RawMessage(`{"verdict":"VALID"}`),
				Confidence:   0.9,
				StartedAt:    s.now.Add(-2 * time.Minute),
				CompletedAt:  s.now.Add(-time.Minute),
			}},
		},
		fraud: map[string]*domain.FraudDetectionResult{
			"task-1": {
				HasSuspiciousActivity: true,
				RiskLevel:             domain.RiskHigh,
				SuspiciousActivities: []domain.SuspiciousActivity{{
					Type:      domain.ActivityWorkerCollusion,
					Severity:  domain.SeverityHigh,
					WorkerIDs: []string{"worker-1", "worker-2"},
					Evidence:  domain.CollusionEvidence{WorkerA: "worker-1", WorkerB: "worker-2", Similarity: 0.97, Pairs: 1},
				}},
				WorkerBehavior: map[string]domain.WorkerBehavior{
					"worker-1": {RiskScore: 1, Patterns: []domain.ActivityType{}},
				},
				Timestamp: s.now,
			},
		},
	}
	s.queue = &fakeQueue{}
	s.handler = handler.New(s.db, s.tasks, s.queue, fakeStats{}, testToken)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

// Helper to make authenticated request
func (s *HandlerTestSuite) makeRequest(method, path, token string, body any) *httptest.ResponseRecorder {
	var bodyReader *bytes.Reader
	switch b := body.(type) {
	case nil:
		bodyReader = bytes.NewReader(nil)
	case string:
		bodyReader = bytes.NewReader([]byte(b))
	default:
		bodyBytes, err := json.Marshal(b)
		s.Require().NoError(err)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.handler.Routes().ServeHTTP(w, req)
	return w
}

func (s *HandlerTestSuite) decode(w *httptest.ResponseRecorder, into any) {
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
}

// TestHealthz tests the unauthenticated health check.
func (s *HandlerTestSuite) TestHealthz() {
	w := s.makeRequest(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, w.Code)

	s.db.err = errors.New("connection refused")
	w = s.makeRequest(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

// TestAuth tests Bearer token checks.
func (s *HandlerTestSuite) TestAuth() {
	w := s.makeRequest(http.MethodGet, "/api/v1/tasks/task-1", "", nil)
	s.Equal(http.StatusUnauthorized, w.Code)

	w = s.makeRequest(http.MethodGet, "/api/v1/tasks/task-1", "wrong", nil)
	s.Equal(http.StatusUnauthorized, w.Code)

	open := handler.New(s.db, s.tasks, s.queue, fakeStats{}, "")
	s.False(open.AuthEnabled())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	open.Routes().ServeHTTP(rec, req)
	s.Equal(http.StatusOK, rec.Code)
}

// TestGetTask tests the task view.
func (s *HandlerTestSuite) TestGetTask() {
	w := s.makeRequest(http.MethodGet, "/api/v1/tasks/task-1", testToken, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp dto.TaskResponse
	s.decode(w, &resp)
	s.Equal("IN_PROGRESS", resp.Task.Status)
	s.Equal("HIGH", resp.Task.Priority)
	s.Require().NotNil(resp.Task.RemainingSeconds)
	s.EqualValues(5400, *resp.Task.RemainingSeconds)
	s.Len(resp.History, 3)
	s.Require().Len(resp.Assignments, 2)
	s.False(resp.Assignments[0].Expired)
	s.True(resp.Assignments[1].Expired)

	w = s.makeRequest(http.MethodGet, "/api/v1/tasks/missing", testToken, nil)
	s.Equal(http.StatusNotFound, w.Code)
	var errResp dto.ErrorResponse
	s.decode(w, &errResp)
	s.Equal("TASK_NOT_FOUND", errResp.Error.Code)
}

// TestListSubmissions tests the submissions listing.
func (s *HandlerTestSuite) TestListSubmissions() {
	w := s.makeRequest(http.MethodGet, "/api/v1/tasks/task-1/submissions", testToken, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp dto.SubmissionsResponse
	s.decode(w, &resp)
	s.Require().Len(resp.Submissions, 1)
	s.Equal("worker-1", resp.Submissions[0].WorkerID)
	s.EqualValues(60000, resp.Submissions[0].TimeSpentMs)
	s.JSONEq(`{"verdict":"VALID"}`, string(resp.Submissions[0].Result))
}

// TestAnalyzeTask tests the fraud report.
func (s *HandlerTestSuite) TestAnalyzeTask() {
	w := s.makeRequest(http.MethodGet, "/api/v1/tasks/task-1/fraud", testToken, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp dto.FraudResponse
	s.decode(w, &resp)
	s.True(resp.HasSuspiciousActivity)
	s.Equal("HIGH", resp.RiskLevel)
	s.Require().Len(resp.SuspiciousActivities, 1)
	s.Equal("WORKER_COLLUSION", resp.SuspiciousActivities[0].Type)
	s.Equal(1.0, resp.WorkerBehavior["worker-1"].RiskScore)
}

// TestEnqueueMessage tests validation before enqueueing.
func (s *HandlerTestSuite) TestEnqueueMessage() {
	body := map[string]any{
		"type":    "task.distributed",
		"payload": map[string]any{"taskId": "task-1"},
	}
	w := s.makeRequest(http.MethodPost, "/api/v1/messages", testToken, body)
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	var info dto.MessageInfo
	s.decode(w, &info)
	s.Equal("task-1", info.TaskID)
	s.Equal("pending", info.Status)
	s.Require().Len(s.queue.enqueued, 1)
	s.Equal(domain.MessageTaskDistributed, s.queue.enqueued[0].Type)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"malformed body", `{"type":`, http.StatusBadRequest, "INVALID_JSON"},
		{"unknown type", map[string]any{"type": "task.teleported", "task_id": "task-1"}, http.StatusUnprocessableEntity, "UNKNOWN_MESSAGE_TYPE"},
		{"negative time spent", map[string]any{
			"type": "worker.submission",
			"payload": map[string]any{
				"submissionId": "sub-9", "taskId": "task-1", "workerId": "worker-9",
				"result": map[string]any{"verdict": "VALID"}, "confidence": 0.5,
				"startedAt": "2026-05-04T10:00:00Z", "completedAt": "2026-05-04T09:00:00Z",
			},
		}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			w := s.makeRequest(http.MethodPost, "/api/v1/messages", testToken, tt.body)
			s.Equal(tt.wantStatus, w.Code)
			var errResp dto.ErrorResponse
			s.decode(w, &errResp)
			s.Equal(tt.wantCode, errResp.Error.Code)
		})
	}
	s.Len(s.queue.enqueued, 1)
}

// TestGetStats tests counters and dead letters.
func (s *HandlerTestSuite) TestGetStats() {
	lastErr := "validation failed: result: submission result is missing"
	s.queue.dead = []*domain.Message{
		{ID: "m-1", Type: domain.MessageWorkerSubmission, TaskID: "task-1", Status: domain.MessageStatusDead, Attempts: 1, LastError: &lastErr},
		{ID: "m-2", Type: domain.MessageTaskCreated, TaskID: "task-2", Status: domain.MessageStatusDead, Attempts: 8},
	}

	w := s.makeRequest(http.MethodGet, "/api/v1/stats?dead_letters=1", testToken, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp dto.StatsResponse
	s.decode(w, &resp)
	s.Equal(5, resp.TasksByStatus["COMPLETED"])
	s.Equal(21, resp.SubmissionsTotal)
	s.Require().Len(resp.DeadLetters, 1)
	s.Equal(lastErr, *resp.DeadLetters[0].LastError)

	w = s.makeRequest(http.MethodGet, "/api/v1/stats?dead_letters=lots", testToken, nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

// TestMapDomainError tests the error to status mapping.
func (s *HandlerTestSuite) TestMapDomainError() {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("get: %w", domain.ErrTaskNotFound), http.StatusNotFound, "TASK_NOT_FOUND"},
		{&domain.TransitionError{TaskID: "t", From: domain.TaskStatusCompleted, To: domain.TaskStatusInProgress}, http.StatusConflict, "INVALID_TRANSITION"},
		{domain.NewValidationError("result", domain.ErrMissingResult), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{domain.ErrConcurrentUpdate, http.StatusConflict, "CONCURRENT_UPDATE"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		status, code, _ := dto.MapDomainError(tt.err)
		s.Equal(tt.wantStatus, status, tt.err.Error())
		s.Equal(tt.wantCode, code, tt.err.Error())
	}
}
