package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// memStore is an in-memory service.Store. WithinTx works on a copy that is
// written back only when the callback succeeds.
type memStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	tasks       map[string]*domain.VerificationTask
	subs        []domain.WorkerSubmission
	assignments map[string]map[string]domain.TaskAssignment
	events      []domain.OutboundEvent
	nextEvent   int

	failPublish error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       make(map[string]*domain.VerificationTask),
		assignments: make(map[string]map[string]domain.TaskAssignment),
	}
}

func (s *memStore) snapshot() *memStore {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := newMemStore()
	for id, t := range s.tasks {
		c.tasks[id] = t.Clone()
	}
	c.subs = append([]domain.WorkerSubmission(nil), s.subs...)
	for id, byWorker := range s.assignments {
		m := make(map[string]domain.TaskAssignment, len(byWorker))
		for w, a := range byWorker {
			m[w] = a
		}
		c.assignments[id] = m
	}
	c.events = append([]domain.OutboundEvent(nil), s.events...)
	c.nextEvent = s.nextEvent
	c.failPublish = s.failPublish
	return c
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx service.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := s.snapshot()
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tx.tasks
	s.subs = tx.subs
	s.assignments = tx.assignments
	s.events = tx.events
	s.nextEvent = tx.nextEvent
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*domain.VerificationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) CreateTask(_ context.Context, task *domain.VerificationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return domain.ErrTaskExists
	}
	task.Version = 1
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *memStore) PutTask(_ context.Context, task *domain.VerificationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok || current.Version != task.Version {
		return fmt.Errorf("%w: task %s at version %d", domain.ErrConcurrentUpdate, task.ID, task.Version)
	}
	task.Version++
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *memStore) ListSubmissions(_ context.Context, taskID string, round int) ([]domain.WorkerSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkerSubmission
	for _, sub := range s.subs {
		if sub.TaskID == taskID && (round == 0 || sub.Round == round) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) AppendSubmission(_ context.Context, sub *domain.WorkerSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.SubmissionID == sub.SubmissionID {
			return domain.ErrDuplicateSubmission
		}
		if existing.TaskID == sub.TaskID && existing.WorkerID == sub.WorkerID && existing.Round == sub.Round {
			return domain.ErrWorkerAlreadyVoted
		}
	}
	sub.CreatedAt = sub.CompletedAt
	s.subs = append(s.subs, *sub)
	return nil
}

func (s *memStore) ListWorkerSubmissions(_ context.Context, workerID string, limit int) ([]domain.WorkerSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkerSubmission
	for _, sub := range s.subs {
		if sub.WorkerID == workerID {
			out = append(out, sub)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ListAssignments(_ context.Context, taskID string) ([]domain.TaskAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskAssignment
	for _, a := range s.assignments[taskID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *memStore) PutAssignment(_ context.Context, a domain.TaskAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignments[a.TaskID] == nil {
		s.assignments[a.TaskID] = make(map[string]domain.TaskAssignment)
	}
	s.assignments[a.TaskID][a.WorkerID] = a
	return nil
}

func (s *memStore) Publish(_ context.Context, events []domain.OutboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPublish != nil {
		return s.failPublish
	}
	for i := range events {
		s.nextEvent++
		events[i].ID = fmt.Sprintf("evt-%d", s.nextEvent)
		s.events = append(s.events, events[i])
	}
	return nil
}

func (s *memStore) eventsOf(taskID string, typ domain.EventType) []domain.OutboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboundEvent
	for _, ev := range s.events {
		if ev.TaskID == taskID && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeQueue records enqueued messages and serves task IDs for the sweeper.
type fakeQueue struct {
	mu       sync.Mutex
	ids      map[domain.TaskStatus][]string
	filters  []repository.TaskFilters
	enqueued []*domain.Message
	failOn   string
}

func (q *fakeQueue) ListTaskIDs(_ context.Context, filters repository.TaskFilters) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.filters = append(q.filters, filters)
	var out []string
	for _, status := range filters.Statuses {
		out = append(out, q.ids[status]...)
	}
	return out, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *domain.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.TaskID == q.failOn {
		return errors.New("queue unavailable")
	}
	q.enqueued = append(q.enqueued, msg)
	return nil
}

func (q *fakeQueue) sweeps() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.filters)
}
