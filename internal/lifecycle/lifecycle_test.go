package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
	"github.com/stretchr/testify/suite"
)

// MachineTestSuite exercises transitions and timeouts against a controllable clock.
type MachineTestSuite struct {
	suite.Suite
	now     time.Time
	machine *lifecycle.Machine
}

func (s *MachineTestSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.machine = lifecycle.NewMachine(lifecycle.WithClock(func() time.Time { return s.now }))
}

func (s *MachineTestSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *MachineTestSuite) newTask(priority domain.TaskPriority) *domain.VerificationTask {
	return &domain.VerificationTask{
		ID:                    "task-1",
		Type:                  "content",
		Priority:              priority,
		RequiredVerifications: 3,
		Status:                domain.TaskStatusCreated,
		Round:                 1,
		CreatedAt:             s.now,
		LastUpdated:           s.now,
	}
}

// walk drives the task through the given statuses, failing on any error.
func (s *MachineTestSuite) walk(task *domain.VerificationTask, statuses ...domain.TaskStatus) *domain.VerificationTask {
	for _, st := range statuses {
		next, err := s.machine.Transition(task, st, nil)
		s.Require().NoError(err)
		task = next
	}
	return task
}

// TestTransition_StatusMatchesHistory tests that status always equals the last history entry.
func (s *MachineTestSuite) TestTransition_StatusMatchesHistory() {
	task := s.newTask(domain.TaskPriorityMedium)

	path := []domain.TaskStatus{
		domain.TaskStatusPendingDistribution,
		domain.TaskStatusDistributed,
		domain.TaskStatusInProgress,
		domain.TaskStatusPendingReview,
		domain.TaskStatusNeedsRevision,
		domain.TaskStatusInProgress,
		domain.TaskStatusPendingReview,
		domain.TaskStatusCompleted,
		domain.TaskStatusArchived,
	}
	for i, st := range path {
		s.advance(time.Minute)
		next, err := s.machine.Transition(task, st, map[string]any{"step": i})
		s.Require().NoError(err)

		s.Len(next.StatusHistory, i+1)
		last := next.StatusHistory[len(next.StatusHistory)-1]
		s.Equal(next.Status, last.To)
		s.Equal(task.Status, last.From)
		s.Equal(s.now, last.At)
		s.Equal(s.now, next.LastUpdated)
		s.Equal(i, last.Metadata["step"])
		task = next
	}

	s.Equal(2, task.Round, "NEEDS_REVISION -> IN_PROGRESS starts a new round")
}

// TestTransition_IllegalPairsLeaveTaskUnmodified tests every pair outside the table.
func (s *MachineTestSuite) TestTransition_IllegalPairsLeaveTaskUnmodified() {
	for _, from := range domain.AllTaskStatuses {
		for _, to := range domain.AllTaskStatuses {
			if lifecycle.CanTransition(from, to) {
				continue
			}
			task := s.newTask(domain.TaskPriorityMedium)
			task.Status = from
			task.StatusHistory = []domain.StatusChange{{From: domain.TaskStatusCreated, To: from, At: s.now}}
			before := task.Clone()

			next, err := s.machine.Transition(task, to, nil)
			s.Nil(next)
			s.Require().Error(err)
			s.ErrorIs(err, domain.ErrInvalidTransition)

			var terr *domain.TransitionError
			s.Require().True(errors.As(err, &terr))
			s.Equal(from, terr.From)
			s.Equal(to, terr.To)
			s.Contains(err.Error(), string(from))
			s.Contains(err.Error(), string(to))
			s.Equal(lifecycle.AllowedTransitions(from), terr.Allowed)

			s.Equal(before, task, "%s -> %s mutated the task", from, to)
		}
	}
}

// TestAllowedTransitions tests the table lookup and that callers get a copy.
func (s *MachineTestSuite) TestAllowedTransitions() {
	s.Equal([]domain.TaskStatus{
		domain.TaskStatusCompleted,
		domain.TaskStatusNeedsRevision,
		domain.TaskStatusCancelled,
	}, lifecycle.AllowedTransitions(domain.TaskStatusPendingReview))
	s.Empty(lifecycle.AllowedTransitions(domain.TaskStatusArchived))
	s.Empty(lifecycle.AllowedTransitions("LIMBO"))

	for _, from := range domain.AllTaskStatuses {
		for _, to := range lifecycle.AllowedTransitions(from) {
			s.True(lifecycle.CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	allowed := lifecycle.AllowedTransitions(domain.TaskStatusNeedsRevision)
	allowed[0] = domain.TaskStatusArchived
	s.True(lifecycle.CanTransition(domain.TaskStatusNeedsRevision, domain.TaskStatusInProgress))

	_, err := s.machine.Transition(s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution),
		domain.TaskStatusCompleted, nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "(allowed: DISTRIBUTED, CANCELLED)")
}

// TestTransition_SuccessDoesNotMutateInput tests that history entries already written are preserved.
func (s *MachineTestSuite) TestTransition_SuccessDoesNotMutateInput() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution)
	before := task.Clone()

	next, err := s.machine.Transition(task, domain.TaskStatusDistributed, nil)
	s.Require().NoError(err)

	s.Equal(before, task)
	s.Equal(before.StatusHistory, next.StatusHistory[:1])
}

// TestTransition_UnknownStatus tests that an unrecognized current status is a validation error.
func (s *MachineTestSuite) TestTransition_UnknownStatus() {
	task := s.newTask(domain.TaskPriorityMedium)
	task.Status = "LIMBO"

	_, err := s.machine.Transition(task, domain.TaskStatusCancelled, nil)

	var verr *domain.ValidationError
	s.Require().True(errors.As(err, &verr))
	s.ErrorIs(err, domain.ErrInvalidStatus)
	s.Equal("validation", domain.ErrorKind(err))
}

// TestTransition_ClockSkewKeepsHistoryOrdered tests that a clock going backwards never reorders history.
func (s *MachineTestSuite) TestTransition_ClockSkewKeepsHistoryOrdered() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution)
	s.advance(-time.Hour)

	next, err := s.machine.Transition(task, domain.TaskStatusDistributed, nil)
	s.Require().NoError(err)
	s.False(next.StatusHistory[1].At.Before(next.StatusHistory[0].At))
}

// TestTransition_LeavingAssignmentStatesReleasesWorkers tests assignment release.
func (s *MachineTestSuite) TestTransition_LeavingAssignmentStatesReleasesWorkers() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed)
	task.AssignedWorkers = []string{"w1", "w2"}

	task = s.walk(task, domain.TaskStatusInProgress)
	s.Equal([]string{"w1", "w2"}, task.AssignedWorkers)

	task = s.walk(task, domain.TaskStatusPendingReview)
	s.Empty(task.AssignedWorkers)
}

// TestRemainingTime tests the timeout table and priority scaling.
func (s *MachineTestSuite) TestRemainingTime() {
	tests := []struct {
		name     string
		priority domain.TaskPriority
		path     []domain.TaskStatus
		want     time.Duration
		ok       bool
	}{
		{"created has no timeout", domain.TaskPriorityMedium, nil, 0, false},
		{"pending distribution", domain.TaskPriorityMedium,
			[]domain.TaskStatus{domain.TaskStatusPendingDistribution}, 5 * time.Minute, true},
		{"in progress high", domain.TaskPriorityHigh,
			[]domain.TaskStatus{domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress},
			12 * time.Hour, true},
		{"in progress medium", domain.TaskPriorityMedium,
			[]domain.TaskStatus{domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress},
			24 * time.Hour, true},
		{"in progress low", domain.TaskPriorityLow,
			[]domain.TaskStatus{domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress},
			48 * time.Hour, true},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			task := s.walk(s.newTask(tt.priority), tt.path...)

			remaining, ok := s.machine.RemainingTime(task)
			s.Equal(tt.ok, ok)
			s.Equal(tt.want, remaining)
		})
	}
}

// TestRemainingTime_RecomputedAndClamped tests that elapsed time is measured at call time.
func (s *MachineTestSuite) TestRemainingTime_RecomputedAndClamped() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution)

	s.advance(2 * time.Minute)
	remaining, ok := s.machine.RemainingTime(task)
	s.Require().True(ok)
	s.Equal(3*time.Minute, remaining)

	s.advance(time.Hour)
	remaining, _ = s.machine.RemainingTime(task)
	s.Equal(time.Duration(0), remaining)
}

// TestRemainingTime_MeasuredFromCreatedAt tests tasks without history.
func (s *MachineTestSuite) TestRemainingTime_MeasuredFromCreatedAt() {
	task := s.newTask(domain.TaskPriorityMedium)
	task.Status = domain.TaskStatusPendingReview
	s.advance(10 * time.Minute)

	remaining, ok := s.machine.RemainingTime(task)
	s.Require().True(ok)
	s.Equal(5*time.Minute, remaining)
}

// TestHandleTaskExpiration_HighPriorityTimeout tests the 12h HIGH priority IN_PROGRESS timeout.
func (s *MachineTestSuite) TestHandleTaskExpiration_HighPriorityTimeout() {
	task := s.walk(s.newTask(domain.TaskPriorityHigh),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress)

	s.advance(11 * time.Hour)
	same, changed, err := s.machine.HandleTaskExpiration(task, nil)
	s.Require().NoError(err)
	s.False(changed)
	s.Same(task, same)

	s.advance(time.Hour + time.Second)
	expired, changed, err := s.machine.HandleTaskExpiration(task, nil)
	s.Require().NoError(err)
	s.True(changed)
	s.Equal(domain.TaskStatusExpired, expired.Status)

	last := expired.StatusHistory[len(expired.StatusHistory)-1]
	s.Equal(domain.TaskStatusInProgress, last.From)
	s.Equal(string(lifecycle.ExpiryStateTimeout), last.Metadata["reason"])
}

// TestHandleTaskExpiration_Idempotent tests that a second call adds no history entry.
func (s *MachineTestSuite) TestHandleTaskExpiration_Idempotent() {
	task := s.walk(s.newTask(domain.TaskPriorityHigh),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress)
	s.advance(13 * time.Hour)

	expired, changed, err := s.machine.HandleTaskExpiration(task, nil)
	s.Require().NoError(err)
	s.Require().True(changed)

	s.advance(time.Hour)
	again, changed, err := s.machine.HandleTaskExpiration(expired, nil)
	s.Require().NoError(err)
	s.False(changed)
	s.Len(again.StatusHistory, len(expired.StatusHistory))
}

// TestHandleTaskExpiration_AllAssignmentsExpired tests expiry triggered by assignments.
func (s *MachineTestSuite) TestHandleTaskExpiration_AllAssignmentsExpired() {
	task := s.walk(s.newTask(domain.TaskPriorityLow),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed)
	assignments := []domain.TaskAssignment{
		{TaskID: task.ID, WorkerID: "w1", AssignedAt: s.now, ExpiresAt: s.now.Add(30 * time.Minute)},
		{TaskID: task.ID, WorkerID: "w2", AssignedAt: s.now, ExpiresAt: s.now.Add(time.Hour)},
	}

	s.advance(45 * time.Minute)
	_, changed, err := s.machine.HandleTaskExpiration(task, assignments)
	s.Require().NoError(err)
	s.False(changed, "one assignment still active")

	s.advance(30 * time.Minute)
	expired, changed, err := s.machine.HandleTaskExpiration(task, assignments)
	s.Require().NoError(err)
	s.Require().True(changed)

	meta := expired.StatusHistory[len(expired.StatusHistory)-1].Metadata
	s.Equal(string(lifecycle.ExpiryAssignmentsExpired), meta["reason"])
	s.ElementsMatch([]string{"w1", "w2"}, meta["expiredWorkerIds"])
}

// TestExpiration_IgnoresEarlierRounds tests that a revision round starts with
// no assignments even though round-one windows have lapsed.
func (s *MachineTestSuite) TestExpiration_IgnoresEarlierRounds() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress)
	assignments := []domain.TaskAssignment{
		{TaskID: task.ID, WorkerID: "w1", Round: 1, AssignedAt: s.now, ExpiresAt: s.now.Add(30 * time.Minute)},
		{TaskID: task.ID, WorkerID: "w2", Round: 1, AssignedAt: s.now, ExpiresAt: s.now.Add(30 * time.Minute)},
	}

	task = s.walk(task, domain.TaskStatusPendingReview, domain.TaskStatusNeedsRevision)
	s.advance(time.Hour)
	task = s.walk(task, domain.TaskStatusInProgress)
	s.Require().Equal(2, task.Round)

	exp := s.machine.Expiration(task, assignments)
	s.False(exp.Expired)

	assignments = append(assignments, domain.TaskAssignment{
		TaskID: task.ID, WorkerID: "w3", Round: 2, AssignedAt: s.now, ExpiresAt: s.now.Add(10 * time.Minute),
	})
	s.advance(11 * time.Minute)
	exp = s.machine.Expiration(task, assignments)
	s.True(exp.Expired)
	s.Equal(lifecycle.ExpiryAssignmentsExpired, exp.Reason)
	s.Equal([]string{"w3"}, exp.ExpiredWorkerIDs)
}

// TestHandleTaskExpiration_EmptyAssignmentsNeverAllExpired tests the vacuous case.
func (s *MachineTestSuite) TestHandleTaskExpiration_EmptyAssignmentsNeverAllExpired() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed)

	exp := s.machine.Expiration(task, []domain.TaskAssignment{})
	s.False(exp.Expired)
}

// TestHandleTaskExpiration_NotReachable tests states where EXPIRED is not a legal target.
func (s *MachineTestSuite) TestHandleTaskExpiration_NotReachable() {
	task := s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution)
	s.advance(time.Hour)

	exp := s.machine.Expiration(task, nil)
	s.True(exp.Expired, "PENDING_DISTRIBUTION timeout elapsed")

	same, changed, err := s.machine.HandleTaskExpiration(task, nil)
	s.Require().NoError(err)
	s.False(changed)
	s.Equal(domain.TaskStatusPendingDistribution, same.Status)
}

// TestExpiration_EarliestTriggerWins tests the reported reason when both triggers hold.
func (s *MachineTestSuite) TestExpiration_EarliestTriggerWins() {
	task := s.walk(s.newTask(domain.TaskPriorityHigh),
		domain.TaskStatusPendingDistribution, domain.TaskStatusDistributed, domain.TaskStatusInProgress)
	assignments := []domain.TaskAssignment{
		{TaskID: task.ID, WorkerID: "w1", AssignedAt: s.now, ExpiresAt: s.now.Add(time.Hour)},
	}

	s.advance(13 * time.Hour)
	exp := s.machine.Expiration(task, assignments)
	s.True(exp.Expired)
	s.Equal(lifecycle.ExpiryAssignmentsExpired, exp.Reason)
	s.Equal([]string{"w1"}, exp.ExpiredWorkerIDs)
}

// TestArchiveDue tests the retention window for finished tasks.
func (s *MachineTestSuite) TestArchiveDue() {
	retention := 7 * 24 * time.Hour
	task := s.walk(s.newTask(domain.TaskPriorityMedium),
		domain.TaskStatusPendingDistribution, domain.TaskStatusCancelled)

	s.advance(retention - time.Minute)
	s.False(s.machine.ArchiveDue(task, retention))

	s.advance(time.Minute)
	s.True(s.machine.ArchiveDue(task, retention))

	open := s.walk(s.newTask(domain.TaskPriorityMedium), domain.TaskStatusPendingDistribution)
	s.advance(retention * 2)
	s.False(s.machine.ArchiveDue(open, retention))
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
