package consensus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mtlprog/crowdcheck/internal/consensus"
	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	tasks       map[string]*domain.VerificationTask
	submissions []domain.WorkerSubmission
	puts        int
}

func (m *memStore) GetTask(_ context.Context, id string) (*domain.VerificationTask, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (m *memStore) ListSubmissions(_ context.Context, taskID string, round int) ([]domain.WorkerSubmission, error) {
	var out []domain.WorkerSubmission
	for _, s := range m.submissions {
		if s.TaskID == taskID && s.Round == round {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) PutTask(_ context.Context, task *domain.VerificationTask) error {
	m.tasks[task.ID] = task.Clone()
	m.puts++
	return nil
}

func verdict(id, worker, result string, confidence float64, minute int) domain.WorkerSubmission {
	return domain.WorkerSubmission{
		SubmissionID: id,
		TaskID:       "task-1",
		WorkerID:     worker,
		Round:        1,
		Result:       json.RawMessage(result),
		Confidence:   confidence,
		StartedAt:    t0,
		CompletedAt:  t0.Add(time.Duration(minute) * time.Minute),
	}
}

func reviewTask() *domain.VerificationTask {
	return &domain.VerificationTask{
		ID:                    "task-1",
		Priority:              domain.TaskPriorityHigh,
		RequiredVerifications: 3,
		Status:                domain.TaskStatusPendingReview,
		Round:                 1,
		CreatedAt:             t0,
		StatusHistory: []domain.StatusChange{
			{From: domain.TaskStatusInProgress, To: domain.TaskStatusPendingReview, At: t0},
		},
	}
}

func newEngine(t *testing.T, store consensus.Store) *consensus.Engine {
	t.Helper()
	machine := lifecycle.NewMachine(lifecycle.WithClock(func() time.Time { return t0.Add(time.Hour) }))
	e, err := consensus.NewEngine(store, machine, consensus.DefaultPolicy())
	require.NoError(t, err)
	return e
}

func TestDecide_TwoToOneReachesConsensus(t *testing.T) {
	e := newEngine(t, nil)

	res, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `"VALID"`, 0.9, 1),
		verdict("s2", "w2", `"valid "`, 0.8, 2),
		verdict("s3", "w3", `"INVALID"`, 0.7, 3),
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.Reached)
	assert.JSONEq(t, `"VALID"`, string(res.AgreedResult))
	assert.InDelta(t, 2.0/3.0, res.AgreementRatio, 1e-9)

	assert.Equal(t, 1.0, res.Outcomes["w1"].RewardFraction)
	assert.Equal(t, 1.0, res.Outcomes["w2"].RewardFraction)
	assert.Equal(t, 0.0, res.Outcomes["w3"].RewardFraction)

	assert.InDelta(t, 0.9, res.Outcomes["w1"].ReputationDelta, 1e-9)
	assert.InDelta(t, 0.8, res.Outcomes["w2"].ReputationDelta, 1e-9)
	assert.InDelta(t, -0.7, res.Outcomes["w3"].ReputationDelta, 1e-9)
	assert.True(t, res.Outcomes["w1"].InMajority)
	assert.False(t, res.Outcomes["w3"].InMajority)
}

func TestDecide_ThreeWaySplitPaysPartialReward(t *testing.T) {
	e := newEngine(t, nil)

	res, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `{"verdict":"VALID"}`, 0.9, 1),
		verdict("s2", "w2", `{"verdict":"INVALID"}`, 0.8, 2),
		verdict("s3", "w3", `{"verdict":"UNSURE"}`, 0.7, 3),
	}, nil)
	require.NoError(t, err)

	assert.False(t, res.Reached)
	assert.Nil(t, res.AgreedResult)
	assert.InDelta(t, 1.0/3.0, res.AgreementRatio, 1e-9)
	for _, w := range []string{"w1", "w2", "w3"} {
		assert.Equal(t, 0.5, res.Outcomes[w].RewardFraction, w)
		assert.Equal(t, 0.0, res.Outcomes[w].ReputationDelta, w)
	}
}

func TestDecide_TieIsNotConsensus(t *testing.T) {
	e := newEngine(t, nil)
	task := reviewTask()
	task.Criteria.ConsensusThreshold = 0.5

	res, err := e.Decide(task, []domain.WorkerSubmission{
		verdict("s1", "w1", `"A"`, 0.9, 1),
		verdict("s2", "w2", `"A"`, 0.9, 2),
		verdict("s3", "w3", `"B"`, 0.9, 3),
		verdict("s4", "w4", `"B"`, 0.9, 4),
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Reached)
}

func TestDecide_ExcludedWorkers(t *testing.T) {
	e := newEngine(t, nil)
	fraud := &domain.FraudDetectionResult{
		SuspiciousActivities: []domain.SuspiciousActivity{
			{Type: domain.ActivityWorkerCollusion, Severity: domain.SeverityHigh, WorkerIDs: []string{"w1", "w2"}},
			{Type: domain.ActivitySpeedAnomaly, Severity: domain.SeverityMedium, WorkerIDs: []string{"w3"}},
		},
	}

	res, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `"VALID"`, 0.9, 1),
		verdict("s2", "w2", `"VALID"`, 0.9, 2),
		verdict("s3", "w3", `"INVALID"`, 0.9, 3),
		verdict("s4", "w4", `"INVALID"`, 0.6, 4),
	}, fraud)
	require.NoError(t, err)

	assert.True(t, res.Reached, "two of two eligible agree")
	assert.JSONEq(t, `"INVALID"`, string(res.AgreedResult))
	assert.Equal(t, 1.0, res.AgreementRatio)

	for _, w := range []string{"w1", "w2"} {
		out := res.Outcomes[w]
		assert.True(t, out.Excluded)
		assert.Equal(t, 0.0, out.RewardFraction)
		assert.Equal(t, -consensus.DefaultPolicy().FraudPenalty, out.ReputationDelta)
	}
	assert.Equal(t, 1.0, res.Outcomes["w3"].RewardFraction)
	assert.Equal(t, 1.0, res.Outcomes["w4"].RewardFraction)
}

func TestDecide_ExcludedWorkersGetNothingWithoutConsensus(t *testing.T) {
	e := newEngine(t, nil)
	fraud := &domain.FraudDetectionResult{
		SuspiciousActivities: []domain.SuspiciousActivity{
			{Type: domain.ActivityPatternRepetition, Severity: domain.SeverityHigh, WorkerIDs: []string{"w1"}},
		},
	}

	res, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `"VALID"`, 0.9, 1),
		verdict("s2", "w2", `"VALID"`, 0.9, 2),
		verdict("s3", "w3", `"INVALID"`, 0.9, 3),
	}, fraud)
	require.NoError(t, err)

	assert.False(t, res.Reached)
	assert.Equal(t, 0.0, res.Outcomes["w1"].RewardFraction)
	assert.Equal(t, 0.5, res.Outcomes["w2"].RewardFraction)
	assert.Equal(t, 0.5, res.Outcomes["w3"].RewardFraction)
}

func TestDecide_SingleVerifier(t *testing.T) {
	e := newEngine(t, nil)
	subs := []domain.WorkerSubmission{verdict("s1", "w1", `"VALID"`, 0.9, 1)}

	task := reviewTask()
	task.RequiredVerifications = 1
	res, err := e.Decide(task, subs, nil)
	require.NoError(t, err)
	assert.False(t, res.Reached, "a lone submission never reaches consensus by default")
	assert.Equal(t, 1.0, res.AgreementRatio)

	task.Criteria.AllowSingleVerifier = true
	res, err = e.Decide(task, subs, nil)
	require.NoError(t, err)
	assert.True(t, res.Reached)
	assert.Equal(t, 1.0, res.Outcomes["w1"].RewardFraction)
}

func TestDecide_TaskThresholdOverridesPolicy(t *testing.T) {
	e := newEngine(t, nil)
	task := reviewTask()
	task.Criteria.ConsensusThreshold = 0.75

	res, err := e.Decide(task, []domain.WorkerSubmission{
		verdict("s1", "w1", `"VALID"`, 0.9, 1),
		verdict("s2", "w2", `"VALID"`, 0.9, 2),
		verdict("s3", "w3", `"INVALID"`, 0.9, 3),
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Reached)
}

func TestDecide_ResubmissionReplacesEarlierResult(t *testing.T) {
	e := newEngine(t, nil)

	res, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `"INVALID"`, 0.9, 1),
		verdict("s2", "w2", `"VALID"`, 0.9, 2),
		verdict("s3", "w1", `"VALID"`, 0.9, 3),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Reached)
	assert.Len(t, res.Outcomes, 2)
	assert.Equal(t, 1.0, res.AgreementRatio)
}

func TestDecide_NoEligibleSubmissions(t *testing.T) {
	e := newEngine(t, nil)
	fraud := &domain.FraudDetectionResult{
		SuspiciousActivities: []domain.SuspiciousActivity{
			{Severity: domain.SeverityHigh, WorkerIDs: []string{"w1", "w2"}},
		},
	}
	subs := []domain.WorkerSubmission{
		verdict("s1", "w1", `"VALID"`, 0.9, 1),
		verdict("s2", "w2", `"VALID"`, 0.9, 2),
	}

	_, err := e.Decide(reviewTask(), subs, fraud)
	var cerr *domain.ConsensusError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, consensus.IsNoEligible(err))
	assert.Equal(t, "consensus", domain.ErrorKind(err))

	_, err = e.Decide(reviewTask(), nil, nil)
	assert.True(t, consensus.IsNoEligible(err))

	penalties := e.ExcludedOutcomes(subs, fraud)
	assert.Len(t, penalties, 2)
	assert.True(t, penalties["w1"].Excluded)
}

func TestDecide_MalformedResult(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.Decide(reviewTask(), []domain.WorkerSubmission{
		verdict("s1", "w1", `{"verdict":`, 0.9, 1),
	}, nil)
	var cerr *domain.ConsensusError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, domain.ErrMalformedResult)
}

func TestCalculateConsensus(t *testing.T) {
	t.Run("completes on agreement", func(t *testing.T) {
		store := &memStore{
			tasks: map[string]*domain.VerificationTask{"task-1": reviewTask()},
			submissions: []domain.WorkerSubmission{
				verdict("s1", "w1", `"VALID"`, 0.9, 1),
				verdict("s2", "w2", `"VALID"`, 0.8, 2),
				verdict("s3", "w3", `"INVALID"`, 0.7, 3),
			},
		}
		e := newEngine(t, store)

		out, err := e.CalculateConsensus(context.Background(), "task-1", nil)
		require.NoError(t, err)

		assert.True(t, out.Result.Reached)
		assert.Equal(t, domain.TaskStatusCompleted, out.Task.Status)
		assert.Equal(t, domain.TaskStatusCompleted, store.tasks["task-1"].Status)
		assert.Equal(t, 1, store.puts)

		last := out.Task.StatusHistory[len(out.Task.StatusHistory)-1]
		assert.Equal(t, domain.TaskStatusPendingReview, last.From)
		assert.Equal(t, true, last.Metadata["reached"])
	})

	t.Run("needs revision without agreement", func(t *testing.T) {
		store := &memStore{
			tasks: map[string]*domain.VerificationTask{"task-1": reviewTask()},
			submissions: []domain.WorkerSubmission{
				verdict("s1", "w1", `"A"`, 0.9, 1),
				verdict("s2", "w2", `"B"`, 0.8, 2),
			},
		}
		e := newEngine(t, store)

		out, err := e.CalculateConsensus(context.Background(), "task-1", nil)
		require.NoError(t, err)
		assert.False(t, out.Result.Reached)
		assert.Equal(t, domain.TaskStatusNeedsRevision, out.Task.Status)
	})

	t.Run("only the current round counts", func(t *testing.T) {
		task := reviewTask()
		task.Round = 2
		old := verdict("s0", "w9", `"B"`, 0.9, 0)
		store := &memStore{
			tasks: map[string]*domain.VerificationTask{"task-1": task},
			submissions: []domain.WorkerSubmission{
				old,
				{SubmissionID: "s1", TaskID: "task-1", WorkerID: "w1", Round: 2, Result: json.RawMessage(`"A"`), CompletedAt: t0},
				{SubmissionID: "s2", TaskID: "task-1", WorkerID: "w2", Round: 2, Result: json.RawMessage(`"A"`), CompletedAt: t0},
			},
		}
		e := newEngine(t, store)

		out, err := e.CalculateConsensus(context.Background(), "task-1", nil)
		require.NoError(t, err)
		assert.True(t, out.Result.Reached)
		assert.NotContains(t, out.Result.Outcomes, "w9")
	})

	t.Run("requires pending review", func(t *testing.T) {
		task := reviewTask()
		task.Status = domain.TaskStatusInProgress
		store := &memStore{tasks: map[string]*domain.VerificationTask{"task-1": task}}
		e := newEngine(t, store)

		_, err := e.CalculateConsensus(context.Background(), "task-1", nil)
		var cerr *domain.ConsensusError
		require.True(t, errors.As(err, &cerr))
		assert.ErrorIs(t, err, domain.ErrNotPendingReview)
		assert.Equal(t, 0, store.puts)
	})

	t.Run("missing task", func(t *testing.T) {
		store := &memStore{tasks: map[string]*domain.VerificationTask{}}
		e := newEngine(t, store)

		_, err := e.CalculateConsensus(context.Background(), "nope", nil)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"case and whitespace in strings", `"VALID"`, `"  valid"`, true},
		{"key order and spacing", `{"a":1,"b":"X"}`, `{ "b" : "x", "a" : 1 }`, true},
		{"number forms", `{"score":1.0}`, `{"score":1}`, true},
		{"unicode folding", `"STRASSE"`, `"strasse"`, true},
		{"nested arrays", `[["A"],{"k":"B"}]`, `[["a"],{"k":"b"}]`, true},
		{"different values", `"VALID"`, `"INVALID"`, false},
		{"keys are not folded", `{"A":1}`, `{"a":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := consensus.Normalize(json.RawMessage(tt.a))
			require.NoError(t, err)
			b, err := consensus.Normalize(json.RawMessage(tt.b))
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, a, b)
			} else {
				assert.NotEqual(t, a, b)
			}
		})
	}

	_, err := consensus.Normalize(json.RawMessage(`"a" "b"`))
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, consensus.DefaultPolicy().Validate())

	p := consensus.DefaultPolicy()
	p.Threshold = 0
	_, err := consensus.NewEngine(nil, lifecycle.NewMachine(), p)
	assert.Error(t, err)
}
