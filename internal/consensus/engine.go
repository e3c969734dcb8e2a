// Package consensus decides whether a task's submissions agree and how the
// reward is split between the workers who produced them.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
)

// Policy holds the reward and agreement parameters.
type Policy struct {
	// Threshold is the agreement ratio required when the task does not set one.
	Threshold float64
	// MajorityReputation is multiplied by confidence for workers in the majority.
	MajorityReputation float64
	// MinorityPenalty is multiplied by confidence for workers outside the majority.
	MinorityPenalty float64
	// FraudPenalty is the fixed reputation loss of an excluded worker.
	FraudPenalty float64
	// PartialReward is paid to every good-faith worker when no consensus forms.
	PartialReward float64
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:          2.0 / 3.0,
		MajorityReputation: 1,
		MinorityPenalty:    1,
		FraudPenalty:       5,
		PartialReward:      0.5,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.Threshold <= 0 || p.Threshold > 1:
		return &domain.ValidationError{Field: "threshold", Reason: "must be in (0, 1]"}
	case p.PartialReward < 0 || p.PartialReward > 1:
		return &domain.ValidationError{Field: "partial_reward", Reason: "must be in [0, 1]"}
	case p.MajorityReputation < 0 || p.MinorityPenalty < 0 || p.FraudPenalty < 0:
		return &domain.ValidationError{Field: "reputation", Reason: "weights must not be negative"}
	}
	return nil
}

// Store is the storage the engine reads submissions from and writes the
// transitioned task to.
type Store interface {
	GetTask(ctx context.Context, id string) (*domain.VerificationTask, error)
	ListSubmissions(ctx context.Context, taskID string, round int) ([]domain.WorkerSubmission, error)
	PutTask(ctx context.Context, task *domain.VerificationTask) error
}

// Engine computes consensus and applies the resulting lifecycle transition.
type Engine struct {
	store   Store
	machine *lifecycle.Machine
	policy  Policy
}

// NewEngine creates a new Engine.
func NewEngine(store Store, machine *lifecycle.Machine, policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus policy: %w", err)
	}
	return &Engine{
		store:   store,
		machine: machine,
		policy:  policy,
	}, nil
}

// WithStore returns a copy of the engine bound to another store, typically
// one scoped to a transaction.
func (e *Engine) WithStore(store Store) *Engine {
	clone := *e
	clone.store = store
	return &clone
}

// Policy returns the engine configuration.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Outcome is the result of CalculateConsensus.
type Outcome struct {
	Result *domain.ConsensusResult
	Task   *domain.VerificationTask
}

// CalculateConsensus decides the current round of a PENDING_REVIEW task and
// moves it to COMPLETED or NEEDS_REVISION through the state machine. The fraud
// result must come from the same round's submissions.
func (e *Engine) CalculateConsensus(
	ctx context.Context,
	taskID string,
	fraud *domain.FraudDetectionResult,
) (*Outcome, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task.Status != domain.TaskStatusPendingReview {
		return nil, &domain.ConsensusError{
			TaskID: taskID,
			Err:    fmt.Errorf("%w: status is %s", domain.ErrNotPendingReview, task.Status),
		}
	}

	submissions, err := e.store.ListSubmissions(ctx, taskID, task.Round)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}

	result, err := e.Decide(task, submissions, fraud)
	if err != nil {
		return nil, err
	}

	target := domain.TaskStatusNeedsRevision
	if result.Reached {
		target = domain.TaskStatusCompleted
	}
	next, err := e.machine.Transition(task, target, map[string]any{
		"reached":        result.Reached,
		"agreementRatio": result.AgreementRatio,
		"round":          task.Round,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.PutTask(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return &Outcome{Result: result, Task: next}, nil
}

// group is a set of submissions with the same normalized result.
type group struct {
	key     string
	members []domain.WorkerSubmission
}

// Decide computes the consensus result without touching storage.
func (e *Engine) Decide(
	task *domain.VerificationTask,
	submissions []domain.WorkerSubmission,
	fraud *domain.FraudDetectionResult,
) (*domain.ConsensusResult, error) {
	latest := latestPerWorker(submissions)
	excluded := fraud.ExcludedWorkers()

	result := &domain.ConsensusResult{
		TaskID:   task.ID,
		Outcomes: make(map[string]domain.WorkerOutcome, len(latest)),
	}

	var (
		groups  []*group
		byKey   = make(map[string]*group)
		counted int
	)
	for _, sub := range latest {
		if excluded[sub.WorkerID] {
			result.Outcomes[sub.WorkerID] = domain.WorkerOutcome{
				RewardFraction:  0,
				ReputationDelta: -e.policy.FraudPenalty,
				Excluded:        true,
			}
			continue
		}
		key, err := Normalize(sub.Result)
		if err != nil {
			return nil, &domain.ConsensusError{
				TaskID: task.ID,
				Err:    fmt.Errorf("submission %s: %w: %w", sub.SubmissionID, domain.ErrMalformedResult, err),
			}
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, sub)
		counted++
	}

	if counted == 0 {
		return nil, &domain.ConsensusError{TaskID: task.ID, Err: domain.ErrNoEligibleSubmissions}
	}

	majority, tie := largest(groups)
	result.AgreementRatio = float64(len(majority.members)) / float64(counted)

	threshold := e.policy.Threshold
	if task.Criteria.ConsensusThreshold > 0 {
		threshold = task.Criteria.ConsensusThreshold
	}
	minMajority := 2
	if task.Criteria.AllowSingleVerifier {
		minMajority = 1
	}
	result.Reached = !tie &&
		result.AgreementRatio+ratioEpsilon >= threshold &&
		len(majority.members) >= minMajority

	if result.Reached {
		result.AgreedResult = append([]byte(nil), majority.members[0].Result...)
	}

	for _, g := range groups {
		for _, sub := range g.members {
			var outcome domain.WorkerOutcome
			switch {
			case !result.Reached:
				outcome.RewardFraction = e.policy.PartialReward
			case g == majority:
				outcome.RewardFraction = 1
				outcome.ReputationDelta = e.policy.MajorityReputation * sub.Confidence
				outcome.InMajority = true
			default:
				outcome.ReputationDelta = -e.policy.MinorityPenalty * sub.Confidence
			}
			result.Outcomes[sub.WorkerID] = outcome
		}
	}

	return result, nil
}

// ExcludedOutcomes returns the penalty outcomes for workers excluded by fraud
// findings. It covers rounds where every submission was excluded.
func (e *Engine) ExcludedOutcomes(
	submissions []domain.WorkerSubmission,
	fraud *domain.FraudDetectionResult,
) map[string]domain.WorkerOutcome {
	excluded := fraud.ExcludedWorkers()
	out := make(map[string]domain.WorkerOutcome)
	for _, sub := range submissions {
		if excluded[sub.WorkerID] {
			out[sub.WorkerID] = domain.WorkerOutcome{
				ReputationDelta: -e.policy.FraudPenalty,
				Excluded:        true,
			}
		}
	}
	return out
}

// IsNoEligible reports whether err is the zero-eligible-submissions consensus failure.
func IsNoEligible(err error) bool {
	return errors.Is(err, domain.ErrNoEligibleSubmissions)
}

const ratioEpsilon = 1e-9

// largest returns the biggest group and whether another group has the same size.
func largest(groups []*group) (*group, bool) {
	var (
		best *group
		tie  bool
	)
	for _, g := range groups {
		switch {
		case best == nil || len(g.members) > len(best.members):
			best = g
			tie = false
		case len(g.members) == len(best.members):
			tie = true
		}
	}
	return best, tie
}

// latestPerWorker keeps the last completed submission of each worker, ordered
// by the worker's first completion.
func latestPerWorker(submissions []domain.WorkerSubmission) []domain.WorkerSubmission {
	ordered := append([]domain.WorkerSubmission(nil), submissions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CompletedAt.Equal(ordered[j].CompletedAt) {
			return ordered[i].CompletedAt.Before(ordered[j].CompletedAt)
		}
		return ordered[i].SubmissionID < ordered[j].SubmissionID
	})

	index := make(map[string]int, len(ordered))
	var out []domain.WorkerSubmission
	for _, sub := range ordered {
		if i, ok := index[sub.WorkerID]; ok {
			out[i] = sub
			continue
		}
		index[sub.WorkerID] = len(out)
		out = append(out, sub)
	}
	return out
}
