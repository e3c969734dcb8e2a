package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/mtlprog/crowdcheck/internal/consensus"
	"github.com/mtlprog/crowdcheck/internal/domain"
)

// review runs fraud analysis and consensus on the task's current round. The
// analysis happens under the same lock and transaction that consume it.
func (r *txRun) review(ctx context.Context, task *domain.VerificationTask) error {
	subs, err := r.store.ListSubmissions(ctx, task.ID, task.Round)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}

	history, err := r.loadHistory(ctx, task.ID, subs)
	if err != nil {
		return err
	}
	fraudResult, err := r.o.detector.AnalyzeWithHistory(subs, history)
	if err != nil {
		return fmt.Errorf("analyze submissions of task %s: %w", task.ID, err)
	}
	r.afterCommit = append(r.afterCommit, func(ctx context.Context) {
		r.o.recorder.FraudDetected(ctx, fraudResult)
	})

	outcome, err := r.engine.CalculateConsensus(ctx, task.ID, fraudResult)
	if err != nil {
		if consensus.IsNoEligible(err) {
			return r.rejectAllExcluded(ctx, task.ID, subs, fraudResult)
		}
		return err
	}
	r.decided = true

	result := outcome.Result
	rewards := rewardsOf(result.Outcomes)
	if result.Reached {
		r.emit(domain.EventTaskCompleted, task.ID, domain.TaskCompletedEvent{
			TaskID:       task.ID,
			AgreedResult: result.AgreedResult,
			Rewards:      rewards,
		})
	} else {
		r.emit(domain.EventTaskRejected, task.ID, domain.TaskRejectedEvent{
			TaskID:  task.ID,
			Reason:  "no consensus",
			Rewards: rewards,
		})
	}
	r.requestRewards(outcome.Task, rewards)
	r.afterCommit = append(r.afterCommit, func(ctx context.Context) {
		r.o.recorder.ConsensusDecided(ctx, result)
	})

	r.logger(outcome.Task).Info("consensus decided",
		"reached", result.Reached,
		"agreement_ratio", result.AgreementRatio,
		"risk_level", fraudResult.RiskLevel,
		"suspicious_activities", len(fraudResult.SuspiciousActivities),
	)
	return nil
}

// rejectAllExcluded closes a round in which fraud findings excluded every
// submission.
func (r *txRun) rejectAllExcluded(
	ctx context.Context,
	taskID string,
	subs []domain.WorkerSubmission,
	fraudResult *domain.FraudDetectionResult,
) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", taskID, err)
	}
	next, err := r.o.machine.Transition(task, domain.TaskStatusNeedsRevision, map[string]any{
		"reached": false,
		"reason":  "all submissions excluded",
		"round":   task.Round,
	})
	if err != nil {
		return err
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	r.decided = true

	rewards := rewardsOf(r.engine.ExcludedOutcomes(subs, fraudResult))
	r.emit(domain.EventTaskRejected, taskID, domain.TaskRejectedEvent{
		TaskID:  taskID,
		Reason:  "all submissions excluded",
		Rewards: rewards,
	})
	r.requestRewards(next, rewards)

	r.logger(next).Warn("round rejected, every submission excluded by fraud findings",
		"risk_level", fraudResult.RiskLevel,
		"suspicious_activities", len(fraudResult.SuspiciousActivities),
	)
	return nil
}

// loadHistory returns the recent submissions of the round's workers.
func (r *txRun) loadHistory(
	ctx context.Context,
	taskID string,
	subs []domain.WorkerSubmission,
) (map[string][]domain.WorkerSubmission, error) {
	if r.o.historyLimit <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(subs))
	var workers []string
	for _, s := range subs {
		if !seen[s.WorkerID] {
			seen[s.WorkerID] = true
			workers = append(workers, s.WorkerID)
		}
	}

	return r.o.history.Get(ctx, taskID, workers, func(ctx context.Context, workerID string) ([]domain.WorkerSubmission, error) {
		return r.store.ListWorkerSubmissions(ctx, workerID, r.o.historyLimit)
	})
}

// requestRewards emits one reward request per worker for the payment
// collaborator.
func (r *txRun) requestRewards(task *domain.VerificationTask, rewards []domain.WorkerReward) {
	for _, rw := range rewards {
		r.emit(domain.EventRewardRequested, task.ID, domain.RewardRequest{
			TaskID:         task.ID,
			WorkerID:       rw.WorkerID,
			RewardFraction: rw.RewardFraction,
			BaseReward:     task.BaseReward,
		})
	}
}

// rewardsOf flattens the outcomes, ordered by worker ID.
func rewardsOf(outcomes map[string]domain.WorkerOutcome) []domain.WorkerReward {
	rewards := make([]domain.WorkerReward, 0, len(outcomes))
	for workerID, o := range outcomes {
		rewards = append(rewards, domain.WorkerReward{
			WorkerID:        workerID,
			RewardFraction:  o.RewardFraction,
			ReputationDelta: o.ReputationDelta,
		})
	}
	sort.Slice(rewards, func(i, j int) bool {
		return rewards[i].WorkerID < rewards[j].WorkerID
	})
	return rewards
}
