package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// TaskView is a task with its derived timing information.
type TaskView struct {
	Task        *domain.VerificationTask
	Assignments []domain.TaskAssignment
	// Remaining is nil for statuses without a timeout.
	Remaining *time.Duration
	Expiry    string
}

// Task returns the task with its remaining time, computed at call time.
func (o *Orchestrator) Task(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	assignments, err := o.store.ListAssignments(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	view := &TaskView{Task: task, Assignments: assignments}
	if remaining, ok := o.machine.RemainingTime(task); ok {
		view.Remaining = &remaining
	}
	if expiry := o.machine.Expiration(task, assignments); expiry.Expired {
		view.Expiry = string(expiry.Reason)
	}
	return view, nil
}

// Submissions returns every submission of the task across rounds.
func (o *Orchestrator) Submissions(ctx context.Context, taskID string) ([]domain.WorkerSubmission, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.store.ListSubmissions(ctx, taskID, 0)
}

// AnalyzeTask runs fraud analysis on the task's current round without
// changing anything.
func (o *Orchestrator) AnalyzeTask(ctx context.Context, taskID string) (*domain.FraudDetectionResult, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subs, err := o.store.ListSubmissions(ctx, taskID, task.Round)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	run := &txRun{o: o, store: o.store}
	history, err := run.loadHistory(ctx, taskID, subs)
	if err != nil {
		return nil, err
	}
	return o.detector.AnalyzeWithHistory(subs, history)
}
