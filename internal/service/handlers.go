package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
)

func (r *txRun) handle(ctx context.Context, payload any) error {
	switch p := payload.(type) {
	case *domain.TaskCreatedPayload:
		return r.taskCreated(ctx, p)
	case *domain.AssignmentAcceptedPayload:
		return r.assignmentAccepted(ctx, p)
	case *domain.WorkerSubmissionPayload:
		return r.workerSubmission(ctx, p)
	case *domain.TaskRefPayload:
		switch r.msg.Type {
		case domain.MessageTaskDistributed:
			return r.taskDistributed(ctx)
		case domain.MessageTaskCancelled:
			return r.taskCancelled(ctx, p.Reason)
		case domain.MessageExpirationCheck:
			return r.expirationCheck(ctx)
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownMessage, r.msg.Type)
}

// taskCreated stores a new task and hands it to distribution.
func (r *txRun) taskCreated(ctx context.Context, p *domain.TaskCreatedPayload) error {
	existing, err := r.store.GetTask(ctx, r.msg.TaskID)
	if err == nil {
		r.logger(existing).Debug("task already exists, ignoring duplicate")
		return nil
	}
	if !errors.Is(err, domain.ErrTaskNotFound) {
		return fmt.Errorf("get task %s: %w", r.msg.TaskID, err)
	}

	now := r.o.machine.Now()
	task := &domain.VerificationTask{
		ID:                    r.msg.TaskID,
		Type:                  p.Type,
		Priority:              p.Priority,
		Content:               p.Content,
		RequiredVerifications: p.RequiredVerifications,
		Criteria:              p.Criteria,
		BaseReward:            p.BaseReward,
		Status:                domain.TaskStatusCreated,
		Round:                 1,
		CreatedAt:             now,
		LastUpdated:           now,
	}

	next, err := r.o.machine.Transition(task, domain.TaskStatusPendingDistribution, map[string]any{
		"messageId": r.msg.ID,
	})
	if err != nil {
		return err
	}
	if err := r.store.CreateTask(ctx, next); err != nil {
		if errors.Is(err, domain.ErrTaskExists) {
			return nil
		}
		return fmt.Errorf("create task: %w", err)
	}

	r.logger(next).Info("task created",
		"priority", next.Priority,
		"required_verifications", next.RequiredVerifications,
	)
	return nil
}

// loadActive loads the message's task and applies any pending expiration.
// active is false for finished tasks and for tasks that just expired.
func (r *txRun) loadActive(ctx context.Context) (task *domain.VerificationTask, active bool, err error) {
	task, err = r.store.GetTask(ctx, r.msg.TaskID)
	if err != nil {
		return nil, false, fmt.Errorf("get task %s: %w", r.msg.TaskID, err)
	}
	if task.Status.IsFinished() || task.Status.IsTerminal() {
		r.logger(task).Info("ignoring message for finished task")
		return task, false, nil
	}

	task, expired, err := r.expire(ctx, task)
	if err != nil {
		return nil, false, err
	}
	return task, !expired, nil
}

// expire moves the task to EXPIRED if its state timeout elapsed or all of
// its assignments ran out.
func (r *txRun) expire(ctx context.Context, task *domain.VerificationTask) (*domain.VerificationTask, bool, error) {
	assignments, err := r.store.ListAssignments(ctx, task.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list assignments: %w", err)
	}

	next, changed, err := r.o.machine.HandleTaskExpiration(task, assignments)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return task, false, nil
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return nil, false, fmt.Errorf("update task: %w", err)
	}

	reason, _ := next.StatusHistory[len(next.StatusHistory)-1].Metadata["reason"].(string)
	r.emit(domain.EventTaskExpired, next.ID, domain.TaskExpiredEvent{TaskID: next.ID, Reason: reason})
	r.afterCommit = append(r.afterCommit, func(ctx context.Context) {
		r.o.recorder.TaskExpired(ctx, reason)
	})
	r.logger(task).Info("task expired", "reason", reason)
	return next, true, nil
}

// startWork moves the task into IN_PROGRESS, passing through DISTRIBUTED
// when the distribution confirmation has not arrived yet.
func (r *txRun) startWork(task *domain.VerificationTask, metadata map[string]any) (*domain.VerificationTask, error) {
	var err error
	if task.Status == domain.TaskStatusPendingDistribution {
		task, err = r.o.machine.Transition(task, domain.TaskStatusDistributed, map[string]any{
			"messageId": r.msg.ID,
			"implicit":  true,
		})
		if err != nil {
			return nil, err
		}
	}
	if task.Status == domain.TaskStatusInProgress {
		return task, nil
	}
	return r.o.machine.Transition(task, domain.TaskStatusInProgress, metadata)
}

func (r *txRun) taskDistributed(ctx context.Context) error {
	task, active, err := r.loadActive(ctx)
	if err != nil || !active {
		return err
	}
	if task.Status != domain.TaskStatusPendingDistribution {
		r.logger(task).Debug("task already distributed, ignoring")
		return nil
	}

	next, err := r.o.machine.Transition(task, domain.TaskStatusDistributed, map[string]any{
		"messageId": r.msg.ID,
	})
	if err != nil {
		return err
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	r.logger(next).Info("task distributed")
	return nil
}

func (r *txRun) assignmentAccepted(ctx context.Context, p *domain.AssignmentAcceptedPayload) error {
	task, active, err := r.loadActive(ctx)
	if err != nil || !active {
		return err
	}

	next, err := r.startWork(task, map[string]any{"workerId": p.WorkerID})
	if err != nil {
		return err
	}

	assignment := domain.TaskAssignment{
		TaskID:     task.ID,
		WorkerID:   p.WorkerID,
		Round:      next.Round,
		AssignedAt: p.AssignedAt,
		ExpiresAt:  p.ExpiresAt,
	}
	if err := r.store.PutAssignment(ctx, assignment); err != nil {
		return fmt.Errorf("put assignment: %w", err)
	}
	if next == task && task.HasWorker(p.WorkerID) {
		return nil
	}
	if !next.HasWorker(p.WorkerID) {
		next = next.Clone()
		next.AssignedWorkers = append(next.AssignedWorkers, p.WorkerID)
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	r.logger(next).Info("assignment accepted", "worker_id", p.WorkerID, "expires_at", p.ExpiresAt)
	return nil
}

func (r *txRun) workerSubmission(ctx context.Context, p *domain.WorkerSubmissionPayload) error {
	task, active, err := r.loadActive(ctx)
	if err != nil || !active {
		return err
	}

	existing, err := r.store.ListSubmissions(ctx, task.ID, 0)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	for _, s := range existing {
		if s.SubmissionID == p.SubmissionID {
			r.logger(task).Debug("submission already recorded, ignoring", "submission_id", p.SubmissionID)
			return nil
		}
	}
	if !task.Status.AcceptsSubmissions() {
		return domain.NewValidationError("taskId",
			fmt.Errorf("%w: task %s is %s and does not accept submissions", domain.ErrInvalidStatus, task.ID, task.Status))
	}

	next, err := r.startWork(task, map[string]any{
		"workerId":     p.WorkerID,
		"submissionId": p.SubmissionID,
	})
	if err != nil {
		return err
	}

	voters := map[string]bool{p.WorkerID: true}
	for _, s := range existing {
		if s.Round != next.Round {
			continue
		}
		if s.WorkerID == p.WorkerID {
			return domain.NewValidationError("workerId",
				fmt.Errorf("%w: worker %s, task %s, round %d", domain.ErrWorkerAlreadyVoted, p.WorkerID, task.ID, next.Round))
		}
		voters[s.WorkerID] = true
	}

	sub := &domain.WorkerSubmission{
		SubmissionID: p.SubmissionID,
		TaskID:       task.ID,
		WorkerID:     p.WorkerID,
		Round:        next.Round,
		Result:       p.Result,
		Confidence:   p.Confidence,
		StartedAt:    p.StartedAt,
		CompletedAt:  p.CompletedAt,
	}
	if err := r.store.AppendSubmission(ctx, sub); err != nil {
		return fmt.Errorf("append submission: %w", err)
	}
	if !next.HasWorker(p.WorkerID) {
		if next == task {
			next = next.Clone()
		}
		next.AssignedWorkers = append(next.AssignedWorkers, p.WorkerID)
	}

	log := r.logger(next)
	log.Info("submission recorded",
		"submission_id", sub.SubmissionID,
		"worker_id", sub.WorkerID,
		"received", len(voters),
		"required", next.RequiredVerifications,
	)

	if len(voters) < next.RequiredVerifications {
		if err := r.store.PutTask(ctx, next); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	}

	next, err = r.o.machine.Transition(next, domain.TaskStatusPendingReview, map[string]any{
		"submissions": len(voters),
	})
	if err != nil {
		return err
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return r.review(ctx, next)
}

func (r *txRun) taskCancelled(ctx context.Context, reason string) error {
	task, active, err := r.loadActive(ctx)
	if err != nil || !active {
		return err
	}

	next, err := r.o.machine.Transition(task, domain.TaskStatusCancelled, map[string]any{
		"reason":    reason,
		"messageId": r.msg.ID,
	})
	if err != nil {
		return err
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	r.logger(task).Info("task cancelled", "reason", reason)
	return nil
}

// expirationCheck is the periodic sweep's entry point: it expires overdue
// tasks, decides reviews that are still pending and archives finished tasks
// past retention.
func (r *txRun) expirationCheck(ctx context.Context) error {
	task, err := r.store.GetTask(ctx, r.msg.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("get task %s: %w", r.msg.TaskID, err)
	}

	switch {
	case task.Status.IsTerminal():
		return nil
	case task.Status.IsFinished():
		return r.archive(ctx, task)
	case task.Status == domain.TaskStatusPendingReview:
		return r.review(ctx, task)
	}

	next, expired, err := r.expire(ctx, task)
	if err != nil || expired {
		return err
	}
	if next.Status == domain.TaskStatusPendingDistribution {
		if remaining, ok := r.o.machine.RemainingTime(next); ok && remaining == 0 {
			r.logger(next).Warn("task distribution overdue",
				"waiting", r.o.machine.TimeInCurrentState(next).String())
		}
	}
	return nil
}

func (r *txRun) archive(ctx context.Context, task *domain.VerificationTask) error {
	if !r.o.machine.ArchiveDue(task, r.o.retention) || !lifecycle.CanTransition(task.Status, domain.TaskStatusArchived) {
		return nil
	}

	next, err := r.o.machine.Transition(task, domain.TaskStatusArchived, map[string]any{
		"retention": r.o.retention.String(),
	})
	if err != nil {
		return err
	}
	if err := r.store.PutTask(ctx, next); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	r.emit(domain.EventTaskArchived, task.ID, domain.TaskArchivedEvent{TaskID: task.ID, FinalState: task.Status})
	r.logger(task).Info("task archived")
	return nil
}
