package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

// SystemApprover decides approvals that expire.
const SystemApprover = "system"

// HandleApproval records a human decision. APPROVED resumes the execution at
// the step after the approval and drives it synchronously; REJECTED fails it.
func (e *Executor) HandleApproval(ctx context.Context, d schema.ApprovalDecision) (*schema.ApprovalRecord, error) {
	if d.Decision != schema.ApprovalApproved && d.Decision != schema.ApprovalRejected {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decision must be APPROVED or REJECTED, got %q", d.Decision)
	}
	if d.ApproverID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approver_id is required")
	}
	return e.decide(ctx, d, true)
}

// ExpireApprovals rejects every pending approval whose deadline is before now
// and returns how many were rejected.
func (e *Executor) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	pending, err := e.store.ListPendingApprovals(ctx, schema.ApprovalFilter{ExpiredBefore: &now})
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "list expired approvals").WithCause(err)
	}
	var (
		n    int
		errs []error
	)
	for _, a := range pending {
		_, err := e.decide(ctx, schema.ApprovalDecision{
			ExecutionID: a.ExecutionID,
			ApprovalID:  a.ID,
			Decision:    schema.ApprovalRejected,
			ApproverID:  SystemApprover,
			Comment:     "Approval timed out",
		}, false)
		switch {
		case err == nil:
			n++
		case schema.IsCode(err, schema.ErrCodeConflict):
			// decided or busy meanwhile; the next sweep catches a busy one
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// RunApprovalSweeper calls ExpireApprovals every interval until ctx is done.
func (e *Executor) RunApprovalSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireApprovals(ctx, e.now())
			if err != nil {
				e.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
			}
			if n > 0 {
				e.logger.InfoContext(ctx, "expired approvals rejected", "count", n)
			}
		}
	}
}

// ListPendingApprovals returns undecided approvals matching filter.
func (e *Executor) ListPendingApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]schema.ApprovalRecord, error) {
	return e.store.ListPendingApprovals(ctx, filter)
}

func (e *Executor) decide(ctx context.Context, d schema.ApprovalDecision, checkApprover bool) (*schema.ApprovalRecord, error) {
	if e.busy(d.ExecutionID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "Execution %s is busy", d.ExecutionID)
	}
	exec, err := e.loadDecidable(ctx, d, checkApprover)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.GetWorkflowVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load workflow version").WithCause(err)
	}

	run := newRun(wf, exec, e.now)
	e.mu.Lock()
	if _, busy := e.running[exec.ID]; busy {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "Execution %s is busy", exec.ID)
	}
	e.running[exec.ID] = run
	e.mu.Unlock()
	defer e.release(exec.ID)

	// A cancel or decision that finished between the load and the claim is
	// only visible in the store.
	fresh, err := e.loadDecidable(ctx, d, checkApprover)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	run.exec = fresh
	run.mu.Unlock()
	exec = fresh

	ctx = logging.WithApprovalID(logging.WithExecution(ctx, exec.WorkflowID, exec.ID), d.ApprovalID)
	decided, stepID := e.applyDecision(run, d)
	e.persist(ctx, run)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "approval decided", "decision", string(decided.Status), "decided_by", decided.DecidedBy)
	e.notifier.Notify(ctx, schema.Notification{
		Type:        schema.NotifyApprovalDecided,
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		ApprovalID:  decided.ID,
		Data: map[string]any{
			"decision":   string(decided.Status),
			"decided_by": decided.DecidedBy,
			"step_id":    stepID,
		},
		Timestamp: e.now(),
	})

	switch run.status() {
	case schema.ExecutionFailed:
		snap := run.snapshot()
		e.notify(ctx, run, schema.NotifyExecutionFailed, map[string]any{"error": snap.Error})
	case schema.ExecutionRunning:
		pos, ok := run.position(stepID)
		next := run.firstPosition()
		if ok {
			step := run.steps[pos]
			next = run.advance(pos, step, schema.StepResult{Status: schema.StepCompleted})
		}
		e.drive(ctx, run, next)
	}
	return &decided, nil
}

func (e *Executor) busy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// loadDecidable loads the execution and checks that d can still be applied.
func (e *Executor) loadDecidable(ctx context.Context, d schema.ApprovalDecision, checkApprover bool) (*schema.Execution, error) {
	exec, err := e.loadExecution(ctx, d.ExecutionID)
	if err != nil {
		return nil, err
	}
	rec := exec.Approval(d.ApprovalID)
	switch {
	case rec == nil:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Approval %s not found", d.ApprovalID)
	case rec.Status != schema.ApprovalPending:
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "Approval %s is already %s", d.ApprovalID, rec.Status)
	case exec.Status.Terminal():
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "Execution %s is already %s", exec.ID, exec.Status)
	case checkApprover && rec.ApproverID != d.ApproverID:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is not the approver of approval %s", d.ApproverID, d.ApprovalID)
	}
	return exec, nil
}

// applyDecision updates the approval, its step result and the execution status.
func (e *Executor) applyDecision(run *Run, d schema.ApprovalDecision) (schema.ApprovalRecord, string) {
	run.mu.Lock()
	defer run.mu.Unlock()

	now := e.now()
	rec := run.exec.Approval(d.ApprovalID)
	rec.Status = d.Decision
	rec.DecidedBy = d.ApproverID
	rec.Comment = d.Comment
	rec.DecidedAt = &now

	stepName := rec.StepID
	if step, ok := run.step(rec.StepID); ok {
		stepName = step.Name
	}
	res := schema.StepResult{StepID: rec.StepID, StepName: stepName, StartedAt: rec.RequestedAt, CompletedAt: &now}
	if d.Decision == schema.ApprovalApproved {
		res.Status = schema.StepCompleted
		res.Output = approvedOutput(*rec)
		run.recordLocked(res)
		run.logLocked(schema.LogInfo, rec.StepID, "Approval granted by "+d.ApproverID, map[string]any{"approvalId": rec.ID})
		if run.exec.Status == schema.ExecutionWaitingApproval {
			_ = run.transitionLocked(schema.ExecutionRunning)
		}
		return *rec, rec.StepID
	}

	msg := rejectionMessage(d.ApproverID, d.Comment)
	res.Status = schema.StepFailed
	res.Output = map[string]any{"approvalId": rec.ID, "decision": string(schema.ApprovalRejected)}
	res.Error = msg
	run.recordLocked(res)
	run.logLocked(schema.LogWarn, rec.StepID, msg, map[string]any{"approvalId": rec.ID})
	run.failLocked(msg)
	return *rec, rec.StepID
}
