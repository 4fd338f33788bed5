package engine

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// ActionRunner executes the payload of ACTION steps.
type ActionRunner interface {
	Execute(ctx context.Context, action schema.Action, ec actions.ExecutionContext) (any, error)
}

// stepHandler runs one step kind. On success it returns the output and either
// COMPLETED or PENDING (parked on an approval).
type stepHandler func(ctx context.Context, step schema.Step, run *Run, depth int) (map[string]any, schema.StepStatus, error)

// interpreter executes single steps, including nested PARALLEL and LOOP children.
type interpreter struct {
	actions  ActionRunner
	exprs    *expressions.ExprEngine
	notifier streaming.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
	handlers map[schema.StepType]stepHandler
}

func newInterpreter(runner ActionRunner, notifier streaming.Notifier, logger *slog.Logger, tracer trace.Tracer, cfg Config, now func() time.Time) *interpreter {
	in := &interpreter{
		actions:  runner,
		exprs:    expressions.NewExprEngine(),
		notifier: notifier,
		logger:   logger,
		tracer:   tracer,
		cfg:      cfg,
		now:      now,
	}
	in.handlers = map[schema.StepType]stepHandler{
		schema.StepTypeAction:    in.runAction,
		schema.StepTypeCondition: in.runCondition,
		schema.StepTypeParallel:  in.runParallel,
		schema.StepTypeLoop:      in.runLoop,
		schema.StepTypeWait:      in.runWait,
		schema.StepTypeApproval:  in.runApproval,
	}
	return in
}

// execute runs step and returns its result. Failures are captured in the
// result, never returned. Retries re-run the whole step and only the last
// attempt is kept.
func (in *interpreter) execute(ctx context.Context, step schema.Step, run *Run, depth, retryCount int) (res schema.StepResult) {
	res = schema.StepResult{
		StepID:     step.ID,
		StepName:   step.Name,
		Status:     schema.StepRunning,
		StartedAt:  in.now(),
		RetryCount: retryCount,
	}

	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := in.tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(
		attribute.String("bizflow.step.id", step.ID),
		attribute.String("bizflow.step.type", string(step.Type)),
		attribute.Int("bizflow.step.retry", retryCount),
	))
	defer span.End()

	out, status, err := in.dispatch(ctx, step, run, depth)
	done := in.now()
	if err == nil {
		res.Status = status
		res.Output = out
		if status != schema.StepPending {
			res.CompletedAt = &done
		}
		return res
	}

	res.Status = schema.StepFailed
	res.Output = out
	res.Error = schema.Message(err)
	res.CompletedAt = &done
	span.RecordError(err)
	span.SetStatus(codes.Error, res.Error)

	budget := retryBudget(step)
	if retryCount >= budget || !isRetryable(err) || ctx.Err() != nil || run.status() != schema.ExecutionRunning {
		return res
	}

	delay := Backoff(in.cfg.RetryBaseDelay, in.cfg.MaxRetryDelay, retryCount)
	run.log(schema.LogWarn, step.ID, "Retrying step "+step.Name, map[string]any{
		"attempt": retryCount + 1,
		"delay":   delay.String(),
		"error":   res.Error,
	})
	logging.LogWith(ctx, in.logger).Warn("retrying step", "step", step.Name, "attempt", retryCount+1, "delay", delay)
	if err := WaitForBackoff(ctx, delay); err != nil {
		return res
	}
	return in.execute(ctx, step, run, depth, retryCount+1)
}

func (in *interpreter) dispatch(ctx context.Context, step schema.Step, run *Run, depth int) (out map[string]any, status schema.StepStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, status = nil, schema.StepFailed
			err = schema.NewErrorf(schema.ErrCodeExecution, "step %s panicked: %v", step.Name, r)
		}
	}()
	if depth > in.cfg.MaxDepth {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeExecution,
			"step %s exceeds the maximum nesting depth of %d", step.Name, in.cfg.MaxDepth)
	}
	h, ok := in.handlers[step.Type]
	if !ok {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
	return h(ctx, step, run, depth)
}

func (in *interpreter) runAction(ctx context.Context, step schema.Step, run *Run, _ int) (map[string]any, schema.StepStatus, error) {
	if step.Action == nil {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no action", step.Name)
	}
	result, err := in.actions.Execute(ctx, *step.Action, run)
	if err != nil {
		return nil, schema.StepFailed, err
	}
	out := map[string]any{"actionCompleted": true}
	if result != nil {
		out["result"] = result
	}
	return out, schema.StepCompleted, nil
}

func (in *interpreter) runCondition(_ context.Context, step schema.Step, run *Run, _ int) (map[string]any, schema.StepStatus, error) {
	ok := expressions.Evaluate(step.Conditions, run.Variables())
	out := map[string]any{"conditionResult": ok}
	branch := step.FalseBranch
	if ok {
		branch = step.TrueBranch
	}
	if branch != "" {
		out["branch"] = branch
	}
	return out, schema.StepCompleted, nil
}

func (in *interpreter) runParallel(ctx context.Context, step schema.Step, run *Run, depth int) (map[string]any, schema.StepStatus, error) {
	results := make([]schema.StepResult, len(step.ParallelSteps))
	var wg sync.WaitGroup
	for i, id := range step.ParallelSteps {
		sub, err := in.child(run, id)
		if err != nil {
			results[i] = in.failedResult(id, err)
			continue
		}
		wg.Add(1)
		go func(i int, sub schema.Step) {
			defer wg.Done()
			results[i] = in.execute(ctx, sub, run, depth+1, 0)
		}(i, sub)
	}
	wg.Wait()
	return map[string]any{"results": results}, schema.StepCompleted, nil
}

func (in *interpreter) runLoop(ctx context.Context, step schema.Step, run *Run, depth int) (map[string]any, schema.StepStatus, error) {
	cfg := step.Loop
	if cfg == nil {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no loop config", step.Name)
	}
	items, ok := toSlice(run.Lookup(cfg.Collection))
	if !ok {
		run.log(schema.LogWarn, step.ID, "Loop collection "+cfg.Collection+" is not a list", nil)
	}
	n := len(items)
	if cfg.MaxIterations != nil && *cfg.MaxIterations < n {
		n = max(*cfg.MaxIterations, 0)
	}
	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	records := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil || run.status() != schema.ExecutionRunning {
			break
		}
		run.SetVariable(itemVar, items[i])
		run.SetVariable(itemVar+"Index", i)

		results := make([]schema.StepResult, 0, len(cfg.Body))
		for _, id := range cfg.Body {
			sub, err := in.child(run, id)
			if err != nil {
				results = append(results, in.failedResult(id, err))
				continue
			}
			results = append(results, in.execute(ctx, sub, run, depth+1, 0))
		}
		records = append(records, map[string]any{"index": i, "item": items[i], "results": results})
	}
	return map[string]any{"iterations": len(records), "items": records}, schema.StepCompleted, nil
}

func (in *interpreter) runWait(ctx context.Context, step schema.Step, run *Run, _ int) (map[string]any, schema.StepStatus, error) {
	cfg := step.Wait
	if cfg == nil || (cfg.Duration == "" && cfg.Until == "") {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "step %s needs a wait duration or until expression", step.Name)
	}
	start := in.now()

	if cfg.Duration != "" {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil || d < 0 {
			return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "invalid wait duration %q", cfg.Duration)
		}
		if err := WaitForBackoff(ctx, d); err != nil {
			return nil, schema.StepFailed, schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithCause(err)
		}
		if cfg.Until == "" {
			return map[string]any{"waited": d.String()}, schema.StepCompleted, nil
		}
	}

	poll, err := durationOr(cfg.PollInterval, in.cfg.DefaultPollInterval)
	if err != nil {
		return nil, schema.StepFailed, err
	}
	timeout, err := durationOr(cfg.Timeout, in.cfg.DefaultWaitTimeout)
	if err != nil {
		return nil, schema.StepFailed, err
	}
	deadline := start.Add(timeout)
	for {
		met, err := expressions.EvaluateBool(ctx, in.exprs, cfg.Until, run.Variables())
		if err != nil {
			return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "wait condition: %v", err)
		}
		if met {
			return map[string]any{"conditionMet": true, "waited": in.now().Sub(start).String()}, schema.StepCompleted, nil
		}
		if !in.now().Before(deadline) {
			return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeTimeout, "wait condition not met within %s", timeout)
		}
		if run.status() != schema.ExecutionRunning {
			return nil, schema.StepFailed, schema.NewError(schema.ErrCodeCancelled, "execution is no longer running")
		}
		if err := WaitForBackoff(ctx, poll); err != nil {
			return nil, schema.StepFailed, schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithCause(err)
		}
	}
}

// runApproval parks the execution on a new approval. Every visit requests a
// fresh decision; only a Recover restart at this step settles from the
// approval the interrupted visit created.
func (in *interpreter) runApproval(ctx context.Context, step schema.Step, run *Run, depth int) (map[string]any, schema.StepStatus, error) {
	cfg := step.Approval
	if cfg == nil || len(cfg.Approvers) == 0 {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation, "step %s needs at least one approver", step.Name)
	}
	if depth > 0 {
		return nil, schema.StepFailed, schema.NewErrorf(schema.ErrCodeValidation,
			"approval step %s cannot run inside a parallel or loop step", step.Name)
	}

	if prev, ok := run.approvalForStep(step.ID); ok && run.resumingAt(step.ID) {
		switch prev.Status {
		case schema.ApprovalApproved:
			return approvedOutput(prev), schema.StepCompleted, nil
		case schema.ApprovalRejected:
			return nil, schema.StepFailed, schema.NewError(schema.ErrCodeStepFailed, rejectionMessage(prev.DecidedBy, prev.Comment))
		default:
			return map[string]any{"approvalId": prev.ID, "approverId": prev.ApproverID}, schema.StepPending, nil
		}
	}

	now := in.now()
	rec := schema.ApprovalRecord{
		ID:          uuid.NewString(),
		ExecutionID: run.ExecutionID(),
		StepID:      step.ID,
		ApproverID:  cfg.Approvers[0],
		Status:      schema.ApprovalPending,
		RequestedAt: now,
	}
	if cfg.TimeoutHours > 0 {
		exp := now.Add(time.Duration(cfg.TimeoutHours * float64(time.Hour)))
		rec.ExpiresAt = &exp
	}
	run.addApproval(rec)
	run.log(schema.LogInfo, step.ID, "Approval requested from "+rec.ApproverID, map[string]any{"approvalId": rec.ID})

	data := map[string]any{"step_id": step.ID, "approver_id": rec.ApproverID}
	if rec.ExpiresAt != nil {
		data["expires_at"] = rec.ExpiresAt.Format(time.RFC3339)
	}
	in.notifier.Notify(ctx, schema.Notification{
		Type:        schema.NotifyApprovalRequested,
		WorkflowID:  run.WorkflowID(),
		ExecutionID: run.ExecutionID(),
		ApprovalID:  rec.ID,
		Data:        data,
		Timestamp:   now,
	})
	return map[string]any{"approvalId": rec.ID, "approverId": rec.ApproverID}, schema.StepPending, nil
}

// child resolves a PARALLEL or LOOP body step.
func (in *interpreter) child(run *Run, id string) (schema.Step, error) {
	sub, ok := run.step(id)
	if !ok {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeNotFound, "Step %s not found", id)
	}
	if sub.Type == schema.StepTypeApproval {
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeValidation,
			"approval step %s cannot run inside a parallel or loop step", sub.Name)
	}
	return sub, nil
}

func (in *interpreter) failedResult(stepID string, err error) schema.StepResult {
	now := in.now()
	return schema.StepResult{
		StepID:      stepID,
		Status:      schema.StepFailed,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       schema.Message(err),
	}
}

func approvedOutput(rec schema.ApprovalRecord) map[string]any {
	out := map[string]any{
		"approvalId": rec.ID,
		"decision":   string(schema.ApprovalApproved),
		"approvedBy": rec.DecidedBy,
	}
	if rec.Comment != "" {
		out["comment"] = rec.Comment
	}
	return out
}

func rejectionMessage(by, comment string) string {
	msg := "Approval rejected by " + by
	if comment != "" {
		msg += ": " + comment
	}
	return msg
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", s)
	}
	return d, nil
}

// toSlice converts any slice or array value to []any; anything else is empty.
func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
