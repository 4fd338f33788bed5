package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

const tracerName = "github.com/rendis/bizflow/internal/engine"

// Store is the persistence the executor needs.
type Store interface {
	store.WorkflowStore
	store.ExecutionStore
}

// Config tunes the executor. Zero fields take the defaults.
type Config struct {
	MaxStepsPerRun      int           `json:"max_steps_per_run"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	MaxRetryDelay       time.Duration `json:"max_retry_delay"`
	DefaultPollInterval time.Duration `json:"default_poll_interval"`
	DefaultWaitTimeout  time.Duration `json:"default_wait_timeout"`
	MaxDepth            int           `json:"max_depth"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxStepsPerRun:      1000,
		RetryBaseDelay:      time.Second,
		MaxRetryDelay:       time.Minute,
		DefaultPollInterval: time.Second,
		DefaultWaitTimeout:  time.Hour,
		MaxDepth:            8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxStepsPerRun <= 0 {
		c.MaxStepsPerRun = d.MaxStepsPerRun
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = d.DefaultPollInterval
	}
	if c.DefaultWaitTimeout <= 0 {
		c.DefaultWaitTimeout = d.DefaultWaitTimeout
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	return c
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor starts, drives, parks, resumes and cancels executions.
// An execution is driven by at most one goroutine at a time: the one that
// registered it in running.
type Executor struct {
	store    Store
	interp   *interpreter
	notifier streaming.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*Run
}

// NewExecutor creates an executor. A nil notifier discards notifications.
func NewExecutor(st Store, runner ActionRunner, notifier streaming.Notifier, logger *slog.Logger, cfg Config, opts ...Option) *Executor {
	if notifier == nil {
		notifier = streaming.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:    st,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		running:  make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.interp = newInterpreter(runner, notifier, logger, e.tracer, e.cfg, e.now)
	return e
}

// ExecuteWorkflow creates an execution of the current workflow version and
// drives it until it completes, fails, is cancelled or parks on an approval.
func (e *Executor) ExecuteWorkflow(ctx context.Context, req schema.ExecuteRequest) (*schema.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Workflow %s not found", req.WorkflowID)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load workflow").WithCause(err)
	}
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = schema.TriggerManual
	}
	if triggerType != schema.TriggerManual && wf.Status != schema.WorkflowActive {
		return nil, schema.NewError(schema.ErrCodeValidation, "Workflow is not active")
	}

	vars := schema.CloneMap(wf.Variables)
	if vars == nil {
		vars = make(map[string]any, len(req.Variables))
	}
	for k, v := range schema.CloneMap(req.Variables) {
		vars[k] = v
	}

	exec := &schema.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		TriggeredBy:     req.TriggeredBy,
		TriggerType:     triggerType,
		TriggerData:     schema.CloneMap(req.TriggerData),
		Variables:       vars,
		StepResults:     []schema.StepResult{},
		Logs:            []schema.ExecutionLog{},
		StartedAt:       e.now(),
	}
	run := newRun(wf, exec, e.now)

	run.mu.Lock()
	_ = run.transitionLocked(schema.ExecutionRunning)
	run.logLocked(schema.LogInfo, "", "Workflow execution started", map[string]any{
		"version":     wf.Version,
		"triggerType": string(triggerType),
		"triggeredBy": req.TriggeredBy,
	})
	run.mu.Unlock()

	// Registered before the first save: a cancel from here on must reach the live run.
	e.mu.Lock()
	e.running[exec.ID] = run
	e.mu.Unlock()
	defer e.release(exec.ID)

	if err := e.store.SaveExecution(ctx, run.snapshot()); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	e.notify(ctx, run, schema.NotifyExecutionStarted, nil)

	e.drive(ctx, run, run.firstPosition())
	return run.snapshot(), nil
}

// drive runs top-level steps from pos until the pointer runs off the end or
// the execution leaves RUNNING.
func (e *Executor) drive(ctx context.Context, run *Run, pos int) {
	ctx = logging.WithExecution(ctx, run.exec.WorkflowID, run.exec.ID)
	ctx, span := e.tracer.Start(ctx, "execution "+run.wf.Name, trace.WithAttributes(
		attribute.String("bizflow.workflow.id", run.exec.WorkflowID),
		attribute.Int("bizflow.workflow.version", run.exec.WorkflowVersion),
		attribute.String("bizflow.execution.id", run.exec.ID),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	for pos >= 0 && pos < len(run.steps) {
		step := run.steps[pos]

		run.mu.Lock()
		if run.stepsRun >= e.cfg.MaxStepsPerRun {
			run.failLocked(fmt.Sprintf("Execution exceeded the limit of %d steps", e.cfg.MaxStepsPerRun))
		}
		run.mu.Unlock()
		if !run.enterStep(step) {
			break
		}
		e.persist(ctx, run)

		res := e.interp.execute(ctx, step, run, 0, 0)
		pos = e.settle(run, pos, step, res)
		e.persist(ctx, run)
	}

	run.mu.Lock()
	if run.exec.Status == schema.ExecutionRunning {
		if err := run.transitionLocked(schema.ExecutionCompleted); err == nil {
			run.exec.CurrentStepID = ""
			run.logLocked(schema.LogInfo, "", "Workflow execution completed", nil)
		}
	}
	status, errMsg := run.exec.Status, run.exec.Error
	run.mu.Unlock()
	e.persist(ctx, run)

	span.SetAttributes(attribute.String("bizflow.execution.status", string(status)))
	switch status {
	case schema.ExecutionCompleted:
		log.Info("execution completed")
		e.notify(ctx, run, schema.NotifyExecutionCompleted, nil)
	case schema.ExecutionFailed:
		span.SetStatus(codes.Error, errMsg)
		log.Warn("execution failed", "error", errMsg)
		e.notify(ctx, run, schema.NotifyExecutionFailed, map[string]any{"error": errMsg})
	case schema.ExecutionWaitingApproval:
		log.Info("execution waiting for approval", "step_id", run.exec.CurrentStepID)
	}
}

// settle records res and returns the position of the next step, or -1 when
// the drive loop must stop.
func (e *Executor) settle(run *Run, pos int, step schema.Step, res schema.StepResult) int {
	run.mu.Lock()
	defer run.mu.Unlock()

	run.recordLocked(res)
	switch res.Status {
	case schema.StepFailed:
		run.logLocked(schema.LogError, step.ID, "Step "+step.Name+" failed", map[string]any{
			"error":      res.Error,
			"retryCount": res.RetryCount,
		})
	case schema.StepPending:
		run.logLocked(schema.LogInfo, step.ID, "Step "+step.Name+" waiting for approval", nil)
	default:
		run.logLocked(schema.LogInfo, step.ID, "Step "+step.Name+" completed", nil)
	}

	if run.exec.Status != schema.ExecutionRunning {
		return -1
	}
	if res.Status == schema.StepPending {
		if err := run.transitionLocked(schema.ExecutionWaitingApproval); err != nil {
			run.failLocked(schema.Message(err))
		}
		return -1
	}
	if res.Status == schema.StepFailed {
		switch step.EffectiveOnError() {
		case schema.OnErrorStop:
			run.failLocked(fmt.Sprintf("Step %s failed: %s", step.Name, res.Error))
			return -1
		case schema.OnErrorGoto:
			if next, ok := run.position(step.ErrorGotoStep); ok {
				return next
			}
		}
	}
	return run.advance(pos, step, res)
}

// advance picks the successor of a settled step: a CONDITION branch, then
// NextStep, then the next top-level step by order.
func (r *Run) advance(pos int, step schema.Step, res schema.StepResult) int {
	if step.Type == schema.StepTypeCondition && res.Status == schema.StepCompleted {
		if branch, _ := res.Output["branch"].(string); branch != "" {
			if next, ok := r.position(branch); ok {
				return next
			}
		}
	}
	if step.NextStep != "" {
		if next, ok := r.position(step.NextStep); ok {
			return next
		}
	}
	return r.nextOrdinal(pos)
}

// CancelExecution stops a non-terminal execution. A running drive loop stops
// at the next step boundary; the step in flight is allowed to finish.
func (e *Executor) CancelExecution(ctx context.Context, id, reason string) (*schema.Execution, error) {
	e.mu.Lock()
	run, live := e.running[id]
	if !live {
		exec, err := e.loadExecution(ctx, id)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		run = newRun(&schema.Workflow{ID: exec.WorkflowID}, exec, e.now)
	}
	defer e.mu.Unlock()

	run.mu.Lock()
	if run.exec.Status.Terminal() {
		status := run.exec.Status
		run.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "Execution %s is already %s", id, status)
	}
	if err := run.transitionLocked(schema.ExecutionCancelled); err != nil {
		run.mu.Unlock()
		return nil, err
	}
	msg := "Execution cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	now := e.now()
	for i := range run.exec.Approvals {
		a := &run.exec.Approvals[i]
		if a.Status == schema.ApprovalPending {
			a.Status = schema.ApprovalRejected
			a.DecidedBy = SystemApprover
			a.Comment = msg
			a.DecidedAt = &now
		}
	}
	run.logLocked(schema.LogWarn, run.exec.CurrentStepID, msg, nil)
	run.mu.Unlock()

	if err := e.store.SaveExecution(ctx, run.snapshot()); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	e.notify(ctx, run, schema.NotifyExecutionCancelled, map[string]any{"reason": reason})
	return run.snapshot(), nil
}

// GetExecution returns the live state of a running execution, or the stored one.
func (e *Executor) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	e.mu.Lock()
	run, live := e.running[id]
	e.mu.Unlock()
	if live {
		return run.snapshot(), nil
	}
	return e.loadExecution(ctx, id)
}

// ListExecutions returns stored executions, newest first.
func (e *Executor) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Recover re-drives executions left RUNNING by a previous process, restarting
// each at its current step.
func (e *Executor) Recover(ctx context.Context) ([]*schema.Execution, error) {
	stale, err := e.store.ListExecutions(ctx, schema.ExecutionFilter{Status: schema.ExecutionRunning})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list running executions").WithCause(err)
	}

	var out []*schema.Execution
	for _, exec := range stale {
		e.mu.Lock()
		if _, live := e.running[exec.ID]; live {
			e.mu.Unlock()
			continue
		}
		wf, err := e.store.GetWorkflowVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			e.mu.Unlock()
			e.logger.WarnContext(ctx, "recover: workflow version missing",
				"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "version", exec.WorkflowVersion, "error", err)
			continue
		}
		run := newRun(wf, exec, e.now)
		e.running[exec.ID] = run
		e.mu.Unlock()

		pos := run.firstPosition()
		if p, ok := run.position(exec.CurrentStepID); ok {
			pos = p
			run.resumeStepID = exec.CurrentStepID
		}
		run.log(schema.LogWarn, exec.CurrentStepID, "Execution recovered after restart", nil)
		e.drive(ctx, run, pos)
		e.release(exec.ID)
		out = append(out, run.snapshot())
	}
	return out, nil
}

// Running returns the ids of executions currently driven by this process.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) loadExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Execution %s not found", id)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load execution").WithCause(err)
	}
	return exec, nil
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// persist saves a snapshot. Store failures are logged and the run continues.
func (e *Executor) persist(ctx context.Context, run *Run) {
	if err := e.store.SaveExecution(ctx, run.snapshot()); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist execution", "error", err)
	}
}

func (e *Executor) notify(ctx context.Context, run *Run, typ string, data map[string]any) {
	e.notifier.Notify(ctx, schema.Notification{
		Type:        typ,
		WorkflowID:  run.exec.WorkflowID,
		ExecutionID: run.exec.ID,
		Data:        data,
		Timestamp:   e.now(),
	})
}
