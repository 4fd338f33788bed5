// Package triggers starts workflow executions from domain events, cron
// schedules, webhooks and CEL conditions.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/eventbus"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/validation"
	"github.com/rendis/bizflow/pkg/schema"
)

// Runner starts executions. Satisfied by *engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, req schema.ExecuteRequest) (*schema.Execution, error)
}

// PayloadValidator checks webhook payloads against a trigger's JSON Schema.
type PayloadValidator interface {
	ValidatePayload(payload map[string]any, schemaText string) error
}

// EventSource delivers domain events to a handler. Satisfied by *eventbus.Bus.
type EventSource interface {
	ConsumeDomainEvents(ctx context.Context, handler eventbus.DomainEventHandler) error
}

type binding struct {
	workflowID string
	trigger    schema.Trigger
}

// Dispatcher holds the trigger registrations of every ACTIVE workflow.
type Dispatcher struct {
	runner   Runner
	pool     *engine.WorkerPool
	payloads PayloadValidator
	cel      *expressions.CELEngine
	cron     *cron.Cron
	logger   *slog.Logger

	mu         sync.RWMutex
	events     map[string][]binding // event name
	webhooks   map[string]binding   // path
	conditions []binding
	schedules  map[string][]cron.EntryID // workflow id

	// baseCtx is the parent of scheduled runs; replaced by Start.
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// NewDispatcher creates a Dispatcher. Event fan-out runs on pool.
func NewDispatcher(runner Runner, pool *engine.WorkerPool, payloads PayloadValidator, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "triggers")
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Dispatcher{
		runner:    runner,
		pool:      pool,
		payloads:  payloads,
		cel:       celEngine,
		cron:      cron.New(cron.WithParser(validation.CronParser), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		logger:    logger,
		events:    make(map[string][]binding),
		webhooks:  make(map[string]binding),
		schedules: make(map[string][]cron.EntryID),
		baseCtx:   context.Background(),
	}, nil
}

// Register replaces the registrations of wf with its current triggers.
// A webhook path owned by another workflow is a CONFLICT and nothing changes.
func (d *Dispatcher) Register(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}

	schedules := make([]cron.Schedule, 0)
	var scheduled []schema.Trigger
	for _, t := range wf.Triggers {
		switch t.Type {
		case schema.TriggerSchedule:
			s, err := validation.CronParser.Parse(t.Schedule)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule %q: %v", t.Schedule, err)
			}
			schedules = append(schedules, s)
			scheduled = append(scheduled, t)
		case schema.TriggerCondition:
			if err := d.cel.Compile(t.Expression); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range wf.Triggers {
		if t.Type != schema.TriggerWebhook {
			continue
		}
		if owner, ok := d.webhooks[t.WebhookPath]; ok && owner.workflowID != wf.ID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"webhook path %s is already registered by workflow %s", t.WebhookPath, owner.workflowID)
		}
	}

	d.removeLocked(wf.ID)

	for _, t := range wf.Triggers {
		b := binding{workflowID: wf.ID, trigger: t}
		switch t.Type {
		case schema.TriggerEvent:
			d.events[t.Event] = append(d.events[t.Event], b)
		case schema.TriggerWebhook:
			d.webhooks[t.WebhookPath] = b
		case schema.TriggerCondition:
			d.conditions = append(d.conditions, b)
		}
	}
	for i, s := range schedules {
		b := binding{workflowID: wf.ID, trigger: scheduled[i]}
		id := d.cron.Schedule(s, cron.FuncJob(func() { d.fireSchedule(b) }))
		d.schedules[wf.ID] = append(d.schedules[wf.ID], id)
	}

	d.logger.InfoContext(ctx, "triggers registered",
		slog.String("workflow_id", wf.ID), slog.Int("triggers", len(wf.Triggers)))
	return nil
}

// Deregister removes every registration of the workflow.
func (d *Dispatcher) Deregister(ctx context.Context, workflowID string) {
	d.mu.Lock()
	removed := d.removeLocked(workflowID)
	d.mu.Unlock()
	if removed > 0 {
		d.logger.InfoContext(ctx, "triggers deregistered",
			slog.String("workflow_id", workflowID), slog.Int("triggers", removed))
	}
}

func (d *Dispatcher) removeLocked(workflowID string) int {
	removed := 0
	for name, list := range d.events {
		kept := list[:0]
		for _, b := range list {
			if b.workflowID != workflowID {
				kept = append(kept, b)
			}
		}
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(d.events, name)
		} else {
			d.events[name] = kept
		}
	}
	for path, b := range d.webhooks {
		if b.workflowID == workflowID {
			delete(d.webhooks, path)
			removed++
		}
	}
	kept := d.conditions[:0]
	for _, b := range d.conditions {
		if b.workflowID != workflowID {
			kept = append(kept, b)
		}
	}
	removed += len(d.conditions) - len(kept)
	d.conditions = kept
	for _, id := range d.schedules[workflowID] {
		d.cron.Remove(id)
		removed++
	}
	delete(d.schedules, workflowID)
	return removed
}

// HandleEvent starts one execution per matching EVENT or CONDITION trigger.
// Payload fields are merged over the workflow's default variables.
// Executions run concurrently on the worker pool; the call returns once all
// of them have completed, failed or parked.
func (d *Dispatcher) HandleEvent(ctx context.Context, name string, payload map[string]any) ([]*schema.Execution, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	matches := d.match(ctx, name, payload)
	if len(matches) == 0 {
		d.logger.DebugContext(ctx, "no triggers for event", slog.String("event", name))
		return nil, nil
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		execs []*schema.Execution
		errs  []error
	)
	for _, b := range matches {
		req := schema.ExecuteRequest{
			WorkflowID:  b.workflowID,
			TriggeredBy: "event:" + name,
			TriggerType: b.trigger.Type,
			TriggerData: map[string]any{"event": name, "payload": schema.CloneMap(payload)},
			Variables:   schema.CloneMap(payload),
		}
		wg.Add(1)
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			exec, err := d.runner.ExecuteWorkflow(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("workflow %s: %w", req.WorkflowID, err))
				return err
			}
			execs = append(execs, exec)
			return nil
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("workflow %s: %w", req.WorkflowID, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	d.logger.InfoContext(ctx, "event dispatched",
		slog.String("event", name), slog.Int("matched", len(matches)), slog.Int("started", len(execs)))
	return execs, errors.Join(errs...)
}

func (d *Dispatcher) match(ctx context.Context, name string, payload map[string]any) []binding {
	d.mu.RLock()
	events := append([]binding(nil), d.events[name]...)
	conditions := append([]binding(nil), d.conditions...)
	d.mu.RUnlock()

	var out []binding
	for _, b := range events {
		if expressions.Evaluate(b.trigger.Conditions, payload) {
			out = append(out, b)
		}
	}
	data := map[string]any{"event": name, "payload": payload}
	for _, b := range conditions {
		ok, err := expressions.EvaluateBool(ctx, d.cel, b.trigger.Expression, data)
		if err != nil {
			d.logger.WarnContext(ctx, "condition trigger failed",
				slog.String("workflow_id", b.workflowID), slog.String("error", err.Error()))
			continue
		}
		if ok {
			out = append(out, b)
		}
	}
	return out
}

// HandleWebhook starts the workflow registered for path. An unknown path
// returns nil, nil.
func (d *Dispatcher) HandleWebhook(ctx context.Context, path string, payload map[string]any) (*schema.Execution, error) {
	d.mu.RLock()
	b, ok := d.webhooks[path]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if b.trigger.PayloadSchema != "" && d.payloads != nil {
		if err := d.payloads.ValidatePayload(payload, b.trigger.PayloadSchema); err != nil {
			return nil, err
		}
	}
	return d.runner.ExecuteWorkflow(ctx, schema.ExecuteRequest{
		WorkflowID:  b.workflowID,
		TriggeredBy: "webhook:" + path,
		TriggerType: schema.TriggerWebhook,
		TriggerData: map[string]any{"path": path, "payload": schema.CloneMap(payload)},
		Variables:   schema.CloneMap(payload),
	})
}

// Consume feeds domain events from src into HandleEvent until ctx is done.
// Only store failures are returned to the source, so they are redelivered;
// a workflow that was paused or deleted meanwhile is not.
func (d *Dispatcher) Consume(ctx context.Context, src EventSource) error {
	return src.ConsumeDomainEvents(ctx, func(ctx context.Context, ev schema.DomainEvent) error {
		_, err := d.HandleEvent(ctx, ev.Name, ev.Payload)
		if hasStoreError(err) {
			return err
		}
		if err != nil {
			d.logger.WarnContext(ctx, "event not dispatched", slog.String("event", ev.Name), slog.String("error", err.Error()))
		}
		return nil
	})
}

func hasStoreError(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if hasStoreError(e) {
				return true
			}
		}
		return false
	}
	return schema.IsCode(err, schema.ErrCodeStore)
}

func (d *Dispatcher) fireSchedule(b binding) {
	d.mu.RLock()
	ctx := d.baseCtx
	d.mu.RUnlock()

	firedAt := time.Now().UTC()
	_, err := d.runner.ExecuteWorkflow(ctx, schema.ExecuteRequest{
		WorkflowID:  b.workflowID,
		TriggeredBy: "schedule",
		TriggerType: schema.TriggerSchedule,
		TriggerData: map[string]any{"schedule": b.trigger.Schedule, "firedAt": firedAt.Format(time.RFC3339)},
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "scheduled execution failed to start",
			slog.String("workflow_id", b.workflowID), slog.String("schedule", b.trigger.Schedule),
			slog.String("error", err.Error()))
	}
}

// Start runs the cron scheduler. Scheduled executions use a context derived from ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.baseCtx, d.cancel = context.WithCancel(ctx)
	d.started = true
	d.cron.Start()
	d.logger.Info("trigger dispatcher started", slog.Int("schedules", len(d.cron.Entries())))
	return nil
}

// Stop halts the cron scheduler and waits for running scheduled jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel := d.cancel
	d.mu.Unlock()

	<-d.cron.Stop().Done()
	cancel()
	d.logger.Info("trigger dispatcher stopped")
}

// Registrations reports how many triggers of each type are registered.
func (d *Dispatcher) Registrations() map[schema.TriggerType]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := map[schema.TriggerType]int{
		schema.TriggerWebhook:   len(d.webhooks),
		schema.TriggerCondition: len(d.conditions),
	}
	for _, list := range d.events {
		out[schema.TriggerEvent] += len(list)
	}
	for _, ids := range d.schedules {
		out[schema.TriggerSchedule] += len(ids)
	}
	return out
}
