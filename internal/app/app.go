// Package app composes the catalog, executor, trigger dispatcher and analytics
// into the single surface exposed to transports (MCP, CLI).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/analytics"
	"github.com/rendis/bizflow/internal/catalog"
	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/eventbus"
	"github.com/rendis/bizflow/internal/secrets"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/triggers"
	"github.com/rendis/bizflow/internal/validation"
	"github.com/rendis/bizflow/pkg/schema"
)

// Options wires an App. Store is required; everything else has a default.
type Options struct {
	Store        store.Store
	Capabilities actions.Capabilities
	Breaker      *actions.BreakerConfig
	// Vault resolves {{secrets.KEY}} references in action configs. Nil disables them.
	Vault secrets.Vault
	// Bus carries domain events and lifecycle notifications. Nil keeps both in process.
	Bus *eventbus.Bus
	// Notifier receives lifecycle notifications in addition to the hub and bus.
	Notifier       streaming.Notifier
	Engine         engine.Config
	Workers        int
	SweepInterval  time.Duration
	SeedTemplates  bool
	Tracer         trace.Tracer
	Logger         *slog.Logger
	CustomHandlers map[string]actions.CustomHandler
}

// App is the bizflow capability surface.
type App struct {
	Catalog    *catalog.Catalog
	Executor   *engine.Executor
	Dispatcher *triggers.Dispatcher
	Analytics  *analytics.Aggregator
	Actions    *actions.Executor
	Hub        *streaming.MemoryHub

	store  store.Store
	bus    *eventbus.Bus
	pool   *engine.WorkerPool
	logger *slog.Logger
	sweep  time.Duration
	seed   bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds an App from opts.
func New(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	hub := streaming.NewMemoryHub()
	var busNotifier streaming.Notifier
	if opts.Bus != nil {
		busNotifier = opts.Bus
	}
	notifier := streaming.Multi(hub, busNotifier, opts.Notifier)

	var actionOpts []actions.Option
	if opts.Breaker != nil {
		actionOpts = append(actionOpts, actions.WithBreakerConfig(*opts.Breaker))
	}
	if opts.Vault != nil {
		actionOpts = append(actionOpts, actions.WithVault(opts.Vault))
	}
	acts := actions.NewExecutor(opts.Capabilities, logger, actionOpts...)
	for name, h := range opts.CustomHandlers {
		if err := acts.RegisterCustom(name, h); err != nil {
			return nil, fmt.Errorf("register custom handler %s: %w", name, err)
		}
	}

	var engineOpts []engine.Option
	if opts.Tracer != nil {
		engineOpts = append(engineOpts, engine.WithTracer(opts.Tracer))
	}
	exec := engine.NewExecutor(opts.Store, acts, notifier, logger.With("module", "engine"), opts.Engine, engineOpts...)

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	pool := engine.NewWorkerPool(workers, logger)
	dispatcher, err := triggers.NewDispatcher(exec, pool, v.Documents(), logger)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	return &App{
		Catalog:    catalog.New(opts.Store, v, dispatcher, notifier, logger),
		Executor:   exec,
		Dispatcher: dispatcher,
		Analytics:  analytics.NewAggregator(opts.Store, logger),
		Actions:    acts,
		Hub:        hub,
		store:      opts.Store,
		bus:        opts.Bus,
		pool:       pool,
		logger:     logger.With("module", "app"),
		sweep:      sweep,
		seed:       opts.SeedTemplates,
	}, nil
}

// Start seeds templates (when enabled), registers the triggers of ACTIVE
// workflows, resumes executions left RUNNING, starts the cron runner, the
// domain event consumer and the approval sweeper.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	if a.seed {
		if _, err := a.Catalog.SeedTemplates(ctx); err != nil {
			return fmt.Errorf("seed templates: %w", err)
		}
	}
	n, err := a.Catalog.RegisterActive(ctx)
	if err != nil {
		return fmt.Errorf("register active workflows: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.Dispatcher.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if a.bus != nil {
		if err := a.Dispatcher.Consume(runCtx, a.bus); err != nil {
			a.Dispatcher.Stop()
			cancel()
			return fmt.Errorf("consume domain events: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Executor.RunApprovalSweeper(runCtx, a.sweep)
	}()
	go func() {
		resumed, err := a.Executor.Recover(runCtx)
		if err != nil {
			a.logger.ErrorContext(runCtx, "recover executions", slog.String("error", err.Error()))
			return
		}
		if len(resumed) > 0 {
			a.logger.InfoContext(runCtx, "executions recovered", slog.Int("count", len(resumed)))
		}
	}()

	a.cancel, a.done, a.started = cancel, done, true
	a.logger.InfoContext(ctx, "bizflow started", slog.Int("active_workflows", n))
	return nil
}

// Close stops background work, waits for in-flight event fan-out and closes
// the bus and the store.
func (a *App) Close() error {
	a.mu.Lock()
	started := a.started
	cancel, done := a.cancel, a.done
	a.started = false
	a.mu.Unlock()

	if started {
		a.Dispatcher.Stop()
		cancel()
		<-done
	}
	a.pool.Shutdown()

	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// --- workflows ---

func (a *App) CreateWorkflow(ctx context.Context, dto *schema.CreateWorkflowDto) (*schema.Workflow, error) {
	return a.Catalog.CreateWorkflow(ctx, dto)
}

func (a *App) CreateWorkflowFromJSON(ctx context.Context, raw []byte) (*schema.Workflow, error) {
	return a.Catalog.CreateWorkflowFromJSON(ctx, raw)
}

func (a *App) UpdateWorkflow(ctx context.Context, id string, dto *schema.UpdateWorkflowDto) (*schema.Workflow, error) {
	return a.Catalog.UpdateWorkflow(ctx, id, dto)
}

func (a *App) ActivateWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return a.Catalog.ActivateWorkflow(ctx, id)
}

func (a *App) PauseWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return a.Catalog.PauseWorkflow(ctx, id)
}

func (a *App) ArchiveWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return a.Catalog.ArchiveWorkflow(ctx, id)
}

func (a *App) DeleteWorkflow(ctx context.Context, id string) error {
	return a.Catalog.DeleteWorkflow(ctx, id)
}

func (a *App) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return a.Catalog.GetWorkflow(ctx, id)
}

func (a *App) GetAllWorkflows(ctx context.Context, filter schema.WorkflowFilter) ([]*schema.Workflow, error) {
	return a.Catalog.ListWorkflows(ctx, filter)
}

// --- templates ---

func (a *App) GetTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error) {
	return a.Catalog.GetTemplates(ctx, category)
}

func (a *App) CreateFromTemplate(ctx context.Context, templateID string, overrides schema.TemplateOverrides) (*schema.Workflow, error) {
	return a.Catalog.CreateFromTemplate(ctx, templateID, overrides)
}

// --- executions ---

func (a *App) ExecuteWorkflow(ctx context.Context, req schema.ExecuteRequest) (*schema.Execution, error) {
	return a.Executor.ExecuteWorkflow(ctx, req)
}

func (a *App) CancelExecution(ctx context.Context, id, reason string) (*schema.Execution, error) {
	return a.Executor.CancelExecution(ctx, id, reason)
}

func (a *App) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return a.Executor.GetExecution(ctx, id)
}

// GetExecutions lists executions newest first; an empty workflowID lists all.
func (a *App) GetExecutions(ctx context.Context, workflowID string) ([]*schema.Execution, error) {
	return a.Executor.ListExecutions(ctx, schema.ExecutionFilter{WorkflowID: workflowID})
}

func (a *App) HandleApproval(ctx context.Context, d schema.ApprovalDecision) (*schema.ApprovalRecord, error) {
	return a.Executor.HandleApproval(ctx, d)
}

func (a *App) GetPendingApprovals(ctx context.Context, approverID string) ([]schema.ApprovalRecord, error) {
	return a.Executor.ListPendingApprovals(ctx, schema.ApprovalFilter{ApproverID: approverID})
}

// --- triggers ---

// HandleWebhook starts the workflow registered for path; nil, nil when none is.
func (a *App) HandleWebhook(ctx context.Context, path string, payload map[string]any) (*schema.Execution, error) {
	return a.Dispatcher.HandleWebhook(ctx, path, payload)
}

// PublishEvent hands a domain event to the bus, whose consumer starts the
// matching workflows. Without a bus the event is dispatched inline.
func (a *App) PublishEvent(ctx context.Context, name string, payload map[string]any) error {
	if a.bus == nil {
		_, err := a.Dispatcher.HandleEvent(ctx, name, payload)
		return err
	}
	return a.bus.PublishDomainEvent(ctx, schema.DomainEvent{Name: name, Payload: payload})
}

// DispatchEvent starts the matching workflows inline and returns their executions.
func (a *App) DispatchEvent(ctx context.Context, name string, payload map[string]any) ([]*schema.Execution, error) {
	return a.Dispatcher.HandleEvent(ctx, name, payload)
}

// --- analytics and notifications ---

// GetAnalytics works for deleted workflows too; their executions are kept.
func (a *App) GetAnalytics(ctx context.Context, workflowID string) (*schema.WorkflowAnalytics, error) {
	return a.Analytics.GetAnalytics(ctx, workflowID)
}

// Subscribe streams lifecycle notifications matching filter until ctx is done
// or the returned cancel func is called.
func (a *App) Subscribe(ctx context.Context, filter streaming.Filter) (<-chan schema.Notification, func(), error) {
	return a.Hub.Subscribe(ctx, filter)
}

// Diagram models a workflow for rendering. With an executionID it models the
// version that execution ran, overlaid with its step results.
func (a *App) Diagram(ctx context.Context, workflowID, executionID string) (*diagram.DiagramModel, error) {
	if executionID == "" {
		wf, err := a.Catalog.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		return diagram.Build(wf, nil)
	}
	exec, err := a.Executor.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if workflowID != "" && workflowID != exec.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "execution %s does not belong to workflow %s", executionID, workflowID)
	}
	wf, err := a.store.GetWorkflowVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	return diagram.Build(wf, exec)
}

// PoolMetrics reports the event fan-out worker pool counters.
func (a *App) PoolMetrics() engine.PoolMetrics {
	return a.pool.Metrics()
}
