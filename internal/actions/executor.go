package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/secrets"
	"github.com/rendis/bizflow/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

type handlerFunc func(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error)

// Executor runs ACTION payloads by dispatching to one adapter per action kind.
type Executor struct {
	caps     Capabilities
	custom   *Registry
	breakers *breakers
	exprs    *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	vault    secrets.Vault
	logger   *slog.Logger
	maxBody  int64
	handlers map[schema.ActionType]handlerFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreakerConfig overrides the circuit breaker settings.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(e *Executor) { e.breakers = newBreakers(cfg) }
}

// WithMaxResponseBody caps how much of an API_CALL response is read.
func WithMaxResponseBody(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxBody = n
		}
	}
}

// WithRegistry shares a custom handler registry.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) { e.custom = r }
}

// WithVault resolves {{secrets.KEY}} references in action configs.
func WithVault(v secrets.Vault) Option {
	return func(e *Executor) { e.vault = v }
}

// NewExecutor creates an Executor over the given capabilities.
func NewExecutor(caps Capabilities, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		caps:     caps,
		custom:   NewRegistry(),
		breakers: newBreakers(DefaultBreakerConfig()),
		exprs:    expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
		logger:   logger.With("module", "actions"),
		maxBody:  defaultMaxResponseBody,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[schema.ActionType]handlerFunc{
		schema.ActionSendEmail:        e.sendEmail,
		schema.ActionSendNotification: e.sendNotification,
		schema.ActionAPICall:          e.apiCall,
		schema.ActionDataUpdate:       e.dataUpdate,
		schema.ActionGenerateDocument: e.generateDocument,
		schema.ActionIntegration:      e.integration,
		schema.ActionCustom:           e.customAction,
	}
	return e
}

// RegisterCustom registers a CUSTOM action handler.
func (e *Executor) RegisterCustom(name string, h CustomHandler) error {
	return e.custom.Register(name, h)
}

// CircuitState reports the breaker state of a capability key.
func (e *Executor) CircuitState(key string) CircuitState {
	return e.breakers.state(key)
}

// Execute runs one action. Config strings are interpolated against a snapshot
// of the variables (plus any referenced secrets) first. The returned value is
// the adapter's result, nil when the capability returns nothing.
func (e *Executor) Execute(ctx context.Context, action schema.Action, ec ExecutionContext) (any, error) {
	h, ok := e.handlers[action.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", action.Type)
	}

	vars := ec.Variables()
	if refs := secrets.References(action.Config); len(refs) > 0 {
		resolved, err := secrets.Lookup(ctx, e.vault, refs)
		if err != nil {
			return nil, err
		}
		// Secrets live only in this interpolation scope, never in the run's variables.
		scoped := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			scoped[k] = v
		}
		scoped["secrets"] = resolved
		vars = scoped
	}
	config, _ := expressions.InterpolateValue(action.Config, vars).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	if action.Timeout != "" {
		d, err := time.ParseDuration(action.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid action timeout %q", action.Timeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	key := breakerKey(action.Type, config)
	if err := e.breakers.allow(key); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := h(ctx, config, ec)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "%s timed out after %s", action.Type, action.Timeout).WithCause(err)
		}
		if countsAsFailure(err) {
			if e.breakers.failure(key) == CircuitOpen {
				logging.LogWith(ctx, e.logger).WarnContext(ctx, "circuit opened", "capability", key)
			}
		}
		return nil, err
	}
	e.breakers.success(key)
	logging.LogWith(ctx, e.logger).DebugContext(ctx, "action completed",
		"type", action.Type, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func breakerKey(t schema.ActionType, config map[string]any) string {
	switch t {
	case schema.ActionCustom:
		return string(t) + ":" + stringParam(config, "handler", "")
	case schema.ActionIntegration:
		return string(t) + ":" + stringParam(config, "provider", "")
	default:
		return string(t)
	}
}

// Configuration mistakes and missing capabilities do not trip the breaker.
func countsAsFailure(err error) bool {
	return !schema.IsCode(err, schema.ErrCodeValidation) && !schema.IsCode(err, schema.ErrCodeActionUnavailable)
}

func unavailable(t schema.ActionType, capability string) error {
	return schema.NewErrorf(schema.ErrCodeActionUnavailable, "%s: no %s configured", t, capability)
}

func missingParam(t schema.ActionType, name string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required config %q", t, name)
}
