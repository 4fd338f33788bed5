// Package logging carries workflow correlation ids through a context and
// stamps them onto slog records.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey string

// Keys double as log attribute names.
const (
	workflowIDKey  ctxKey = "workflow_id"
	executionIDKey ctxKey = "execution_id"
	stepIDKey      ctxKey = "step_id"
	approvalIDKey  ctxKey = "approval_id"
)

var correlationOrder = [...]ctxKey{workflowIDKey, executionIDKey, stepIDKey, approvalIDKey}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

func WithApprovalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, approvalIDKey, id)
}

// WithExecution sets the workflow and execution ids together.
func WithExecution(ctx context.Context, workflowID, executionID string) context.Context {
	return WithExecutionID(WithWorkflowID(ctx, workflowID), executionID)
}

func WorkflowID(ctx context.Context) string  { return lookup(ctx, workflowIDKey) }
func ExecutionID(ctx context.Context) string { return lookup(ctx, executionIDKey) }
func StepID(ctx context.Context) string      { return lookup(ctx, stepIDKey) }
func ApprovalID(ctx context.Context) string  { return lookup(ctx, approvalIDKey) }

func lookup(ctx context.Context, k ctxKey) string {
	s, _ := ctx.Value(k).(string)
	return s
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(correlationOrder))
	for _, k := range correlationOrder {
		if v := lookup(ctx, k); v != "" {
			attrs = append(attrs, slog.String(string(k), v))
		}
	}
	return attrs
}

// LogWith returns logger with the correlation ids of ctx attached. A logger
// already backed by a CorrelationHandler is returned unchanged.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(*CorrelationHandler); ok {
		return logger
	}
	attrs := correlationAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation ids of each record's context, so
// call sites only need the *Context logging methods.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}

// ParseLevel maps a configured level name to slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
