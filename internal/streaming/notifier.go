package streaming

import (
	"context"

	"github.com/rendis/bizflow/pkg/schema"
)

// Notifier receives lifecycle notifications. Implementations must not block the
// caller for long and never fail the operation that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n schema.Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n schema.Notification)

func (f NotifierFunc) Notify(ctx context.Context, n schema.Notification) { f(ctx, n) }

// Nop discards notifications.
var Nop Notifier = NotifierFunc(func(context.Context, schema.Notification) {})

// Multi fans a notification out to every non-nil notifier, in order.
func Multi(notifiers ...Notifier) Notifier {
	var list []Notifier
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return multi(list)
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, n schema.Notification) {
	for _, sub := range m {
		sub.Notify(ctx, n)
	}
}

// Filter selects which notifications a subscriber receives. Zero fields match everything.
type Filter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

func (f Filter) match(n schema.Notification) bool {
	if f.WorkflowID != "" && f.WorkflowID != n.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != n.ExecutionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == n.Type {
			return true
		}
	}
	return false
}
