package engine

import (
	"github.com/rendis/bizflow/pkg/schema"
)

// Lifecycle is a transition table over a string-like status type.
type Lifecycle[S ~string] struct {
	name        string
	transitions map[S][]S
}

// Can reports whether from -> to is allowed.
func (l Lifecycle[S]) Can(from, to S) bool {
	for _, allowed := range l.transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Check returns INVALID_TRANSITION when from -> to is not allowed.
func (l Lifecycle[S]) Check(id string, from, to S) error {
	if l.Can(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid %s transition: %s -> %s", l.name, from, to).
		WithDetails(map[string]any{"id": id, "from": string(from), "to": string(to)})
}

// Targets lists the states reachable from from.
func (l Lifecycle[S]) Targets(from S) []S {
	return append([]S(nil), l.transitions[from]...)
}

// WorkflowLifecycle governs workflow definitions. ARCHIVED is terminal.
var WorkflowLifecycle = Lifecycle[schema.WorkflowStatus]{
	name: "workflow",
	transitions: map[schema.WorkflowStatus][]schema.WorkflowStatus{
		schema.WorkflowDraft:    {schema.WorkflowActive, schema.WorkflowArchived},
		schema.WorkflowActive:   {schema.WorkflowPaused, schema.WorkflowArchived},
		schema.WorkflowPaused:   {schema.WorkflowActive, schema.WorkflowArchived},
		schema.WorkflowArchived: {},
	},
}

// ExecutionLifecycle governs executions. WAITING_APPROVAL is a parked RUNNING.
var ExecutionLifecycle = Lifecycle[schema.ExecutionStatus]{
	name: "execution",
	transitions: map[schema.ExecutionStatus][]schema.ExecutionStatus{
		schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionCancelled},
		schema.ExecutionRunning: {
			schema.ExecutionWaitingApproval, schema.ExecutionCompleted,
			schema.ExecutionFailed, schema.ExecutionCancelled,
		},
		schema.ExecutionWaitingApproval: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
		schema.ExecutionCompleted:       {},
		schema.ExecutionFailed:          {},
		schema.ExecutionCancelled:       {},
	},
}
