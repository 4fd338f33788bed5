package schema

import "time"

// Lifecycle notification types published for external subscribers.
const (
	NotifyWorkflowCreated   = "workflow.created"
	NotifyWorkflowUpdated   = "workflow.updated"
	NotifyWorkflowActivated = "workflow.activated"
	NotifyWorkflowPaused    = "workflow.paused"
	NotifyWorkflowArchived  = "workflow.archived"
	NotifyWorkflowDeleted   = "workflow.deleted"

	NotifyExecutionStarted   = "execution.started"
	NotifyExecutionCompleted = "execution.completed"
	NotifyExecutionFailed    = "execution.failed"
	NotifyExecutionCancelled = "execution.cancelled"

	NotifyApprovalRequested = "approval.requested"
	NotifyApprovalDecided   = "approval.decided"
)

// Notification is a lifecycle notification.
type Notification struct {
	Type        string         `json:"type"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DomainEvent is a named business event that may start EVENT-triggered workflows.
type DomainEvent struct {
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowPaused   WorkflowStatus = "PAUSED"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)
