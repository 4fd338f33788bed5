package store

import (
	"context"

	"github.com/rendis/bizflow/pkg/schema"
)

// WorkflowStore persists workflow definitions. Every saved version is retained so
// that executions pinned to an older version can still be resumed.
type WorkflowStore interface {
	// SaveWorkflow upserts the (ID, Version) snapshot. The highest version is the current one.
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter schema.WorkflowFilter) ([]*schema.Workflow, error)
	// DeleteWorkflow removes every version.
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore persists executions and their pending approvals.
// Executions are never deleted.
type ExecutionStore interface {
	// SaveExecution upserts the execution and its approval records.
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	// ListExecutions returns newest first.
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error)
	ListPendingApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]schema.ApprovalRecord, error)
}

// TemplateStore persists the workflow template catalog.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	// ListTemplates returns all templates, or those of one category.
	ListTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error)
	// IncrementTemplateUsage adds one to the usage counter and returns the updated template.
	IncrementTemplateUsage(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore
	TemplateStore

	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
