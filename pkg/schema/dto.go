package schema

import "time"

// CreateWorkflowDto is the input of workflow creation. Step and trigger IDs are
// caller-local keys: they are used to resolve references between steps and are
// replaced by minted ids when the workflow is stored.
type CreateWorkflowDto struct {
	Name          string         `json:"name"`
	NameRo        string         `json:"name_ro,omitempty"`
	Description   string         `json:"description,omitempty"`
	DescriptionRo string         `json:"description_ro,omitempty"`
	Category      string         `json:"category,omitempty" validate:"omitempty,max=64"`
	Triggers      []Trigger      `json:"triggers,omitempty" validate:"dive"`
	Steps         []Step         `json:"steps" validate:"dive"`
	Variables     map[string]any `json:"variables,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Tags          []string       `json:"tags,omitempty" validate:"dive,required"`
}

// UpdateWorkflowDto is a partial update. Nil fields are left unchanged; a non-nil
// Steps or Triggers slice replaces the stored list wholesale.
type UpdateWorkflowDto struct {
	Name          *string        `json:"name,omitempty"`
	NameRo        *string        `json:"name_ro,omitempty"`
	Description   *string        `json:"description,omitempty"`
	DescriptionRo *string        `json:"description_ro,omitempty"`
	Category      *string        `json:"category,omitempty"`
	Triggers      []Trigger      `json:"triggers,omitempty"`
	Steps         []Step         `json:"steps,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
}

// WorkflowFilter narrows ListWorkflows. Zero fields match everything.
type WorkflowFilter struct {
	Status   WorkflowStatus `json:"status,omitempty"`
	Category string         `json:"category,omitempty"`
	OwnerID  string         `json:"owner_id,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Search   string         `json:"search,omitempty"` // case-insensitive match on name and name_ro
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     ExecutionStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// ApprovalFilter narrows ListPendingApprovals.
type ApprovalFilter struct {
	ApproverID    string     `json:"approver_id,omitempty"`
	ExecutionID   string     `json:"execution_id,omitempty"`
	ExpiredBefore *time.Time `json:"expired_before,omitempty"`
}

// ExecuteRequest starts one execution.
type ExecuteRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	TriggeredBy string         `json:"triggered_by"`
	TriggerType TriggerType    `json:"trigger_type,omitempty"` // default: MANUAL
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// ApprovalDecision resolves one pending approval.
type ApprovalDecision struct {
	ExecutionID string         `json:"execution_id"`
	ApprovalID  string         `json:"approval_id"`
	Decision    ApprovalStatus `json:"decision"`
	ApproverID  string         `json:"approver_id"`
	Comment     string         `json:"comment,omitempty"`
}
