package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("workflow versions", func(t *testing.T) { testWorkflowVersions(t, newStore(t)) })
	t.Run("workflow not found", func(t *testing.T) { testWorkflowNotFound(t, newStore(t)) })
	t.Run("list workflows", func(t *testing.T) { testListWorkflows(t, newStore(t)) })
	t.Run("delete workflow", func(t *testing.T) { testDeleteWorkflow(t, newStore(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("pending approvals", func(t *testing.T) { testPendingApprovals(t, newStore(t)) })
	t.Run("templates", func(t *testing.T) { testTemplates(t, newStore(t)) })
}

func sampleWorkflow(id string, version int) *schema.Workflow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.Workflow{
		ID:       id,
		Name:     "Invoice approval",
		NameRo:   "Aprobare factura",
		Category: "finance",
		Status:   schema.WorkflowDraft,
		Version:  version,
		OwnerID:  "user-1",
		Tags:     []string{"invoices"},
		Steps: []schema.Step{{
			ID:    "step-1",
			Name:  "Notify",
			Type:  schema.StepTypeAction,
			Order: 0,
			Action: &schema.Action{
				Type:   schema.ActionSendEmail,
				Config: map[string]any{"to": "ops@example.com"},
			},
		}},
		Variables: map[string]any{"threshold": 1000.0},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testWorkflowVersions(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()

	v1 := sampleWorkflow(id, 1)
	require.NoError(t, s.SaveWorkflow(ctx, v1))

	v2 := sampleWorkflow(id, 2)
	v2.Name = "Invoice approval v2"
	require.NoError(t, s.SaveWorkflow(ctx, v2))

	got, err := s.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "Invoice approval v2", got.Name)
	assert.Equal(t, 1000.0, got.Variables["threshold"])
	require.Len(t, got.Steps, 1)
	assert.Equal(t, schema.ActionSendEmail, got.Steps[0].Action.Type)

	old, err := s.GetWorkflowVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "Invoice approval", old.Name)

	// Same version overwrites in place.
	v2.Status = schema.WorkflowActive
	require.NoError(t, s.SaveWorkflow(ctx, v2))
	got, err = s.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowActive, got.Status)
	assert.Equal(t, 2, got.Version)
}

func testWorkflowNotFound(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = s.GetWorkflowVersion(ctx, "missing", 3)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.DeleteWorkflow(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testListWorkflows(t *testing.T, s Store) {
	ctx := context.Background()

	a := sampleWorkflow(uuid.NewString(), 1)
	a.Status = schema.WorkflowActive
	b := sampleWorkflow(uuid.NewString(), 1)
	b.Category = "hr"
	b.Name = "Onboarding"
	b.NameRo = "Integrare angajat"
	b.Tags = []string{"people"}
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, s.SaveWorkflow(ctx, a))
	require.NoError(t, s.SaveWorkflow(ctx, b))

	all, err := s.ListWorkflows(ctx, schema.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	active, err := s.ListWorkflows(ctx, schema.WorkflowFilter{Status: schema.WorkflowActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	hr, err := s.ListWorkflows(ctx, schema.WorkflowFilter{Category: "hr", Tag: "people"})
	require.NoError(t, err)
	require.Len(t, hr, 1)
	assert.Equal(t, b.ID, hr[0].ID)

	search, err := s.ListWorkflows(ctx, schema.WorkflowFilter{Search: "integrare"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, b.ID, search[0].ID)

	// Only the newest version of each workflow is listed.
	a2 := sampleWorkflow(a.ID, 2)
	a2.CreatedAt = a.CreatedAt
	require.NoError(t, s.SaveWorkflow(ctx, a2))
	all, err = s.ListWorkflows(ctx, schema.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Version)
}

func testDeleteWorkflow(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow(id, 1)))
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow(id, 2)))

	require.NoError(t, s.DeleteWorkflow(ctx, id))

	_, err := s.GetWorkflow(ctx, id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = s.GetWorkflowVersion(ctx, id, 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func sampleExecution(workflowID string, startedAt time.Time, status schema.ExecutionStatus) *schema.Execution {
	return &schema.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		Status:          status,
		TriggeredBy:     "user-1",
		TriggerType:     schema.TriggerManual,
		Variables:       map[string]any{"amount": 500.0},
		StepResults: []schema.StepResult{{
			StepID:    "step-1",
			StepName:  "Notify",
			Status:    schema.StepCompleted,
			StartedAt: startedAt,
			Output:    map[string]any{"actionCompleted": true},
		}},
		Logs:      []schema.ExecutionLog{{Timestamp: startedAt, Level: schema.LogInfo, Message: "Workflow execution started"}},
		StartedAt: startedAt,
	}
}

func testExecutions(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := sampleExecution("wf-1", base, schema.ExecutionCompleted)
	second := sampleExecution("wf-1", base.Add(time.Minute), schema.ExecutionRunning)
	other := sampleExecution("wf-2", base.Add(2*time.Minute), schema.ExecutionFailed)
	for _, e := range []*schema.Execution{first, second, other} {
		require.NoError(t, s.SaveExecution(ctx, e))
	}

	got, err := s.GetExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, 500.0, got.Variables["amount"])
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, true, got.StepResults[0].Output["actionCompleted"])
	require.Len(t, got.Logs, 1)

	list, err := s.ListExecutions(ctx, schema.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")

	running, err := s.ListExecutions(ctx, schema.ExecutionFilter{Status: schema.ExecutionRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	limited, err := s.ListExecutions(ctx, schema.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, other.ID, limited[0].ID)

	// Upsert keeps one row.
	done := base.Add(3 * time.Minute)
	second.Status = schema.ExecutionCompleted
	second.CompletedAt = &done
	require.NoError(t, s.SaveExecution(ctx, second))
	list, err = s.ListExecutions(ctx, schema.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, schema.ExecutionCompleted, list[0].Status)
	require.NotNil(t, list[0].CompletedAt)
	assert.True(t, done.Equal(*list[0].CompletedAt))

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testPendingApprovals(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	expired := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	exec := sampleExecution("wf-1", now, schema.ExecutionWaitingApproval)
	exec.Approvals = []schema.ApprovalRecord{
		{ID: "ap-1", ExecutionID: exec.ID, StepID: "step-1", ApproverID: "alice", Status: schema.ApprovalPending, RequestedAt: now, ExpiresAt: &expired},
		{ID: "ap-2", ExecutionID: exec.ID, StepID: "step-2", ApproverID: "bob", Status: schema.ApprovalPending, RequestedAt: now.Add(time.Second), ExpiresAt: &later},
		{ID: "ap-3", ExecutionID: exec.ID, StepID: "step-3", ApproverID: "alice", Status: schema.ApprovalApproved, RequestedAt: now},
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	all, err := s.ListPendingApprovals(ctx, schema.ApprovalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ap-1", all[0].ID)

	alice, err := s.ListPendingApprovals(ctx, schema.ApprovalFilter{ApproverID: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "ap-1", alice[0].ID)
	assert.Equal(t, exec.ID, alice[0].ExecutionID)

	due, err := s.ListPendingApprovals(ctx, schema.ApprovalFilter{ExpiredBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ap-1", due[0].ID)

	// Deciding removes it from the pending set.
	decided := now
	exec.Approvals[0].Status = schema.ApprovalRejected
	exec.Approvals[0].DecidedAt = &decided
	require.NoError(t, s.SaveExecution(ctx, exec))
	all, err = s.ListPendingApprovals(ctx, schema.ApprovalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ap-2", all[0].ID)
}

func testTemplates(t *testing.T, s Store) {
	ctx := context.Background()

	tpl := &schema.WorkflowTemplate{
		ID:          "invoice-approval",
		Name:        "Invoice approval",
		Description: "Route large invoices to a manager",
		Category:    "finance",
		Definition:  schema.CreateWorkflowDto{Name: "Invoice approval", Steps: sampleWorkflow("x", 1).Steps},
	}
	require.NoError(t, s.SaveTemplate(ctx, tpl))
	require.NoError(t, s.SaveTemplate(ctx, &schema.WorkflowTemplate{ID: "onboarding", Name: "Onboarding", Category: "hr"}))

	got, err := s.GetTemplate(ctx, "invoice-approval")
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepCount())
	assert.Equal(t, 0, got.UsageCount)

	updated, err := s.IncrementTemplateUsage(ctx, "invoice-approval")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UsageCount)
	updated, err = s.IncrementTemplateUsage(ctx, "invoice-approval")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.UsageCount)

	finance, err := s.ListTemplates(ctx, "finance")
	require.NoError(t, err)
	require.Len(t, finance, 1)
	assert.Equal(t, 2, finance[0].UsageCount)

	all, err := s.ListTemplates(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.IncrementTemplateUsage(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
