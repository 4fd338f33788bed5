package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

func newTestApp(t *testing.T, opts Options) *App {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Capabilities == (actions.Capabilities{}) {
		opts.Capabilities = actions.LoggingCapabilities(nil)
	}
	opts.Breaker = &actions.BreakerConfig{}
	opts.Engine = engine.Config{RetryBaseDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond, DefaultPollInterval: 5 * time.Millisecond}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestInvoiceApprovalEndToEnd(t *testing.T) {
	a := newTestApp(t, Options{SeedTemplates: true})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() { assert.NoError(t, a.Close()) }()
	assert.Error(t, a.Start(ctx))

	templates, err := a.GetTemplates(ctx, "finance")
	require.NoError(t, err)
	assert.Len(t, templates, 2)

	wf, err := a.CreateFromTemplate(ctx, "invoice-approval", schema.TemplateOverrides{OwnerID: "owner-1"})
	require.NoError(t, err)
	_, err = a.ActivateWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	notes, stop, err := a.Subscribe(ctx, streaming.Filter{WorkflowID: wf.ID, Types: []string{schema.NotifyApprovalRequested}})
	require.NoError(t, err)
	defer stop()

	execs, err := a.DispatchEvent(ctx, "invoice.created", map[string]any{
		"amount": 9000, "clientEmail": "client@firma.ro", "invoiceNumber": "F-102",
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, schema.ExecutionWaitingApproval, exec.Status)
	assert.Equal(t, schema.TriggerEvent, exec.TriggerType)
	assert.Equal(t, "invoice.created", exec.TriggerData["event"])
	assert.Equal(t, "RON", exec.Variables["currency"])

	select {
	case n := <-notes:
		assert.Equal(t, exec.ID, n.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no approval.requested notification")
	}

	pending, err := a.GetPendingApprovals(ctx, "finance-manager")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, exec.ID, pending[0].ExecutionID)

	// Small invoices skip the approval entirely.
	small, err := a.DispatchEvent(ctx, "invoice.created", map[string]any{
		"amount": 100, "clientEmail": "client@firma.ro", "invoiceNumber": "F-103",
	})
	require.NoError(t, err)
	require.Len(t, small, 1)
	assert.Equal(t, schema.ExecutionCompleted, small[0].Status)
	assert.Equal(t, "APPROVED", small[0].Variables["invoice_status"])

	rec, err := a.HandleApproval(ctx, schema.ApprovalDecision{
		ExecutionID: exec.ID, ApprovalID: pending[0].ID,
		Decision: schema.ApprovalApproved, ApproverID: "finance-manager", Comment: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, rec.Status)

	got, err := a.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, "APPROVED", got.Variables["invoice_status"])

	pending, err = a.GetPendingApprovals(ctx, "finance-manager")
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := a.GetExecutions(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := a.GetAnalytics(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalExecutions)
	assert.Equal(t, 2, stats.SuccessfulExecutions)
	assert.InDelta(t, 100.0, stats.SuccessRate, 1e-9)

	tpl, err := a.Catalog.GetTemplate(ctx, "invoice-approval")
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.UsageCount)
}

func webhookDto() *schema.CreateWorkflowDto {
	return &schema.CreateWorkflowDto{
		Name: "Order received",
		Triggers: []schema.Trigger{
			{ID: "hook", Type: schema.TriggerWebhook, WebhookPath: "/hooks/orders",
				PayloadSchema: `{"type":"object","required":["orderId"]}`},
		},
		Steps: []schema.Step{
			{ID: "record", Name: "record", Type: schema.StepTypeAction, Order: 0,
				Action: &schema.Action{Type: schema.ActionDataUpdate, Config: map[string]any{
					"entity": "order", "field": "id", "valueExpr": "orderId",
				}}},
			{ID: "tag", Name: "tag", Type: schema.StepTypeAction, Order: 1,
				Action: &schema.Action{Type: schema.ActionCustom, Config: map[string]any{"handler": "tagOrder"}}},
		},
	}
}

func TestWebhookAndCustomHandler(t *testing.T) {
	var calls atomic.Int32
	a := newTestApp(t, Options{CustomHandlers: map[string]actions.CustomHandler{
		"tagOrder": func(_ context.Context, _ map[string]any, ec actions.ExecutionContext) (any, error) {
			calls.Add(1)
			ec.SetVariable("tagged", true)
			return map[string]any{"ok": true}, nil
		},
	}})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() { assert.NoError(t, a.Close()) }()

	wf, err := a.CreateWorkflow(ctx, webhookDto())
	require.NoError(t, err)

	// Draft workflows do not listen on their webhook.
	exec, err := a.HandleWebhook(ctx, "/hooks/orders", map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	assert.Nil(t, exec)

	_, err = a.ActivateWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	exec, err = a.HandleWebhook(ctx, "/hooks/orders", map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status, exec.Error)
	assert.Equal(t, "o-1", exec.Variables["order_id"])
	assert.Equal(t, true, exec.Variables["tagged"])
	assert.Equal(t, map[string]any{"orderId": "o-1"}, exec.TriggerData["payload"])
	assert.EqualValues(t, 1, calls.Load())

	_, err = a.HandleWebhook(ctx, "/hooks/orders", map[string]any{"nope": true})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = a.PauseWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	exec, err = a.HandleWebhook(ctx, "/hooks/orders", map[string]any{"orderId": "o-2"})
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestPublishEventWithoutBus(t *testing.T) {
	a := newTestApp(t, Options{})
	ctx := context.Background()
	defer func() { assert.NoError(t, a.Close()) }()

	wf, err := a.CreateWorkflow(ctx, &schema.CreateWorkflowDto{
		Name:     "Client welcome",
		Triggers: []schema.Trigger{{ID: "t", Type: schema.TriggerEvent, Event: "client.created"}},
		Steps: []schema.Step{{ID: "hello", Name: "hello", Type: schema.StepTypeAction, Order: 0,
			Action: &schema.Action{Type: schema.ActionSendEmail, Config: map[string]any{"to": "{{email}}"}}}},
	})
	require.NoError(t, err)
	_, err = a.ActivateWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	require.NoError(t, a.PublishEvent(ctx, "client.created", map[string]any{"email": "new@client.ro"}))

	execs, err := a.GetExecutions(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecutionCompleted, execs[0].Status)
	assert.GreaterOrEqual(t, a.PoolMetrics().Completed, int64(1))
}

func TestStartRegistersActiveWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := newTestApp(t, Options{Store: st})
	wf, err := first.CreateWorkflow(ctx, webhookDto())
	require.NoError(t, err)
	_, err = first.ActivateWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	// A second app over the same store picks the trigger up on Start.
	second := newTestApp(t, Options{Store: st, CustomHandlers: map[string]actions.CustomHandler{
		"tagOrder": func(context.Context, map[string]any, actions.ExecutionContext) (any, error) { return nil, nil },
	}})
	require.NoError(t, second.Start(ctx))
	defer func() { assert.NoError(t, second.Close()) }()
	assert.Equal(t, 1, second.Dispatcher.Registrations()[schema.TriggerWebhook])

	exec, err := second.HandleWebhook(ctx, "/hooks/orders", map[string]any{"orderId": "o-9"})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status, exec.Error)
}

func TestDiagram(t *testing.T) {
	a := newTestApp(t, Options{SeedTemplates: true})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() { assert.NoError(t, a.Close()) }()

	wf, err := a.CreateFromTemplate(ctx, "invoice-approval", schema.TemplateOverrides{})
	require.NoError(t, err)

	model, err := a.Diagram(ctx, wf.ID, "")
	require.NoError(t, err)
	assert.Contains(t, model.Title, "(v1)")
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
	}

	_, err = a.ActivateWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	execs, err := a.DispatchEvent(ctx, "invoice.created", map[string]any{
		"amount": 100, "clientEmail": "client@firma.ro", "invoiceNumber": "F-1",
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	model, err = a.Diagram(ctx, "", execs[0].ID)
	require.NoError(t, err)
	overlaid := 0
	for _, n := range model.Nodes {
		if n.Status != nil {
			overlaid++
		}
	}
	assert.Positive(t, overlaid)

	_, err = a.Diagram(ctx, "other-workflow", execs[0].ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
