package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/eventbus"
	"github.com/rendis/bizflow/internal/validation"
	"github.com/rendis/bizflow/pkg/schema"
)

// fakeRunner records requests and returns a completed execution for each.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []schema.ExecuteRequest
	fail map[string]error
}

func (f *fakeRunner) ExecuteWorkflow(_ context.Context, req schema.ExecuteRequest) (*schema.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.WorkflowID]; err != nil {
		return nil, err
	}
	return &schema.Execution{
		ID:          "exec-" + req.WorkflowID,
		WorkflowID:  req.WorkflowID,
		Status:      schema.ExecutionCompleted,
		TriggerType: req.TriggerType,
		TriggerData: req.TriggerData,
		StartedAt:   time.Now(),
	}, nil
}

func (f *fakeRunner) requests() []schema.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.ExecuteRequest(nil), f.reqs...)
}

func newDispatcher(t *testing.T) (*Dispatcher, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{fail: map[string]error{}}
	pool := engine.NewWorkerPool(4, nil)
	t.Cleanup(pool.Shutdown)
	docs, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	d, err := NewDispatcher(runner, pool, docs, nil)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d, runner
}

func wfWith(id string, triggers ...schema.Trigger) *schema.Workflow {
	return &schema.Workflow{ID: id, Name: id, Status: schema.WorkflowActive, Version: 1, Triggers: triggers}
}

func TestHandleEvent_MatchesConditions(t *testing.T) {
	d, runner := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, wfWith("big", schema.Trigger{
		Type: schema.TriggerEvent, Event: "invoice.created",
		Conditions: []schema.Condition{{Field: "amount", Operator: schema.OpGreaterThan, Value: 1000}},
	})))
	require.NoError(t, d.Register(ctx, wfWith("all", schema.Trigger{Type: schema.TriggerEvent, Event: "invoice.created"})))
	require.NoError(t, d.Register(ctx, wfWith("other", schema.Trigger{Type: schema.TriggerEvent, Event: "client.created"})))

	execs, err := d.HandleEvent(ctx, "invoice.created", map[string]any{"amount": 500})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "all", execs[0].WorkflowID)

	execs, err = d.HandleEvent(ctx, "invoice.created", map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	reqs := runner.requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, schema.TriggerEvent, r.TriggerType)
		assert.Equal(t, "event:invoice.created", r.TriggeredBy)
		assert.Equal(t, "invoice.created", r.TriggerData["event"])
		assert.NotNil(t, r.TriggerData["payload"])
	}
}

func TestHandleEvent_NoMatch(t *testing.T) {
	d, runner := newDispatcher(t)
	execs, err := d.HandleEvent(context.Background(), "nobody.listens", nil)
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Empty(t, runner.requests())

	_, err = d.HandleEvent(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestHandleEvent_ConditionTrigger(t *testing.T) {
	d, runner := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Register(ctx, wfWith("paid", schema.Trigger{
		Type:       schema.TriggerCondition,
		Expression: `event == "invoice.paid" && payload.amount >= 100`,
	})))

	execs, err := d.HandleEvent(ctx, "invoice.paid", map[string]any{"amount": 250})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	execs, err = d.HandleEvent(ctx, "invoice.paid", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Empty(t, execs)

	execs, err = d.HandleEvent(ctx, "invoice.created", map[string]any{"amount": 250})
	require.NoError(t, err)
	assert.Empty(t, execs)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, schema.TriggerCondition, reqs[0].TriggerType)
}

func TestHandleEvent_RunnerErrorsAreJoined(t *testing.T) {
	d, runner := newDispatcher(t)
	ctx := context.Background()
	runner.fail["broken"] = schema.NewError(schema.ErrCodeValidation, "Workflow is not active")

	require.NoError(t, d.Register(ctx, wfWith("ok", schema.Trigger{Type: schema.TriggerEvent, Event: "e"})))
	require.NoError(t, d.Register(ctx, wfWith("broken", schema.Trigger{Type: schema.TriggerEvent, Event: "e"})))

	execs, err := d.HandleEvent(ctx, "e", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow broken")
	require.Len(t, execs, 1)
	assert.Equal(t, "ok", execs[0].WorkflowID)
}

func TestRegister_InvalidTriggers(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	err := d.Register(ctx, wfWith("w", schema.Trigger{Type: schema.TriggerSchedule, Schedule: "whenever"}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = d.Register(ctx, wfWith("w", schema.Trigger{Type: schema.TriggerCondition, Expression: "payload.amount >"}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Error(t, d.Register(ctx, nil))
}

func TestRegister_ReplacesAndDeregisters(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	wf := wfWith("w",
		schema.Trigger{Type: schema.TriggerEvent, Event: "a"},
		schema.Trigger{Type: schema.TriggerSchedule, Schedule: "@hourly"},
		schema.Trigger{Type: schema.TriggerWebhook, WebhookPath: "/hooks/w"},
		schema.Trigger{Type: schema.TriggerCondition, Expression: "true"},
	)
	require.NoError(t, d.Register(ctx, wf))
	// Registering again replaces rather than duplicates.
	require.NoError(t, d.Register(ctx, wf))

	assert.Equal(t, map[schema.TriggerType]int{
		schema.TriggerEvent: 1, schema.TriggerSchedule: 1,
		schema.TriggerWebhook: 1, schema.TriggerCondition: 1,
	}, d.Registrations())

	d.Deregister(ctx, "w")
	assert.Equal(t, map[schema.TriggerType]int{
		schema.TriggerWebhook: 0, schema.TriggerCondition: 0,
	}, d.Registrations())

	exec, err := d.HandleWebhook(ctx, "/hooks/w", nil)
	assert.NoError(t, err)
	assert.Nil(t, exec)
}

func TestWebhook_Conflict(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, wfWith("a", schema.Trigger{Type: schema.TriggerWebhook, WebhookPath: "/hooks/x"})))
	err := d.Register(ctx, wfWith("b",
		schema.Trigger{Type: schema.TriggerEvent, Event: "e"},
		schema.Trigger{Type: schema.TriggerWebhook, WebhookPath: "/hooks/x"},
	))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	// Nothing of b was registered.
	assert.Equal(t, 0, d.Registrations()[schema.TriggerEvent])

	d.Deregister(ctx, "a")
	assert.NoError(t, d.Register(ctx, wfWith("b", schema.Trigger{Type: schema.TriggerWebhook, WebhookPath: "/hooks/x"})))
}

func TestHandleWebhook(t *testing.T) {
	d, runner := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Register(ctx, wfWith("w", schema.Trigger{
		Type: schema.TriggerWebhook, WebhookPath: "/hooks/payment",
		PayloadSchema: `{"type":"object","required":["invoice_id"]}`,
	})))

	exec, err := d.HandleWebhook(ctx, "/hooks/unknown", map[string]any{})
	assert.NoError(t, err)
	assert.Nil(t, exec)

	_, err = d.HandleWebhook(ctx, "/hooks/payment", map[string]any{"amount": 1})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	exec, err = d.HandleWebhook(ctx, "/hooks/payment", map[string]any{"invoice_id": "F-001"})
	require.NoError(t, err)
	require.NotNil(t, exec)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, schema.TriggerWebhook, reqs[0].TriggerType)
	assert.Equal(t, "/hooks/payment", reqs[0].TriggerData["path"])
	assert.Equal(t, map[string]any{"invoice_id": "F-001"}, reqs[0].TriggerData["payload"])
}

func TestSchedule_Fires(t *testing.T) {
	d, runner := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Register(ctx, wfWith("tick", schema.Trigger{Type: schema.TriggerSchedule, Schedule: "@every 1s"})))
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))

	require.Eventually(t, func() bool { return len(runner.requests()) > 0 }, 5*time.Second, 50*time.Millisecond)
	d.Stop()

	req := runner.requests()[0]
	assert.Equal(t, schema.TriggerSchedule, req.TriggerType)
	assert.Equal(t, "schedule", req.TriggeredBy)
	assert.Equal(t, "@every 1s", req.TriggerData["schedule"])
}

func TestConsume(t *testing.T) {
	d, runner := newDispatcher(t)
	bus := eventbus.NewGoChannel(nil)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Register(ctx, wfWith("w", schema.Trigger{Type: schema.TriggerEvent, Event: "client.created"})))
	require.NoError(t, d.Consume(ctx, bus))
	require.NoError(t, bus.PublishDomainEvent(ctx, schema.DomainEvent{Name: "client.created", Payload: map[string]any{"cui": "RO123"}}))

	require.Eventually(t, func() bool { return len(runner.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHasStoreError(t *testing.T) {
	store := schema.NewError(schema.ErrCodeStore, "save execution")
	assert.True(t, hasStoreError(store))
	assert.True(t, hasStoreError(errors.Join(schema.NewError(schema.ErrCodeNotFound, "x"), store)))
	assert.False(t, hasStoreError(errors.Join(schema.NewError(schema.ErrCodeNotFound, "x"))))
	assert.False(t, hasStoreError(nil))
}
