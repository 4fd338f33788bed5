package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

// mapContext is a minimal ExecutionContext over a plain map.
type mapContext struct {
	mu   sync.Mutex
	vars map[string]any
}

func newMapContext(vars map[string]any) *mapContext {
	if vars == nil {
		vars = map[string]any{}
	}
	return &mapContext{vars: vars}
}

func (c *mapContext) ExecutionID() string { return "ex-1" }
func (c *mapContext) WorkflowID() string  { return "wf-1" }
func (c *mapContext) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schema.CloneMap(c.vars)
}
func (c *mapContext) Lookup(path string) any { return expressions.Resolve(path, c.Variables()) }
func (c *mapContext) SetVariable(key string, value any) {
	c.mu.Lock()
	c.vars[key] = value
	c.mu.Unlock()
}

type recordingCaps struct {
	mu        sync.Mutex
	emails    []Email
	messages  []UserMessage
	invokes   []IntegrationRequest
	documents []DocumentRequest
	err       error
}

func (r *recordingCaps) SendEmail(_ context.Context, e Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, e)
	return r.err
}

func (r *recordingCaps) NotifyUsers(_ context.Context, m UserMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return r.err
}

func (r *recordingCaps) Invoke(_ context.Context, req IntegrationRequest) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokes = append(r.invokes, req)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]any{"uploadId": "anaf-77"}, nil
}

func (r *recordingCaps) Generate(_ context.Context, req DocumentRequest) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents = append(r.documents, req)
	if r.err != nil {
		return nil, r.err
	}
	return &Document{ID: "doc-1", Format: req.Format, URL: "https://docs.example.com/doc-1"}, nil
}

func newTestExecutor(rec *recordingCaps, opts ...Option) *Executor {
	return NewExecutor(Capabilities{
		Email:        rec,
		Notifier:     rec,
		HTTP:         http.DefaultClient,
		Integrations: rec,
		Documents:    rec,
	}, nil, opts...)
}

func TestSendEmail_InterpolatesConfig(t *testing.T) {
	rec := &recordingCaps{}
	exec := newTestExecutor(rec)
	ec := newMapContext(map[string]any{
		"client":  map[string]any{"email": "ana@example.ro", "name": "Ana"},
		"invoice": map[string]any{"number": "F-100"},
	})

	out, err := exec.Execute(context.Background(), schema.Action{
		Type: schema.ActionSendEmail,
		Config: map[string]any{
			"to":      "{{client.email}}",
			"subject": "Invoice {{invoice.number}}",
			"body":    "Hello {{client.name}}",
		},
	}, ec)
	require.NoError(t, err)
	assert.Nil(t, out)

	require.Len(t, rec.emails, 1)
	assert.Equal(t, []string{"ana@example.ro"}, rec.emails[0].To)
	assert.Equal(t, "Invoice F-100", rec.emails[0].Subject)
	assert.Equal(t, "Hello Ana", rec.emails[0].Body)
}

func TestSendEmail_MissingRecipient(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionSendEmail,
		Config: map[string]any{"to": "{{missing}}"},
	}, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSendNotification(t *testing.T) {
	rec := &recordingCaps{}
	exec := newTestExecutor(rec)
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionSendNotification,
		Config: map[string]any{"recipients": []any{"u1", "u2"}, "title": "Overdue"},
	}, newMapContext(nil))
	require.NoError(t, err)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, []string{"u1", "u2"}, rec.messages[0].Recipients)
	assert.Equal(t, "in_app", rec.messages[0].Channel)
}

func TestMissingCapabilityIsUnavailable(t *testing.T) {
	exec := NewExecutor(Capabilities{}, nil)
	for _, at := range []schema.ActionType{
		schema.ActionSendEmail, schema.ActionSendNotification, schema.ActionAPICall,
		schema.ActionGenerateDocument, schema.ActionIntegration,
	} {
		_, err := exec.Execute(context.Background(), schema.Action{Type: at}, newMapContext(nil))
		assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable), string(at))
	}
}

func TestDataUpdate_WritesDerivedKey(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	ec := newMapContext(map[string]any{"status": "paid"})

	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionDataUpdate,
		Config: map[string]any{"entity": "invoice", "field": "status", "value": "{{status}}"},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "paid", ec.Variables()["invoice_status"])
}

func TestDataUpdate_ValueExpr(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	ec := newMapContext(map[string]any{"amount": 1000.0, "vatRate": 0.19})

	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionDataUpdate,
		Config: map[string]any{"entity": "invoice", "field": "vat", "valueExpr": "amount * vatRate"},
	}, ec)
	require.NoError(t, err)
	assert.InDelta(t, 190.0, ec.Variables()["invoice_vat"], 1e-9)
}

func TestAPICall_StoresReducedResult(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"rate": 4.97}})
	}))
	defer srv.Close()

	exec := newTestExecutor(&recordingCaps{})
	ec := newMapContext(map[string]any{"currency": "EUR"})

	out, err := exec.Execute(context.Background(), schema.Action{
		Type: schema.ActionAPICall,
		Config: map[string]any{
			"method":         "post",
			"url":            srv.URL + "/rates",
			"body":           map[string]any{"currency": "{{currency}}"},
			"auth":           map[string]any{"type": "bearer", "token": "tok"},
			"responsePath":   ".data.rate",
			"resultVariable": "rate",
		},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, 4.97, out)
	assert.Equal(t, 4.97, ec.Variables()["rate"])
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.JSONEq(t, `{"currency":"EUR"}`, gotBody)
}

func TestAPICall_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionAPICall,
		Config: map[string]any{"url": srv.URL},
	}, newMapContext(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestAPICall_InvalidURL(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionAPICall,
		Config: map[string]any{"url": "ftp://example.com"},
	}, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAPICall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:    schema.ActionAPICall,
		Config:  map[string]any{"url": srv.URL},
		Timeout: "50ms",
	}, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestInvalidTimeout(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{
		Type:    schema.ActionDataUpdate,
		Config:  map[string]any{"entity": "a", "field": "b"},
		Timeout: "soon",
	}, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGenerateDocument(t *testing.T) {
	rec := &recordingCaps{}
	exec := newTestExecutor(rec)
	ec := newMapContext(map[string]any{"client": "Acme"})

	out, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionGenerateDocument,
		Config: map[string]any{"templateId": "contract", "resultVariable": "contract"},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", out.(map[string]any)["id"])
	require.Len(t, rec.documents, 1)
	assert.Equal(t, "pdf", rec.documents[0].Format)
	assert.Equal(t, "Acme", rec.documents[0].Data["client"], "defaults to the variables")
	assert.NotNil(t, ec.Variables()["contract"])
}

func TestIntegration(t *testing.T) {
	rec := &recordingCaps{}
	exec := newTestExecutor(rec)
	ec := newMapContext(map[string]any{"invoiceId": "inv-9"})

	_, err := exec.Execute(context.Background(), schema.Action{
		Type: schema.ActionIntegration,
		Config: map[string]any{
			"provider":       "anaf",
			"operation":      "upload_invoice",
			"params":         map[string]any{"invoiceId": "{{invoiceId}}"},
			"resultVariable": "efactura",
		},
	}, ec)
	require.NoError(t, err)
	require.Len(t, rec.invokes, 1)
	assert.Equal(t, "inv-9", rec.invokes[0].Params["invoiceId"])
	assert.Equal(t, "anaf-77", ec.Variables()["efactura"].(map[string]any)["uploadId"])
}

func TestCustom_UnregisteredIsNoOp(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	out, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionCustom,
		Config: map[string]any{"handler": "nope"},
	}, newMapContext(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"handler": "nope", "skipped": true}, out)
}

func TestCustom_RegisteredHandler(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	require.NoError(t, exec.RegisterCustom("vat", func(_ context.Context, cfg map[string]any, ec ExecutionContext) (any, error) {
		ec.SetVariable("vat", ec.Lookup("amount").(float64)*0.19)
		return "ok", nil
	}))
	assert.Error(t, exec.RegisterCustom("vat", func(context.Context, map[string]any, ExecutionContext) (any, error) { return nil, nil }))

	ec := newMapContext(map[string]any{"amount": 100.0})
	out, err := exec.Execute(context.Background(), schema.Action{
		Type:   schema.ActionCustom,
		Config: map[string]any{"handler": "vat"},
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.InDelta(t, 19.0, ec.Variables()["vat"], 1e-9)
}

func TestCircuitOpensOnRepeatedCapabilityFailure(t *testing.T) {
	rec := &recordingCaps{err: errors.New("smtp down")}
	exec := newTestExecutor(rec, WithBreakerConfig(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}))
	action := schema.Action{Type: schema.ActionSendEmail, Config: map[string]any{"to": "a@b.c"}}

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), action, newMapContext(nil))
		assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	}
	_, err := exec.Execute(context.Background(), action, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Len(t, rec.emails, 2, "open circuit does not reach the capability")
	assert.Equal(t, CircuitOpen, exec.CircuitState("SEND_EMAIL"))
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{}, WithBreakerConfig(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}))
	action := schema.Action{Type: schema.ActionSendEmail}
	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), action, newMapContext(nil))
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	}
	assert.Equal(t, CircuitClosed, exec.CircuitState("SEND_EMAIL"))
}

func TestUnknownActionType(t *testing.T) {
	exec := newTestExecutor(&recordingCaps{})
	_, err := exec.Execute(context.Background(), schema.Action{Type: "FAX"}, newMapContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
