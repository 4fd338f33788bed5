package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/bizflow/pkg/schema"
)

// GetTemplates lists templates, optionally of one category.
func (c *Catalog) GetTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error) {
	return c.store.ListTemplates(ctx, category)
}

// GetTemplate returns one template.
func (c *Catalog) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	tpl, err := c.store.GetTemplate(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Template %s not found", id)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load template").WithCause(err)
	}
	return tpl, nil
}

// CreateFromTemplate creates a workflow from a template's definition with
// overrides applied, then counts one use of the template.
func (c *Catalog) CreateFromTemplate(ctx context.Context, templateID string, overrides schema.TemplateOverrides) (*schema.Workflow, error) {
	tpl, err := c.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	dto := overrides.Apply(tpl.Definition)
	wf, err := c.CreateWorkflow(ctx, &dto)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.IncrementTemplateUsage(ctx, templateID); err != nil {
		c.logger.ErrorContext(ctx, "increment template usage",
			slog.String("template_id", templateID), slog.String("error", err.Error()))
	}
	return wf, nil
}

// ImportTemplate stores a template document: the template fields plus a
// "definition" holding a workflow definition document. The usage counter of
// an existing template is kept.
func (c *Catalog) ImportTemplate(ctx context.Context, raw []byte) (*schema.WorkflowTemplate, error) {
	var doc struct {
		schema.WorkflowTemplate
		Definition json.RawMessage `json:"definition"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode template").WithCause(err)
	}
	if strings.TrimSpace(doc.ID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template id is required")
	}
	dto, err := c.decodeDefinition(doc.Definition)
	if err != nil {
		return nil, err
	}
	tpl := doc.WorkflowTemplate
	tpl.Definition = *dto
	tpl.UsageCount = 0
	if existing, err := c.store.GetTemplate(ctx, tpl.ID); err == nil {
		tpl.UsageCount = existing.UsageCount
	}
	if err := c.saveTemplate(ctx, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// SeedTemplates stores the built-in templates that are not in the store yet
// and returns how many were added.
func (c *Catalog) SeedTemplates(ctx context.Context) (int, error) {
	seeded := 0
	for _, tpl := range BuiltinTemplates() {
		if _, err := c.store.GetTemplate(ctx, tpl.ID); err == nil {
			continue
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return seeded, schema.NewError(schema.ErrCodeStore, "load template").WithCause(err)
		}
		if err := c.saveTemplate(ctx, tpl); err != nil {
			return seeded, err
		}
		seeded++
	}
	if seeded > 0 {
		c.logger.InfoContext(ctx, "templates seeded", slog.Int("count", seeded))
	}
	return seeded, nil
}

func (c *Catalog) saveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	if err := c.validator.ValidateCreate(&tpl.Definition); err != nil {
		return err
	}
	if tpl.Category == "" {
		tpl.Category = tpl.Definition.Category
	}
	if err := c.store.SaveTemplate(ctx, tpl); err != nil {
		return schema.NewError(schema.ErrCodeStore, "save template").WithCause(err)
	}
	return nil
}

func intPtr(n int) *int { return &n }

// BuiltinTemplates returns the templates shipped with bizflow.
func BuiltinTemplates() []*schema.WorkflowTemplate {
	return []*schema.WorkflowTemplate{
		{
			ID:            "invoice-approval",
			Name:          "Invoice approval",
			NameRo:        "Aprobare factură",
			Description:   "Routes large invoices to a finance manager before they are sent to the client.",
			DescriptionRo: "Trimite facturile mari spre aprobare managerului financiar înainte de emitere.",
			Category:      "finance",
			Definition: schema.CreateWorkflowDto{
				Name:     "Invoice approval",
				NameRo:   "Aprobare factură",
				Category: "finance",
				Tags:     []string{"invoices", "approval"},
				Variables: map[string]any{
					"currency": "RON",
				},
				Triggers: []schema.Trigger{
					{ID: "invoice-created", Type: schema.TriggerEvent, Event: "invoice.created"},
				},
				Steps: []schema.Step{
					{
						ID: "check-amount", Name: "Check amount", Type: schema.StepTypeCondition, Order: 0,
						Conditions: []schema.Condition{
							{Field: "amount", Operator: schema.OpGreaterThan, Value: 5000},
						},
						TrueBranch: "manager-approval", FalseBranch: "mark-approved",
					},
					{
						ID: "manager-approval", Name: "Manager approval", Type: schema.StepTypeApproval, Order: 1,
						Approval: &schema.ApprovalConfig{Approvers: []string{"finance-manager"}, RequiredApprovals: 1, TimeoutHours: 48},
					},
					{
						ID: "mark-approved", Name: "Mark invoice approved", Type: schema.StepTypeAction, Order: 2,
						Action: &schema.Action{Type: schema.ActionDataUpdate, Config: map[string]any{
							"entity": "invoice", "field": "status", "value": "APPROVED",
						}},
					},
					{
						ID: "send-invoice", Name: "Send invoice", Type: schema.StepTypeAction, Order: 3,
						Action: &schema.Action{Type: schema.ActionSendEmail, RetryOnFailure: true, MaxRetries: 3, Config: map[string]any{
							"to":         "{{clientEmail}}",
							"subject":    "Factura {{invoiceNumber}}",
							"templateId": "invoice-issued",
						}},
					},
				},
			},
		},
		{
			ID:            "client-onboarding",
			Name:          "Client onboarding",
			NameRo:        "Înrolare client",
			Description:   "Welcomes a new client, prepares the service agreement and schedules a follow-up.",
			DescriptionRo: "Întâmpină clientul nou, generează contractul și programează revenirea.",
			Category:      "clients",
			Definition: schema.CreateWorkflowDto{
				Name:     "Client onboarding",
				NameRo:   "Înrolare client",
				Category: "clients",
				Tags:     []string{"clients", "onboarding"},
				Triggers: []schema.Trigger{
					{ID: "client-created", Type: schema.TriggerEvent, Event: "client.created"},
					{ID: "manual", Type: schema.TriggerManual},
				},
				Steps: []schema.Step{
					{
						ID: "welcome", Name: "Welcome email", Type: schema.StepTypeAction, Order: 0,
						Action: &schema.Action{Type: schema.ActionSendEmail, Config: map[string]any{
							"to": "{{email}}", "subject": "Bun venit, {{name}}!", "templateId": "client-welcome",
						}},
					},
					{
						ID: "prepare", Name: "Prepare documents", Type: schema.StepTypeParallel, Order: 1,
						ParallelSteps: []string{"agreement", "notify-team"},
					},
					{
						ID: "agreement", Name: "Generate service agreement", Type: schema.StepTypeAction, Order: 2,
						Action: &schema.Action{Type: schema.ActionGenerateDocument, Config: map[string]any{
							"templateId": "service-agreement", "format": "pdf",
							"data": map[string]any{"client": "{{name}}", "cui": "{{cui}}"}, "resultVariable": "agreement",
						}},
					},
					{
						ID: "notify-team", Name: "Notify account team", Type: schema.StepTypeAction, Order: 3,
						Action: &schema.Action{Type: schema.ActionSendNotification, Config: map[string]any{
							"recipients": []any{"account-managers"}, "channel": "in_app",
							"title": "Client nou", "message": "{{name}} a fost înrolat.",
						}},
					},
					{
						ID: "follow-up-delay", Name: "Wait three days", Type: schema.StepTypeWait, Order: 4,
						Wait: &schema.WaitConfig{Duration: "72h"},
					},
					{
						ID: "follow-up", Name: "Follow-up email", Type: schema.StepTypeAction, Order: 5,
						Action: &schema.Action{Type: schema.ActionSendEmail, Config: map[string]any{
							"to": "{{email}}", "subject": "Cum vă putem ajuta?", "templateId": "client-follow-up",
						}},
					},
				},
			},
		},
		{
			ID:            "overdue-invoice-reminder",
			Name:          "Overdue invoice reminder",
			NameRo:        "Reamintire facturi restante",
			Description:   "Every weekday morning, reminds clients of their overdue invoices.",
			DescriptionRo: "În fiecare dimineață lucrătoare, reamintește clienților facturile restante.",
			Category:      "finance",
			Definition: schema.CreateWorkflowDto{
				Name:     "Overdue invoice reminder",
				NameRo:   "Reamintire facturi restante",
				Category: "finance",
				Tags:     []string{"invoices", "reminders"},
				Variables: map[string]any{
					"billingApiUrl": "http://localhost:8081/api",
				},
				Triggers: []schema.Trigger{
					{ID: "weekday-morning", Type: schema.TriggerSchedule, Schedule: "0 9 * * 1-5"},
				},
				Steps: []schema.Step{
					{
						ID: "fetch-overdue", Name: "Fetch overdue invoices", Type: schema.StepTypeAction, Order: 0,
						Action: &schema.Action{Type: schema.ActionAPICall, RetryOnFailure: true, Timeout: "30s", Config: map[string]any{
							"method": "GET", "url": "{{billingApiUrl}}/invoices?status=overdue",
							"responsePath": ".items", "resultVariable": "overdue",
						}},
					},
					{
						ID: "remind-each", Name: "Remind each client", Type: schema.StepTypeLoop, Order: 1,
						Loop: &schema.LoopConfig{
							Collection: "overdue", ItemVariable: "invoice", MaxIterations: intPtr(100),
							Body: []string{"remind"},
						},
					},
					{
						ID: "remind", Name: "Reminder email", Type: schema.StepTypeAction, Order: 2,
						OnError: schema.OnErrorContinue,
						Action: &schema.Action{Type: schema.ActionSendEmail, Config: map[string]any{
							"to": "{{invoice.clientEmail}}", "subject": "Factura {{invoice.number}} este restantă",
							"templateId": "invoice-overdue",
						}},
					},
				},
			},
		},
		{
			ID:            "efactura-submission",
			Name:          "e-Factura submission",
			NameRo:        "Transmitere e-Factura",
			Description:   "Submits an issued invoice to ANAF e-Factura and waits for the processing result.",
			DescriptionRo: "Transmite factura emisă în SPV e-Factura și așteaptă rezultatul procesării.",
			Category:      "compliance",
			Definition: schema.CreateWorkflowDto{
				Name:     "e-Factura submission",
				NameRo:   "Transmitere e-Factura",
				Category: "compliance",
				Tags:     []string{"anaf", "efactura"},
				Triggers: []schema.Trigger{
					{ID: "invoice-issued", Type: schema.TriggerEvent, Event: "invoice.issued",
						Conditions: []schema.Condition{{Field: "country", Operator: schema.OpEquals, Value: "RO"}}},
				},
				Steps: []schema.Step{
					{
						ID: "generate-xml", Name: "Generate UBL XML", Type: schema.StepTypeAction, Order: 0,
						Action: &schema.Action{Type: schema.ActionGenerateDocument, Config: map[string]any{
							"templateId": "ubl-invoice", "format": "xml",
							"data": map[string]any{"invoiceId": "{{invoiceId}}"}, "resultVariable": "ublXml",
						}},
					},
					{
						ID: "upload", Name: "Upload to SPV", Type: schema.StepTypeAction, Order: 1,
						OnError: schema.OnErrorRetry,
						Action: &schema.Action{Type: schema.ActionIntegration, MaxRetries: 5, Timeout: "1m", Config: map[string]any{
							"provider": "anaf-efactura", "operation": "upload",
							"params": map[string]any{"cif": "{{companyCif}}", "document": "{{ublXml}}"}, "resultVariable": "upload",
						}},
					},
					{
						ID: "await-processing", Name: "Await ANAF processing", Type: schema.StepTypeWait, Order: 2,
						Wait: &schema.WaitConfig{Until: `upload?.status in ["ok", "nok"]`, PollInterval: "5m", Timeout: "48h"},
						OnError: schema.OnErrorGoto, ErrorGotoStep: "alert",
					},
					{
						ID: "check-result", Name: "Accepted?", Type: schema.StepTypeCondition, Order: 3,
						Conditions: []schema.Condition{{Field: "upload.status", Operator: schema.OpEquals, Value: "ok"}},
						TrueBranch: "record", FalseBranch: "alert",
					},
					{
						ID: "record", Name: "Record upload index", Type: schema.StepTypeAction, Order: 4,
						NextStep: "finalize",
						Action: &schema.Action{Type: schema.ActionDataUpdate, Config: map[string]any{
							"entity": "invoice", "field": "efacturaIndex", "valueExpr": "upload?.index",
						}},
					},
					{
						ID: "alert", Name: "Alert accounting", Type: schema.StepTypeAction, Order: 5,
						Action: &schema.Action{Type: schema.ActionSendNotification, Config: map[string]any{
							"recipients": []any{"accounting"}, "channel": "email",
							"title": "e-Factura respinsă", "message": "Factura {{invoiceId}} nu a fost acceptată de ANAF.",
						}},
					},
					{
						ID: "finalize", Name: "Record e-Factura status", Type: schema.StepTypeAction, Order: 6,
						Action: &schema.Action{Type: schema.ActionDataUpdate, Config: map[string]any{
							"entity": "invoice", "field": "efacturaStatus",
							"valueExpr": `upload?.status == "ok" ? "SUBMITTED" : "REJECTED"`,
						}},
					},
				},
			},
		},
	}
}
