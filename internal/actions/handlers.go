package actions

import (
	"context"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

func (e *Executor) sendEmail(ctx context.Context, config map[string]any, _ ExecutionContext) (any, error) {
	if e.caps.Email == nil {
		return nil, unavailable(schema.ActionSendEmail, "email sender")
	}
	email := Email{
		To:         stringSliceParam(config, "to"),
		Cc:         stringSliceParam(config, "cc"),
		Subject:    stringParam(config, "subject", ""),
		Body:       stringParam(config, "body", ""),
		TemplateID: stringParam(config, "templateId", ""),
	}
	if len(email.To) == 0 {
		return nil, missingParam(schema.ActionSendEmail, "to")
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "sending email", "to", email.To, "subject", email.Subject)
	if err := e.caps.Email.SendEmail(ctx, email); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "send email: %v", err).WithCause(err)
	}
	return nil, nil
}

func (e *Executor) sendNotification(ctx context.Context, config map[string]any, _ ExecutionContext) (any, error) {
	if e.caps.Notifier == nil {
		return nil, unavailable(schema.ActionSendNotification, "user notifier")
	}
	msg := UserMessage{
		Recipients: stringSliceParam(config, "recipients"),
		Channel:    stringParam(config, "channel", "in_app"),
		Title:      stringParam(config, "title", ""),
		Message:    stringParam(config, "message", ""),
	}
	if len(msg.Recipients) == 0 {
		return nil, missingParam(schema.ActionSendNotification, "recipients")
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "sending notification",
		"recipients", msg.Recipients, "channel", msg.Channel)
	if err := e.caps.Notifier.NotifyUsers(ctx, msg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "send notification: %v", err).WithCause(err)
	}
	return nil, nil
}

// dataUpdate writes <entity>_<field> into the execution variables.
func (e *Executor) dataUpdate(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error) {
	entity := stringParam(config, "entity", "")
	field := stringParam(config, "field", "")
	if entity == "" {
		return nil, missingParam(schema.ActionDataUpdate, "entity")
	}
	if field == "" {
		return nil, missingParam(schema.ActionDataUpdate, "field")
	}

	value := config["value"]
	if exprStr := stringParam(config, "valueExpr", ""); exprStr != "" {
		v, err := e.exprs.Evaluate(ctx, exprStr, ec.Variables())
		if err != nil {
			return nil, err
		}
		value = v
	}

	key := entity + "_" + field
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "updating data", "variable", key)
	ec.SetVariable(key, value)
	return map[string]any{"variable": key, "value": value}, nil
}

func (e *Executor) generateDocument(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error) {
	if e.caps.Documents == nil {
		return nil, unavailable(schema.ActionGenerateDocument, "document generator")
	}
	req := DocumentRequest{
		TemplateID: stringParam(config, "templateId", ""),
		Format:     stringParam(config, "format", "pdf"),
		Data:       mapParam(config, "data"),
	}
	if req.TemplateID == "" {
		return nil, missingParam(schema.ActionGenerateDocument, "templateId")
	}
	if req.Data == nil {
		req.Data = ec.Variables()
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "generating document",
		"template_id", req.TemplateID, "format", req.Format)
	doc, err := e.caps.Documents.Generate(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "generate document: %v", err).WithCause(err)
	}
	if doc == nil {
		return nil, nil
	}
	result := map[string]any{"id": doc.ID, "format": doc.Format, "url": doc.URL}
	if v := stringParam(config, "resultVariable", ""); v != "" {
		ec.SetVariable(v, result)
	}
	return result, nil
}

func (e *Executor) integration(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error) {
	if e.caps.Integrations == nil {
		return nil, unavailable(schema.ActionIntegration, "integration adapter")
	}
	req := IntegrationRequest{
		Provider:  stringParam(config, "provider", ""),
		Operation: stringParam(config, "operation", ""),
		Params:    mapParam(config, "params"),
	}
	if req.Provider == "" {
		return nil, missingParam(schema.ActionIntegration, "provider")
	}
	if req.Operation == "" {
		return nil, missingParam(schema.ActionIntegration, "operation")
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "invoking integration",
		"provider", req.Provider, "operation", req.Operation)
	result, err := e.caps.Integrations.Invoke(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s.%s: %v", req.Provider, req.Operation, err).WithCause(err)
	}
	if v := stringParam(config, "resultVariable", ""); v != "" {
		ec.SetVariable(v, result)
	}
	return result, nil
}

// customAction dispatches to a registered handler. An unknown handler is a
// logged no-op that reports success.
func (e *Executor) customAction(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error) {
	name := stringParam(config, "handler", "")
	h, ok := e.custom.Get(name)
	if !ok {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "custom handler not registered, skipping", "handler", name)
		return map[string]any{"handler": name, "skipped": true}, nil
	}
	return h(ctx, config, ec)
}
