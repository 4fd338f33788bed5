package actions

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LoggingCapabilities returns capabilities that only log what they would do.
// HTTP is a real client: API calls are not simulated.
func LoggingCapabilities(logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	l := &logOnly{logger: logger.With("module", "capabilities")}
	return Capabilities{
		Email:        l,
		Notifier:     l,
		HTTP:         NewHTTPClient(0),
		Integrations: l,
		Documents:    l,
	}
}

type logOnly struct {
	logger *slog.Logger
}

func (l *logOnly) SendEmail(ctx context.Context, email Email) error {
	l.logger.InfoContext(ctx, "email", "to", email.To, "cc", email.Cc, "subject", email.Subject, "template_id", email.TemplateID)
	return nil
}

func (l *logOnly) NotifyUsers(ctx context.Context, msg UserMessage) error {
	l.logger.InfoContext(ctx, "notification", "recipients", msg.Recipients, "channel", msg.Channel, "title", msg.Title)
	return nil
}

func (l *logOnly) Invoke(ctx context.Context, req IntegrationRequest) (any, error) {
	l.logger.InfoContext(ctx, "integration", "provider", req.Provider, "operation", req.Operation)
	return map[string]any{"provider": req.Provider, "operation": req.Operation, "status": "accepted"}, nil
}

func (l *logOnly) Generate(ctx context.Context, req DocumentRequest) (*Document, error) {
	l.logger.InfoContext(ctx, "document", "template_id", req.TemplateID, "format", req.Format)
	return &Document{ID: uuid.NewString(), Format: req.Format}, nil
}
