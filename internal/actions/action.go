package actions

import (
	"context"
	"net/http"
)

// ExecutionContext is the view of a running execution an action adapter gets.
// Implementations must be safe for concurrent use: PARALLEL sub-steps share one.
type ExecutionContext interface {
	ExecutionID() string
	WorkflowID() string
	// Variables returns a snapshot of the execution variables.
	Variables() map[string]any
	// Lookup resolves a dot path against the variables.
	Lookup(path string) any
	SetVariable(key string, value any)
}

// Email is the payload handed to an EmailSender.
type Email struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) error
}

// UserMessage is an in-app or push notification for a set of users.
type UserMessage struct {
	Recipients []string `json:"recipients"`
	Channel    string   `json:"channel,omitempty"`
	Title      string   `json:"title,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// UserNotifier delivers user-facing notifications.
type UserNotifier interface {
	NotifyUsers(ctx context.Context, msg UserMessage) error
}

// HTTPDoer performs outbound API calls. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// IntegrationRequest addresses one operation of a third-party provider.
type IntegrationRequest struct {
	Provider  string         `json:"provider"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// IntegrationAdapter invokes third-party providers (accounting, e-invoicing, CRM).
type IntegrationAdapter interface {
	Invoke(ctx context.Context, req IntegrationRequest) (any, error)
}

// DocumentRequest asks for a document rendered from a template.
type DocumentRequest struct {
	TemplateID string         `json:"template_id"`
	Format     string         `json:"format"`
	Data       map[string]any `json:"data,omitempty"`
}

// Document is a generated document reference.
type Document struct {
	ID     string `json:"id"`
	Format string `json:"format"`
	URL    string `json:"url,omitempty"`
}

// DocumentGenerator renders documents.
type DocumentGenerator interface {
	Generate(ctx context.Context, req DocumentRequest) (*Document, error)
}

// CustomHandler implements a CUSTOM action registered by name.
type CustomHandler func(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error)

// Capabilities bundles the external services action adapters call.
// A nil capability makes its action kind fail with ACTION_UNAVAILABLE.
type Capabilities struct {
	Email        EmailSender
	Notifier     UserNotifier
	HTTP         HTTPDoer
	Integrations IntegrationAdapter
	Documents    DocumentGenerator
}
