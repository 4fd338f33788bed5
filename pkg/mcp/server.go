package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bizflow/internal/app"
	"github.com/rendis/bizflow/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	App    *app.App
	Logger *slog.Logger
}

// Server wraps an MCP server with bizflow tool handlers.
type Server struct {
	app       *app.App
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every bizflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		app:      deps.App,
		logger:   logger.With("module", "mcp"),
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"bizflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bizflow orchestrates business workflows for small firms. Use bizflow.define or bizflow.template to create workflows, bizflow.lifecycle to activate them, bizflow.run, bizflow.event and bizflow.webhook to start executions, bizflow.status to follow them, bizflow.approve to decide pending approvals, bizflow.query to list resources, bizflow.analytics for execution statistics and bizflow.diagram to visualise a workflow or an execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Lifecycle notifications are pushed to connected clients meanwhile.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Forward(ctx); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Forward relays the app's lifecycle notifications to MCP clients until ctx is done.
func (s *Server) Forward(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	ch, stop, err := s.app.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	go func() {
		defer stop()
		for n := range ch {
			if err := s.notifier.Notify(ctx, n); err != nil {
				s.logger.WarnContext(ctx, "push notification", slog.String("type", n.Type), slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions exposes the actor to session mapping.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: updateTool(), Handler: s.handleUpdate},
		{Tool: lifecycleTool(), Handler: s.handleLifecycle},
		{Tool: templateTool(), Handler: s.handleTemplate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: webhookTool(), Handler: s.handleWebhook},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: analyticsTool(), Handler: s.handleAnalytics},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("bizflow.define",
		mcp.WithDescription("Create a workflow from a definition document"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, triggers, steps, variables")),
		mcp.WithBoolean("activate", mcp.Description("Activate the workflow right after creating it")),
		mcp.WithString("actor_id", mcp.Description("ID of the calling user or agent")),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool("bizflow.update",
		mcp.WithDescription("Update a workflow; the version is incremented"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to update")),
		mcp.WithObject("changes", mcp.Required(), mcp.Description("Fields to replace: name, description, category, triggers, steps, variables, tags")),
	)
}

func lifecycleTool() mcp.Tool {
	return mcp.NewTool("bizflow.lifecycle",
		mcp.WithDescription("Change a workflow's status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("activate", "pause", "archive", "delete"),
			mcp.Description("Transition to apply"),
		),
	)
}

func templateTool() mcp.Tool {
	return mcp.NewTool("bizflow.template",
		mcp.WithDescription("Create a workflow from a catalog template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template")),
		mcp.WithObject("overrides", mcp.Description("Overrides: name, description, category, owner_id, tags, variables")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("bizflow.run",
		mcp.WithDescription("Execute an active workflow manually"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("variables", mcp.Description("Variables merged over the workflow defaults")),
		mcp.WithString("actor_id", mcp.Description("ID of the calling user or agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bizflow.status",
		mcp.WithDescription("Get an execution with its step results, logs and approvals"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bizflow.cancel",
		mcp.WithDescription("Cancel a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("bizflow.approve",
		mcp.WithDescription("Approve or reject a pending approval"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the pending approval")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("The decision"),
		),
		mcp.WithString("approver_id", mcp.Required(), mcp.Description("ID of the deciding approver")),
		mcp.WithString("comment", mcp.Description("Optional comment")),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("bizflow.event",
		mcp.WithDescription("Publish a domain event; matching active workflows start"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Event name, e.g. invoice.created")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
	)
}

func webhookTool() mcp.Tool {
	return mcp.NewTool("bizflow.webhook",
		mcp.WithDescription("Deliver a webhook call to the workflow registered on its path"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Webhook path, e.g. /hooks/orders")),
		mcp.WithObject("payload", mcp.Description("Webhook body")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("bizflow.query",
		mcp.WithDescription("Query workflows, executions, templates or pending approvals"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "templates", "approvals"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, category, owner_id, tag, search, workflow_id, approver_id, limit)")),
	)
}

func analyticsTool() mcp.Tool {
	return mcp.NewTool("bizflow.analytics",
		mcp.WithDescription("Execution statistics and bottleneck steps of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("bizflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram (current version)")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram: the version it ran, with step status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
