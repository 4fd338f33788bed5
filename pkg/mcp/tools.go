package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/pkg/schema"
)

// handleDefine creates a workflow from a definition document.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	if actorID := req.GetString("actor_id", ""); actorID != "" {
		s.captureSession(ctx, actorID)
		if _, ok := def["owner_id"]; !ok {
			def["owner_id"] = actorID
		}
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	wf, err := s.app.CreateWorkflowFromJSON(ctx, raw)
	if err != nil {
		return toolError("create workflow", err), nil
	}
	if req.GetBool("activate", false) {
		if wf, err = s.app.ActivateWorkflow(ctx, wf.ID); err != nil {
			return toolError("activate workflow", err), nil
		}
	}
	return marshalResult(wf)
}

// handleUpdate replaces the given fields of a workflow.
func (s *Server) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	changes := mcp.ParseStringMap(req, "changes", nil)
	if changes == nil {
		return mcp.NewToolResultError("changes is required"), nil
	}

	var dto schema.UpdateWorkflowDto
	if err := remarshal(changes, &dto); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid changes: %v", err)), nil
	}
	wf, err := s.app.UpdateWorkflow(ctx, workflowID, &dto)
	if err != nil {
		return toolError("update workflow", err), nil
	}
	return marshalResult(wf)
}

// handleLifecycle applies a status transition.
func (s *Server) handleLifecycle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var wf *schema.Workflow
	switch action {
	case "activate":
		wf, err = s.app.ActivateWorkflow(ctx, workflowID)
	case "pause":
		wf, err = s.app.PauseWorkflow(ctx, workflowID)
	case "archive":
		wf, err = s.app.ArchiveWorkflow(ctx, workflowID)
	case "delete":
		if err := s.app.DeleteWorkflow(ctx, workflowID); err != nil {
			return toolError("delete workflow", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID, "deleted": true})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return toolError(action+" workflow", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"version":     wf.Version,
	})
}

// handleTemplate instantiates a catalog template.
func (s *Server) handleTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	var overrides schema.TemplateOverrides
	if raw := mcp.ParseStringMap(req, "overrides", nil); raw != nil {
		if err := remarshal(raw, &overrides); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid overrides: %v", err)), nil
		}
	}
	wf, err := s.app.CreateFromTemplate(ctx, templateID, overrides)
	if err != nil {
		return toolError("create from template", err), nil
	}
	return marshalResult(wf)
}

// handleRun executes a workflow manually.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	actorID := req.GetString("actor_id", "")
	if actorID != "" {
		s.captureSession(ctx, actorID)
	}
	triggeredBy := actorID
	if triggeredBy == "" {
		triggeredBy = "mcp"
	}

	exec, err := s.app.ExecuteWorkflow(ctx, schema.ExecuteRequest{
		WorkflowID:  workflowID,
		TriggeredBy: triggeredBy,
		TriggerType: schema.TriggerManual,
		Variables:   mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return toolError("execute workflow", err), nil
	}
	return marshalResult(exec)
}

// handleStatus returns one execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.app.GetExecution(ctx, executionID)
	if err != nil {
		return toolError("status query", err), nil
	}
	return marshalResult(exec)
}

// handleCancel cancels an execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.app.CancelExecution(ctx, executionID, req.GetString("reason", ""))
	if err != nil {
		return toolError("cancel execution", err), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleApprove decides a pending approval and reports where the execution went.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	approverID, err := req.RequireString("approver_id")
	if err != nil {
		return mcp.NewToolResultError("approver_id is required"), nil
	}
	s.captureSession(ctx, approverID)

	var status schema.ApprovalStatus
	switch decision {
	case "approve":
		status = schema.ApprovalApproved
	case "reject":
		status = schema.ApprovalRejected
	default:
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}

	rec, err := s.app.HandleApproval(ctx, schema.ApprovalDecision{
		ExecutionID: executionID,
		ApprovalID:  approvalID,
		Decision:    status,
		ApproverID:  approverID,
		Comment:     req.GetString("comment", ""),
	})
	if err != nil {
		return toolError("approval", err), nil
	}

	out := map[string]any{"ok": true, "approval": rec}
	if exec, err := s.app.GetExecution(ctx, executionID); err == nil {
		out["execution_status"] = exec.Status
	}
	return marshalResult(out)
}

// handleEvent dispatches a domain event inline so the started executions can be returned.
func (s *Server) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	execs, err := s.app.DispatchEvent(ctx, name, mcp.ParseStringMap(req, "payload", nil))
	if err != nil && len(execs) == 0 {
		return toolError("dispatch event", err), nil
	}
	out := map[string]any{"event": name, "executions": summarize(execs)}
	if err != nil {
		out["errors"] = err.Error()
	}
	return marshalResult(out)
}

// handleWebhook delivers a webhook call.
func (s *Server) handleWebhook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	exec, err := s.app.HandleWebhook(ctx, path, mcp.ParseStringMap(req, "payload", nil))
	if err != nil {
		return toolError("webhook", err), nil
	}
	if exec == nil {
		return marshalResult(map[string]any{"path": path, "matched": false})
	}
	return marshalResult(map[string]any{"path": path, "matched": true, "execution": exec})
}

// handleQuery lists workflows, executions, templates or pending approvals.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleAnalytics returns the rollup of a workflow's executions.
func (s *Server) handleAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	out, err := s.app.GetAnalytics(ctx, workflowID)
	if err != nil {
		return toolError("analytics", err), nil
	}
	return marshalResult(out)
}

// handleDiagram renders a workflow or an execution in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	model, err := s.app.Diagram(ctx, workflowID, executionID)
	if err != nil {
		return toolError("diagram", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := schema.WorkflowFilter{
		Status:   schema.WorkflowStatus(extractString(filter, "status")),
		Category: extractString(filter, "category"),
		OwnerID:  extractString(filter, "owner_id"),
		Tag:      extractString(filter, "tag"),
		Search:   extractString(filter, "search"),
	}
	workflows, err := s.app.GetAllWorkflows(ctx, wf)
	if err != nil {
		return toolError("query", err), nil
	}
	if limit := extractInt(filter, "limit", 50); limit > 0 && len(workflows) > limit {
		workflows = workflows[:limit]
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	execs, err := s.app.Executor.ListExecutions(ctx, schema.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Status:     schema.ExecutionStatus(extractString(filter, "status")),
		Limit:      extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError("query", err), nil
	}
	return marshalResult(map[string]any{"executions": summarize(execs)})
}

func (s *Server) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	templates, err := s.app.GetTemplates(ctx, extractString(filter, "category"))
	if err != nil {
		return toolError("query", err), nil
	}
	out := make([]map[string]any, 0, len(templates))
	for _, t := range templates {
		out = append(out, map[string]any{
			"id":          t.ID,
			"name":        t.Name,
			"description": t.Description,
			"category":    t.Category,
			"steps":       t.StepCount(),
			"usage_count": t.UsageCount,
		})
	}
	return marshalResult(map[string]any{"templates": out})
}

func (s *Server) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	approverID := extractString(filter, "approver_id")
	if approverID != "" {
		s.captureSession(ctx, approverID)
	}
	approvals, err := s.app.GetPendingApprovals(ctx, approverID)
	if err != nil {
		return toolError("query", err), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

// --- Internal helpers ---

// summarize trims executions to what a listing needs.
func summarize(execs []*schema.Execution) []map[string]any {
	out := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		item := map[string]any{
			"id":           e.ID,
			"workflow_id":  e.WorkflowID,
			"version":      e.WorkflowVersion,
			"status":       e.Status,
			"triggered_by": e.TriggeredBy,
			"started_at":   e.StartedAt,
		}
		if e.CompletedAt != nil {
			item["completed_at"] = e.CompletedAt
		}
		if e.Error != "" {
			item["error"] = e.Error
		}
		out = append(out, item)
	}
	return out
}

// toolError renders err as a tool error, keeping the error code visible.
func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

// remarshal decodes a loosely typed argument object into target.
func remarshal(in map[string]any, target any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the actor ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
