package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bizflow/pkg/schema"
)

// notificationMethod is the JSON-RPC method used for pushed notifications.
const notificationMethod = "notifications/message"

// MCPNotifier pushes lifecycle notifications to connected MCP clients.
// Approval requests go to the approver's session only; everything else is
// broadcast.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the given server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends n to its recipients. Best-effort: returns nil if the approver
// is not connected.
func (n *MCPNotifier) Notify(_ context.Context, note schema.Notification) error {
	payload := notificationPayload(note)
	if note.Type != schema.NotifyApprovalRequested {
		n.mcpServer.SendNotificationToAllClients(notificationMethod, payload)
		return nil
	}

	approverID, _ := note.Data["approver_id"].(string)
	sessionID, ok := n.sessions.SessionFor(approverID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func notificationPayload(n schema.Notification) map[string]any {
	p := map[string]any{
		"type":      n.Type,
		"timestamp": n.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if n.WorkflowID != "" {
		p["workflow_id"] = n.WorkflowID
	}
	if n.ExecutionID != "" {
		p["execution_id"] = n.ExecutionID
	}
	if n.ApprovalID != "" {
		p["approval_id"] = n.ApprovalID
	}
	if len(n.Data) > 0 {
		p["data"] = n.Data
	}
	return p
}
