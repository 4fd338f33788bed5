package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	expectedTools := []string{
		"bizflow.define",
		"bizflow.update",
		"bizflow.lifecycle",
		"bizflow.template",
		"bizflow.run",
		"bizflow.status",
		"bizflow.cancel",
		"bizflow.approve",
		"bizflow.event",
		"bizflow.webhook",
		"bizflow.query",
		"bizflow.analytics",
		"bizflow.diagram",
	}
	require.Len(t, s.mcpServer.ListTools(), len(expectedTools))
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
		required    []string
	}{
		{"bizflow.define", "Create a workflow from a definition document", []string{"definition"}},
		{"bizflow.lifecycle", "Change a workflow's status", []string{"workflow_id", "action"}},
		{"bizflow.approve", "Approve or reject a pending approval", []string{"execution_id", "approval_id", "decision", "approver_id"}},
		{"bizflow.query", "Query workflows, executions, templates or pending approvals", []string{"resource"}},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}

func TestForwardWithoutApp(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.Forward(t.Context()))
}
