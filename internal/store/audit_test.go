package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func TestAuditLogAppendAndList(t *testing.T) {
	ctx := context.Background()
	audit := NewAuditLog(newTestStore(t), nil)

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	audit.Notify(ctx, schema.Notification{Type: schema.NotifyWorkflowActivated, WorkflowID: "wf-a", Timestamp: at})
	audit.Notify(ctx, schema.Notification{Type: schema.NotifyExecutionStarted, WorkflowID: "wf-b", ExecutionID: "ex-1"})
	require.NoError(t, audit.Append(ctx, schema.Notification{
		Type: schema.NotifyExecutionFailed, WorkflowID: "wf-a", ExecutionID: "ex-2",
		Data: map[string]any{"error": "Step send failed"},
	}))

	all, err := audit.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Less(t, all[0].Sequence, all[1].Sequence)
	assert.Equal(t, schema.NotifyWorkflowActivated, all[0].Type)
	assert.True(t, at.Equal(all[0].Timestamp))
	assert.Nil(t, all[0].Data)
	assert.False(t, all[1].Timestamp.IsZero())

	wfA, err := audit.List(ctx, "wf-a", 0)
	require.NoError(t, err)
	require.Len(t, wfA, 2)
	assert.Equal(t, "ex-2", wfA[1].ExecutionID)
	assert.Equal(t, "Step send failed", wfA[1].Data["error"])

	after, err := audit.List(ctx, "", all[1].Sequence)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, schema.NotifyExecutionFailed, after[0].Type)
}
