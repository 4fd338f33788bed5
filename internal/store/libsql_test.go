package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestLibSQLStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestLibSQLStore_ExecutionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := "file:" + filepath.Join(dir, "reopen.db")
	ctx := context.Background()

	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	exec := sampleExecution("wf-1", time.Now().UTC(), schema.ExecutionWaitingApproval)
	exec.Approvals = []schema.ApprovalRecord{{
		ID: "ap-1", ExecutionID: exec.ID, StepID: "step-1", ApproverID: "alice",
		Status: schema.ApprovalPending, RequestedAt: exec.StartedAt,
	}}
	require.NoError(t, s.SaveExecution(ctx, exec))
	require.NoError(t, s.Close())

	s, err = NewLibSQLStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingApproval, got.Status)

	pending, err := s.ListPendingApprovals(ctx, schema.ApprovalFilter{ApproverID: "alice"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, exec.ID, pending[0].ExecutionID)
}

func TestAuditLog_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	log := NewAuditLog(s, nil)
	ctx := context.Background()

	log.Notify(ctx, schema.Notification{Type: schema.NotifyWorkflowCreated, WorkflowID: "wf-1"})
	log.Notify(ctx, schema.Notification{
		Type: schema.NotifyApprovalRequested, WorkflowID: "wf-1", ExecutionID: "ex-1", ApprovalID: "ap-1",
		Data: map[string]any{"approver": "alice"},
	})
	require.NoError(t, log.Append(ctx, schema.Notification{Type: schema.NotifyWorkflowCreated, WorkflowID: "wf-2"}))

	entries, err := log.List(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, schema.NotifyWorkflowCreated, entries[0].Type)
	assert.Equal(t, "ap-1", entries[1].ApprovalID)
	assert.Equal(t, "alice", entries[1].Data["approver"])
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)

	since, err := log.List(ctx, "", entries[1].Sequence)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "wf-2", since[0].WorkflowID)
}
