package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// AuditLog appends lifecycle notifications to the audit_log table of a LibSQLStore.
// It is a notification subscriber: wire it wherever notifications fan out.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// AuditEntry is one persisted notification with its global sequence number.
type AuditEntry struct {
	Sequence int64 `json:"sequence"`
	schema.Notification
}

// NewAuditLog wraps a LibSQLStore.
func NewAuditLog(s *LibSQLStore, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{db: s.DB(), logger: logger}
}

// Append persists a notification.
func (l *AuditLog) Append(ctx context.Context, n schema.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_log (type, workflow_id, execution_id, approval_id, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		n.Type, nullStr(n.WorkflowID), nullStr(n.ExecutionID), nullStr(n.ApprovalID), string(data), millis(n.Timestamp),
	)
	return err
}

// Notify implements the notifier contract; failures are logged, never returned.
func (l *AuditLog) Notify(ctx context.Context, n schema.Notification) {
	if err := l.Append(ctx, n); err != nil {
		l.logger.ErrorContext(ctx, "audit log append failed", "type", n.Type, "error", err)
	}
}

// List returns entries after the given sequence, oldest first. An empty
// workflowID returns entries for every workflow.
func (l *AuditLog) List(ctx context.Context, workflowID string, since int64) ([]AuditEntry, error) {
	query := `SELECT sequence, type, workflow_id, execution_id, approval_id, data, timestamp
		FROM audit_log WHERE sequence > ?`
	args := []any{since}
	if workflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY sequence"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                  AuditEntry
			wfID, execID, apID sql.NullString
			data               sql.NullString
			ts                 int64
		)
		if err := rows.Scan(&e.Sequence, &e.Type, &wfID, &execID, &apID, &data, &ts); err != nil {
			return nil, err
		}
		e.WorkflowID = wfID.String
		e.ExecutionID = execID.String
		e.ApprovalID = apID.String
		e.Timestamp = fromMillis(ts)
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal notification data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
