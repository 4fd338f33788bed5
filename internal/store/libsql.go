package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/bizflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
// Workflows, executions and templates are stored as JSON bodies next to the
// columns used for filtering. Timestamps are unix milliseconds.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/bizflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the audit log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, version, name, status, category, owner_id, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET name=excluded.name, status=excluded.status,
		   category=excluded.category, owner_id=excluded.owner_id, definition=excluded.definition,
		   updated_at=excluded.updated_at`,
		wf.ID, wf.Version, wf.Name, string(wf.Status), nullStr(wf.Category), nullStr(wf.OwnerID),
		string(def), millis(timeOrNow(wf.CreatedAt)), millis(timeOrNow(wf.UpdatedAt)),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_versions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
	).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(def)
}

func (s *LibSQLStore) GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_versions WHERE id = ? AND version = ?`, id, version,
	).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", versionKey(id, version))
	}
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(def)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter schema.WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT w.definition FROM workflow_versions w
		WHERE w.version = (SELECT MAX(v.version) FROM workflow_versions v WHERE v.id = w.id)`
	var args []any

	if filter.Status != "" {
		query += " AND w.status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		query += " AND w.category = ?"
		args = append(args, filter.Category)
	}
	if filter.OwnerID != "" {
		query += " AND w.owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	query += " ORDER BY w.created_at, w.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		wf, err := decodeWorkflow(def)
		if err != nil {
			return nil, err
		}
		// Tags and free-text search live in the JSON body.
		if MatchWorkflow(wf, filter) {
			out = append(out, wf)
		}
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_versions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func decodeWorkflow(def string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(def), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.Execution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, status, body, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, body=excluded.body,
		   completed_at=excluded.completed_at`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status), string(body),
		millis(timeOrNow(exec.StartedAt)), nullMillis(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}

	for _, a := range exec.Approvals {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO approvals (id, execution_id, step_id, approver_id, status, comment, decided_by, requested_at, decided_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, comment=excluded.comment,
			   decided_by=excluded.decided_by, decided_at=excluded.decided_at`,
			a.ID, exec.ID, a.StepID, a.ApproverID, string(a.Status), nullStr(a.Comment), nullStr(a.DecidedBy),
			millis(timeOrNow(a.RequestedAt)), nullMillis(a.DecidedAt), nullMillis(a.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("upsert approval %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM executions WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeExecution(body)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	query := `SELECT body FROM executions`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		exec, err := decodeExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListPendingApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]schema.ApprovalRecord, error) {
	query := `SELECT id, execution_id, step_id, approver_id, status, comment, decided_by, requested_at, decided_at, expires_at
		FROM approvals WHERE status = ?`
	args := []any{string(schema.ApprovalPending)}

	if filter.ApproverID != "" {
		query += " AND approver_id = ?"
		args = append(args, filter.ApproverID)
	}
	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.ExpiredBefore != nil {
		query += " AND expires_at IS NOT NULL AND expires_at < ?"
		args = append(args, millis(*filter.ExpiredBefore))
	}
	query += " ORDER BY requested_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ApprovalRecord
	for rows.Next() {
		var (
			a                    schema.ApprovalRecord
			status               string
			comment, decidedBy   sql.NullString
			requestedAt          int64
			decidedAt, expiresAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.StepID, &a.ApproverID, &status,
			&comment, &decidedBy, &requestedAt, &decidedAt, &expiresAt); err != nil {
			return nil, err
		}
		a.Status = schema.ApprovalStatus(status)
		a.Comment = comment.String
		a.DecidedBy = decidedBy.String
		a.RequestedAt = fromMillis(requestedAt)
		a.DecidedAt = nullFromMillis(decidedAt)
		a.ExpiresAt = nullFromMillis(expiresAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func decodeExecution(body string) (*schema.Execution, error) {
	exec := &schema.Execution{}
	if err := json.Unmarshal([]byte(body), exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return exec, nil
}

// --- Templates ---

func (s *LibSQLStore) SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	body, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, category, body, usage_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET category=excluded.category, body=excluded.body`,
		tpl.ID, tpl.Category, string(body), tpl.UsageCount,
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return s.getTemplate(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *LibSQLStore) getTemplate(ctx context.Context, q queryer, id string) (*schema.WorkflowTemplate, error) {
	var body string
	var usage int
	err := q.QueryRowContext(ctx, `SELECT body, usage_count FROM templates WHERE id = ?`, id).Scan(&body, &usage)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeTemplate(body, usage)
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error) {
	query := `SELECT body, usage_count FROM templates`
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowTemplate
	for rows.Next() {
		var body string
		var usage int
		if err := rows.Scan(&body, &usage); err != nil {
			return nil, err
		}
		tpl, err := decodeTemplate(body, usage)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) IncrementTemplateUsage(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE templates SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := checkRowsAffected(res, "template", id); err != nil {
		return nil, err
	}
	tpl, err := s.getTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return tpl, tx.Commit()
}

// usage_count is authoritative; the body copy is only what was last saved.
func decodeTemplate(body string, usage int) (*schema.WorkflowTemplate, error) {
	tpl := &schema.WorkflowTemplate{}
	if err := json.Unmarshal([]byte(body), tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	tpl.UsageCount = usage
	return tpl, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullFromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*LibSQLStore)(nil)
