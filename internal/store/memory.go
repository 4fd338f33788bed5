package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/bizflow/pkg/schema"
)

// MemoryStore keeps everything in process memory. Values are deep-copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string][]*schema.Workflow // versions, ascending
	executions map[string]*schema.Execution
	templates  map[string]*schema.WorkflowTemplate
	secrets    map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string][]*schema.Workflow),
		executions: make(map[string]*schema.Execution),
		templates:  make(map[string]*schema.WorkflowTemplate),
		secrets:    make(map[string][]byte),
	}
}

// Migrate is a no-op.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[wf.ID]
	for i, v := range versions {
		if v.Version == wf.Version {
			versions[i] = wf.Clone()
			return nil
		}
	}
	versions = append(versions, wf.Clone())
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.workflows[wf.ID] = versions
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, storeNotFound("workflow", id)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (s *MemoryStore) GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.workflows[id] {
		if v.Version == version {
			return v.Clone(), nil
		}
	}
	return nil, storeNotFound("workflow version", versionKey(id, version))
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter schema.WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Workflow
	for _, versions := range s.workflows {
		wf := versions[len(versions)-1]
		if MatchWorkflow(wf, filter) {
			out = append(out, wf.Clone())
		}
	}
	sortWorkflows(out)
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Executions ---

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]schema.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.ApprovalRecord
	for _, exec := range s.executions {
		if filter.ExecutionID != "" && exec.ID != filter.ExecutionID {
			continue
		}
		for _, a := range exec.Approvals {
			if MatchApproval(a, filter) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// --- Templates ---

func (s *MemoryStore) SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.ID] = tpl.Clone()
	return nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, storeNotFound("template", id)
	}
	return tpl.Clone(), nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowTemplate
	for _, tpl := range s.templates {
		if category != "" && tpl.Category != category {
			continue
		}
		out = append(out, tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) IncrementTemplateUsage(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, storeNotFound("template", id)
	}
	tpl.UsageCount++
	return tpl.Clone(), nil
}

// --- Filters shared by both implementations ---

// MatchWorkflow reports whether wf satisfies every non-zero filter field.
func MatchWorkflow(wf *schema.Workflow, f schema.WorkflowFilter) bool {
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	if f.Category != "" && wf.Category != f.Category {
		return false
	}
	if f.OwnerID != "" && wf.OwnerID != f.OwnerID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range wf.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(wf.Name), q) && !strings.Contains(strings.ToLower(wf.NameRo), q) {
			return false
		}
	}
	return true
}

// MatchApproval reports whether a is pending and satisfies the filter.
func MatchApproval(a schema.ApprovalRecord, f schema.ApprovalFilter) bool {
	if a.Status != schema.ApprovalPending {
		return false
	}
	if f.ApproverID != "" && a.ApproverID != f.ApproverID {
		return false
	}
	if f.ExpiredBefore != nil && (a.ExpiresAt == nil || !a.ExpiresAt.Before(*f.ExpiredBefore)) {
		return false
	}
	return true
}

func sortWorkflows(wfs []*schema.Workflow) {
	sort.Slice(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s@v%d", id, version)
}

var _ Store = (*MemoryStore)(nil)

// --- Secrets ---

func (s *MemoryStore) PutSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
