// Package catalog owns workflow definitions and the template catalog: creation,
// versioned updates and the DRAFT/ACTIVE/PAUSED/ARCHIVED lifecycle.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/validation"
	"github.com/rendis/bizflow/pkg/schema"
)

// Registrar keeps trigger registrations in step with workflow status.
// Satisfied by *triggers.Dispatcher.
type Registrar interface {
	Register(ctx context.Context, wf *schema.Workflow) error
	Deregister(ctx context.Context, workflowID string)
}

// Store is the persistence the catalog needs.
type Store interface {
	store.WorkflowStore
	store.TemplateStore
}

// Catalog manages workflow definitions and templates.
type Catalog struct {
	store     Store
	validator *validation.Validator
	triggers  Registrar
	notifier  streaming.Notifier
	logger    *slog.Logger
	now       func() time.Time

	// mu serialises mutations of one workflow at a time across the catalog.
	mu sync.Mutex
}

// New creates a Catalog. A nil notifier discards notifications.
func New(st Store, v *validation.Validator, triggers Registrar, notifier streaming.Notifier, logger *slog.Logger) *Catalog {
	if notifier == nil {
		notifier = streaming.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:     st,
		validator: v,
		triggers:  triggers,
		notifier:  notifier,
		logger:    logger.With("module", "catalog"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateWorkflow validates dto and stores it as version 1 in DRAFT.
func (c *Catalog) CreateWorkflow(ctx context.Context, dto *schema.CreateWorkflowDto) (*schema.Workflow, error) {
	if err := c.validator.ValidateCreate(dto); err != nil {
		return nil, err
	}

	now := c.now()
	steps, triggers := mintIDs(dto.Steps, dto.Triggers)
	wf := &schema.Workflow{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(dto.Name),
		NameRo:        dto.NameRo,
		Description:   dto.Description,
		DescriptionRo: dto.DescriptionRo,
		Category:      dto.Category,
		Status:        schema.WorkflowDraft,
		Version:       1,
		Triggers:      triggers,
		Steps:         steps,
		Variables:     schema.CloneMap(dto.Variables),
		OwnerID:       dto.OwnerID,
		Tags:          append([]string(nil), dto.Tags...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}

	c.logger.InfoContext(ctx, "workflow created", slog.String("workflow_id", wf.ID), slog.String("name", wf.Name))
	c.notify(ctx, schema.NotifyWorkflowCreated, wf)
	return wf, nil
}

// CreateWorkflowFromJSON creates a workflow from a definition document.
func (c *Catalog) CreateWorkflowFromJSON(ctx context.Context, raw []byte) (*schema.Workflow, error) {
	dto, err := c.decodeDefinition(raw)
	if err != nil {
		return nil, err
	}
	return c.CreateWorkflow(ctx, dto)
}

func (c *Catalog) decodeDefinition(raw []byte) (*schema.CreateWorkflowDto, error) {
	if err := c.validator.Documents().ValidateDocument(raw); err != nil {
		return nil, err
	}
	var dto schema.CreateWorkflowDto
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}
	return &dto, nil
}

// UpdateWorkflow applies a partial update as a new version. Replaced steps or
// triggers get new ids; an ACTIVE workflow has its triggers re-registered.
func (c *Catalog) UpdateWorkflow(ctx context.Context, id string, dto *schema.UpdateWorkflowDto) (*schema.Workflow, error) {
	if dto == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "update is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	applyUpdate(next, dto)
	if err := c.validator.ValidateWorkflow(next); err != nil {
		return nil, err
	}
	if dto.Steps != nil || dto.Triggers != nil {
		steps, triggers := mintIDs(next.Steps, next.Triggers)
		if dto.Steps != nil {
			next.Steps = steps
		}
		if dto.Triggers != nil {
			next.Triggers = triggers
		}
	}
	next.Version = current.Version + 1
	next.UpdatedAt = c.now()

	if next.Status == schema.WorkflowActive && c.triggers != nil {
		if err := c.triggers.Register(ctx, next); err != nil {
			return nil, err
		}
	}
	if err := c.store.SaveWorkflow(ctx, next); err != nil {
		if next.Status == schema.WorkflowActive && c.triggers != nil {
			// restore the registrations of the stored version
			_ = c.triggers.Register(ctx, current)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}

	c.logger.InfoContext(ctx, "workflow updated",
		slog.String("workflow_id", next.ID), slog.Int("version", next.Version))
	c.notify(ctx, schema.NotifyWorkflowUpdated, next)
	return next, nil
}

func applyUpdate(wf *schema.Workflow, dto *schema.UpdateWorkflowDto) {
	if dto.Name != nil {
		wf.Name = strings.TrimSpace(*dto.Name)
	}
	if dto.NameRo != nil {
		wf.NameRo = *dto.NameRo
	}
	if dto.Description != nil {
		wf.Description = *dto.Description
	}
	if dto.DescriptionRo != nil {
		wf.DescriptionRo = *dto.DescriptionRo
	}
	if dto.Category != nil {
		wf.Category = *dto.Category
	}
	if dto.Triggers != nil {
		wf.Triggers = schema.CloneTriggers(dto.Triggers)
	}
	if dto.Steps != nil {
		wf.Steps = schema.CloneSteps(dto.Steps)
	}
	if dto.Variables != nil {
		wf.Variables = schema.CloneMap(dto.Variables)
	}
	if dto.Tags != nil {
		wf.Tags = append([]string(nil), dto.Tags...)
	}
}

// ActivateWorkflow moves the workflow to ACTIVE and registers its triggers.
func (c *Catalog) ActivateWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return c.transition(ctx, id, schema.WorkflowActive, schema.NotifyWorkflowActivated)
}

// PauseWorkflow moves the workflow to PAUSED and deregisters its triggers.
func (c *Catalog) PauseWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return c.transition(ctx, id, schema.WorkflowPaused, schema.NotifyWorkflowPaused)
}

// ArchiveWorkflow moves the workflow to ARCHIVED and deregisters its triggers.
func (c *Catalog) ArchiveWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return c.transition(ctx, id, schema.WorkflowArchived, schema.NotifyWorkflowArchived)
}

// DeleteWorkflow archives the workflow, then removes every version.
// Executions are kept.
func (c *Catalog) DeleteWorkflow(ctx context.Context, id string) error {
	wf, err := c.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != schema.WorkflowArchived {
		if _, err := c.ArchiveWorkflow(ctx, id); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteWorkflow(ctx, id); err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete workflow").WithCause(err)
	}
	c.logger.InfoContext(ctx, "workflow deleted", slog.String("workflow_id", id))
	c.notify(ctx, schema.NotifyWorkflowDeleted, wf)
	return nil
}

// transition changes status in place; it does not create a new version.
func (c *Catalog) transition(ctx context.Context, id string, to schema.WorkflowStatus, notification string) (*schema.Workflow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, err := c.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := engine.WorkflowLifecycle.Check(id, wf.Status, to); err != nil {
		return nil, err
	}

	if c.triggers != nil {
		if to == schema.WorkflowActive {
			if err := c.triggers.Register(ctx, wf); err != nil {
				return nil, err
			}
		} else {
			c.triggers.Deregister(ctx, id)
		}
	}

	from := wf.Status
	wf.Status = to
	wf.UpdatedAt = c.now()
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		if to == schema.WorkflowActive && c.triggers != nil {
			c.triggers.Deregister(ctx, id)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}

	c.logger.InfoContext(ctx, "workflow status changed",
		slog.String("workflow_id", id), slog.String("from", string(from)), slog.String("to", string(to)))
	c.notify(ctx, notification, wf)
	return wf, nil
}

// GetWorkflow returns the current version of a workflow.
func (c *Catalog) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Workflow %s not found", id)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load workflow").WithCause(err)
	}
	return wf, nil
}

// ListWorkflows returns the current version of every workflow matching filter.
func (c *Catalog) ListWorkflows(ctx context.Context, filter schema.WorkflowFilter) ([]*schema.Workflow, error) {
	return c.store.ListWorkflows(ctx, filter)
}

// RegisterActive registers the triggers of every ACTIVE workflow, typically at
// startup. Failures are logged and counted; the rest still register.
func (c *Catalog) RegisterActive(ctx context.Context) (int, error) {
	if c.triggers == nil {
		return 0, nil
	}
	active, err := c.store.ListWorkflows(ctx, schema.WorkflowFilter{Status: schema.WorkflowActive})
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, wf := range active {
		if err := c.triggers.Register(ctx, wf); err != nil {
			c.logger.ErrorContext(ctx, "register triggers", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		registered++
	}
	return registered, nil
}

func (c *Catalog) notify(ctx context.Context, typ string, wf *schema.Workflow) {
	c.notifier.Notify(ctx, schema.Notification{
		Type:       typ,
		WorkflowID: wf.ID,
		Data: map[string]any{
			"name":    wf.Name,
			"version": wf.Version,
			"status":  string(wf.Status),
		},
		Timestamp: c.now(),
	})
}

// mintIDs gives every step and trigger a fresh id and rewrites step references
// from the caller's keys to the new ids.
func mintIDs(in []schema.Step, trig []schema.Trigger) ([]schema.Step, []schema.Trigger) {
	steps := schema.CloneSteps(in)
	ids := make(map[string]string, len(steps))
	for _, s := range steps {
		ids[s.ID] = uuid.NewString()
	}
	remap := func(key string) string {
		if key == "" {
			return ""
		}
		if id, ok := ids[key]; ok {
			return id
		}
		return key
	}
	for i := range steps {
		s := &steps[i]
		s.ID = ids[s.ID]
		s.NextStep = remap(s.NextStep)
		s.TrueBranch = remap(s.TrueBranch)
		s.FalseBranch = remap(s.FalseBranch)
		s.ErrorGotoStep = remap(s.ErrorGotoStep)
		for j, id := range s.ParallelSteps {
			s.ParallelSteps[j] = remap(id)
		}
		if s.Loop != nil {
			for j, id := range s.Loop.Body {
				s.Loop.Body[j] = remap(id)
			}
		}
	}

	triggers := schema.CloneTriggers(trig)
	for i := range triggers {
		triggers[i].ID = uuid.NewString()
	}
	return steps, triggers
}
