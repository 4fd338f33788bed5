package schema

// WorkflowTemplate is a read-only catalog entry instantiated via CreateFromTemplate.
type WorkflowTemplate struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	NameRo        string            `json:"name_ro,omitempty"`
	Description   string            `json:"description"`
	DescriptionRo string            `json:"description_ro,omitempty"`
	Category      string            `json:"category"`
	Definition    CreateWorkflowDto `json:"definition"`
	UsageCount    int               `json:"usage_count"`
}

// StepCount returns the number of steps a workflow created from the template will have.
func (t *WorkflowTemplate) StepCount() int {
	return len(t.Definition.Steps)
}

// Clone returns a deep copy of the template.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Definition = t.Definition.Clone()
	return &c
}

// Clone returns a deep copy of the DTO.
func (d CreateWorkflowDto) Clone() CreateWorkflowDto {
	d.Triggers = CloneTriggers(d.Triggers)
	d.Steps = CloneSteps(d.Steps)
	d.Variables = CloneMap(d.Variables)
	d.Tags = append([]string(nil), d.Tags...)
	return d
}

// TemplateOverrides customises a workflow created from a template. Empty fields
// keep the template's value; Variables are merged over the template defaults.
type TemplateOverrides struct {
	Name          string         `json:"name,omitempty"`
	NameRo        string         `json:"name_ro,omitempty"`
	Description   string         `json:"description,omitempty"`
	DescriptionRo string         `json:"description_ro,omitempty"`
	Category      string         `json:"category,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Apply returns def customised by o.
func (o TemplateOverrides) Apply(def CreateWorkflowDto) CreateWorkflowDto {
	out := def.Clone()
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.NameRo != "" {
		out.NameRo = o.NameRo
	}
	if o.Description != "" {
		out.Description = o.Description
	}
	if o.DescriptionRo != "" {
		out.DescriptionRo = o.DescriptionRo
	}
	if o.Category != "" {
		out.Category = o.Category
	}
	if o.OwnerID != "" {
		out.OwnerID = o.OwnerID
	}
	if o.Tags != nil {
		out.Tags = append([]string(nil), o.Tags...)
	}
	if len(o.Variables) > 0 {
		if out.Variables == nil {
			out.Variables = make(map[string]any, len(o.Variables))
		}
		for k, v := range CloneMap(o.Variables) {
			out.Variables[k] = v
		}
	}
	return out
}
