package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

// CronParser accepts standard 5-field specs and descriptors (@hourly, @every 5m).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator checks workflow definitions before they are stored:
//  1. required fields (name, at least one step)
//  2. struct rules (validator tags on the schema types)
//  3. semantic checks (references, per-kind config, triggers, expressions)
//  4. containment graph (PARALLEL and LOOP bodies must not contain themselves)
//
// Struct errors short-circuit the later stages.
type Validator struct {
	structs *validator.Validate
	docs    *JSONSchemaValidator
	cel     *expressions.CELEngine
	exprs   *expressions.ExprEngine
}

// New creates a Validator.
func New() (*Validator, error) {
	docs, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &Validator{
		structs: v,
		docs:    docs,
		cel:     cel,
		exprs:   expressions.NewExprEngine(),
	}, nil
}

// Documents exposes the JSON Schema validator.
func (v *Validator) Documents() *JSONSchemaValidator { return v.docs }

// CheckCreate validates a creation DTO whose step and trigger ids are caller-local keys.
func (v *Validator) CheckCreate(dto *schema.CreateWorkflowDto) *schema.ValidationResult {
	if dto == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	return v.check(dto.Name, dto.Steps, dto.Triggers, dto)
}

// CheckWorkflow validates a workflow assembled from an update.
func (v *Validator) CheckWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}
	return v.check(wf.Name, wf.Steps, wf.Triggers, wf)
}

// ValidateCreate is CheckCreate reduced to an error.
func (v *Validator) ValidateCreate(dto *schema.CreateWorkflowDto) error {
	return v.CheckCreate(dto).ToError()
}

// ValidateWorkflow is CheckWorkflow reduced to an error.
func (v *Validator) ValidateWorkflow(wf *schema.Workflow) error {
	return v.CheckWorkflow(wf).ToError()
}

func (v *Validator) check(name string, steps []schema.Step, triggers []schema.Trigger, target any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if strings.TrimSpace(name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "Name is required")
	}
	if len(steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "At least one step is required")
	}
	if !result.Valid() {
		return result
	}

	result.Merge(v.checkStructs(target))
	if !result.Valid() {
		return result
	}

	result.Merge(v.checkSemantic(steps, triggers))
	if result.Valid() {
		result.Merge(checkContainment(steps))
	}
	return result
}

func (v *Validator) checkStructs(target any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.structs.Struct(target)
	if err == nil {
		return result
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, fe := range verrs {
		result.AddError(fieldPath(fe.Namespace()), schema.ErrCodeValidation, describe(fe))
	}
	return result
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed the %s rule", field, fe.Tag())
	}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
