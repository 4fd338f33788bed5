package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/bizflow/pkg/schema"
)

const definitionSchemaURL = "https://bizflow.dev/schemas/workflow.json"

// definitionSchemaJSON describes a workflow definition document: the JSON form
// of CreateWorkflowDto used by template files and the MCP surface.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bizflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "name_ro": { "type": "string" },
    "description": { "type": "string" },
    "description_ro": { "type": "string" },
    "category": { "type": "string", "maxLength": 64 },
    "owner_id": { "type": "string" },
    "tags": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "variables": { "type": "object" },
    "triggers": { "type": "array", "items": { "$ref": "#/$defs/trigger" } },
    "steps": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": { "type": "string" },
        "type": { "enum": ["EVENT", "SCHEDULE", "MANUAL", "WEBHOOK", "CONDITION"] },
        "event": { "type": "string" },
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "schedule": { "type": "string" },
        "webhook_path": { "type": "string" },
        "payload_schema": { "type": "string" },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "name", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "type": { "enum": ["ACTION", "CONDITION", "PARALLEL", "LOOP", "WAIT", "APPROVAL"] },
        "order": { "type": "integer", "minimum": 0 },
        "action": { "$ref": "#/$defs/action" },
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "true_branch": { "type": "string" },
        "false_branch": { "type": "string" },
        "parallel_steps": { "type": "array", "items": { "type": "string" } },
        "loop": { "$ref": "#/$defs/loop" },
        "wait": { "$ref": "#/$defs/wait" },
        "approval": { "$ref": "#/$defs/approval" },
        "next_step": { "type": "string" },
        "on_error": { "enum": ["STOP", "CONTINUE", "RETRY", "GOTO"] },
        "error_goto_step": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["SEND_EMAIL", "SEND_NOTIFICATION", "API_CALL", "DATA_UPDATE", "GENERATE_DOCUMENT", "INTEGRATION", "CUSTOM"] },
        "config": { "type": "object" },
        "retry_on_failure": { "type": "boolean" },
        "max_retries": { "type": "integer", "minimum": 0, "maximum": 10 },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "enum": ["EQUALS", "NOT_EQUALS", "GREATER_THAN", "LESS_THAN", "CONTAINS", "NOT_CONTAINS",
                   "STARTS_WITH", "ENDS_WITH", "IN", "NOT_IN", "IS_NULL", "IS_NOT_NULL", "MATCHES_REGEX"]
        },
        "value": {},
        "logical_operator": { "enum": ["AND", "OR"] }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["collection"],
      "properties": {
        "collection": { "type": "string", "minLength": 1 },
        "item_variable": { "type": "string" },
        "max_iterations": { "type": "integer", "minimum": 0 },
        "body": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "properties": {
        "duration": { "$ref": "#/$defs/duration" },
        "until": { "type": "string" },
        "poll_interval": { "$ref": "#/$defs/duration" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "approval": {
      "type": "object",
      "required": ["approvers"],
      "properties": {
        "approvers": { "type": "array", "minItems": 1, "items": { "type": "string", "minLength": 1 } },
        "required_approvals": { "type": "integer", "minimum": 0 },
        "timeout_hours": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definition documents and webhook payloads
// (JSON Schema Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema

	// mu guards the cache of compiled payload schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	def, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{
		definition: def,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks raw JSON against the definition document schema.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidatePayload checks payload against a JSON Schema given as text.
// An empty schema accepts everything.
func (v *JSONSchemaValidator) ValidatePayload(payload map[string]any, schemaText string) error {
	if strings.TrimSpace(schemaText) == "" {
		return nil
	}
	compiled, err := v.getOrCompile(schemaText)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// CompilePayloadSchema reports whether schemaText is a usable JSON Schema.
func (v *JSONSchemaValidator) CompilePayloadSchema(schemaText string) error {
	_, err := v.getOrCompile(schemaText)
	return err
}

func (v *JSONSchemaValidator) getOrCompile(key string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("bizflow://payload-schema/%d", len(v.cache))
	// one compiler per schema so resources never collide
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens the leaves of a ValidationError tree.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
