package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func TestValidateDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	valid := `{
	  "name": "Reminder",
	  "triggers": [{"type": "SCHEDULE", "schedule": "@daily"}],
	  "steps": [
	    {"id": "s1", "name": "email", "type": "ACTION",
	     "action": {"type": "SEND_EMAIL", "config": {"to": "{{client.email}}"}, "timeout": "30s"}},
	    {"id": "s2", "name": "pause", "type": "WAIT", "order": 1, "wait": {"duration": "1h30m"}}
	  ]
	}`
	assert.NoError(t, v.ValidateDocument([]byte(valid)))

	tests := map[string]string{
		"not json":        `{`,
		"missing name":    `{"steps": [{"id": "s1", "name": "x", "type": "ACTION"}]}`,
		"empty steps":     `{"name": "x", "steps": []}`,
		"unknown field":   `{"name": "x", "color": "red", "steps": [{"id": "s1", "name": "x", "type": "ACTION"}]}`,
		"bad step type":   `{"name": "x", "steps": [{"id": "s1", "name": "x", "type": "SLEEP"}]}`,
		"bad duration":    `{"name": "x", "steps": [{"id": "s1", "name": "x", "type": "WAIT", "wait": {"duration": "soon"}}]}`,
		"too many retries": `{"name": "x", "steps": [{"id": "s1", "name": "x", "type": "ACTION", "action": {"type": "CUSTOM", "max_retries": 11}}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			err := v.ValidateDocument([]byte(doc))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidatePayload(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	s := `{"type": "object", "required": ["amount"], "properties": {"amount": {"type": "number", "minimum": 0}}}`

	assert.NoError(t, v.ValidatePayload(map[string]any{"amount": 12.5}, s))
	assert.NoError(t, v.ValidatePayload(map[string]any{"anything": true}, ""))

	err = v.ValidatePayload(map[string]any{"amount": -1}, s)
	require.Error(t, err)
	assert.Contains(t, schema.Message(err), "/amount")

	err = v.ValidatePayload(nil, s)
	require.Error(t, err)

	err = v.ValidatePayload(map[string]any{}, "{")
	require.Error(t, err)
	assert.Equal(t, "invalid payload schema", schema.Message(err))
}
