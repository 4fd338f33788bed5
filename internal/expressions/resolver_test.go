package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVars() map[string]any {
	return map[string]any{
		"client": map[string]any{
			"name": "Acme SRL",
			"cui":  "RO123",
			"address": map[string]any{
				"city": "Cluj",
			},
		},
		"amount":  500,
		"items":   []any{"a", "b", "c"},
		"missing": nil,
		"labels":  map[string]string{"tier": "gold"},
	}
}

func TestResolve_Paths(t *testing.T) {
	vars := testVars()

	tests := []struct {
		name string
		path string
		want any
	}{
		{"top level", "amount", 500},
		{"nested", "client.address.city", "Cluj"},
		{"wrapped", "{{client.name}}", "Acme SRL"},
		{"wrapped with spaces", "{{ client.cui }}", "RO123"},
		{"slice index", "items.1", "b"},
		{"slice out of range", "items.9", nil},
		{"missing leaf", "client.email", nil},
		{"nil intermediate", "missing.deeper", nil},
		{"missing intermediate", "nope.deeper.still", nil},
		{"typed map", "labels.tier", "gold"},
		{"empty path", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.path, vars))
		})
	}
}

func TestResolve_NilVars(t *testing.T) {
	assert.Nil(t, Resolve("a.b", nil))
}

func TestInterpolate_SinglePlaceholderKeepsType(t *testing.T) {
	vars := testVars()
	assert.Equal(t, 500, Interpolate("{{amount}}", vars))
	assert.Equal(t, []any{"a", "b", "c"}, Interpolate("{{items}}", vars))
}

func TestInterpolate_Embedded(t *testing.T) {
	vars := testVars()
	assert.Equal(t, "Invoice for Acme SRL (RO123): 500 RON",
		Interpolate("Invoice for {{client.name}} ({{ client.cui }}): {{amount}} RON", vars))
	assert.Equal(t, "Hello !", Interpolate("Hello {{client.nickname}}!", vars))
	assert.Equal(t, "no placeholders", Interpolate("no placeholders", vars))
	assert.Equal(t, "broken {{client.name", Interpolate("broken {{client.name", vars))
}

func TestInterpolateValue_Recursive(t *testing.T) {
	vars := testVars()
	in := map[string]any{
		"to":      []any{"{{client.name}}", "ops@example.com"},
		"subject": "Factura {{amount}}",
		"count":   3,
		"nested":  map[string]any{"city": "{{client.address.city}}"},
	}

	out := InterpolateValue(in, vars).(map[string]any)
	assert.Equal(t, []any{"Acme SRL", "ops@example.com"}, out["to"])
	assert.Equal(t, "Factura 500", out["subject"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "Cluj", out["nested"].(map[string]any)["city"])
	assert.Equal(t, "{{client.name}}", in["to"].([]any)[0], "input must not be modified")
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "42", Stringify(int64(42)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
