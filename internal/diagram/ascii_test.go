package diagram

import (
	"strings"
	"testing"

	"github.com/rendis/bizflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCII(t *testing.T) {
	model, err := Build(invoiceWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.True(t, strings.HasPrefix(output, "=== Invoice approval (v2) ===\n"))

	// Box-drawing characters.
	assert.Contains(t, output, "┌") // ┌
	assert.Contains(t, output, "┘") // ┘
	assert.Contains(t, output, "│") // │

	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "Check amount")
	assert.Contains(t, output, "End")

	assert.Contains(t, output, "--- branches ---")
	assert.Contains(t, output, "Check amount ─true→ Manager approval")
	assert.Contains(t, output, "Manager approval ─rejected→ End")
	assert.Contains(t, output, "(approver: finance-manager)")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	exec := &schema.Execution{ID: "ex", WorkflowID: "wf-1", StepResults: []schema.StepResult{
		{StepID: "check", Status: schema.StepCompleted},
		{StepID: "mark", Status: schema.StepFailed, RetryCount: 3, Error: "CIRCUIT_OPEN: integration anaf is unavailable until the cooldown ends"},
		{StepID: "approve", Status: schema.StepPending},
	}}
	model, err := Build(invoiceWorkflow(), exec)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[WAIT]")
	assert.Contains(t, output, "retries: 3")
	assert.Contains(t, output, "CIRCUIT_OPEN: integration anaf is unava…")
}

func TestRenderASCIISubSteps(t *testing.T) {
	model, err := Build(containerWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- Prepare sub-steps ---")
	assert.Contains(t, output, "  [parallel]")
	assert.Contains(t, output, "  [for each invoice in overdue]")
	assert.Contains(t, output, "    Fetch ─→ Mail")
}

func TestMakeBoxCountsRunes(t *testing.T) {
	box := makeBox(&Node{ID: "x", Label: "Aprobare factură\n(approver: contabil)"})
	require.Len(t, box.lines, 4)
	for _, line := range box.lines {
		assert.Equal(t, box.width, len([]rune(line)))
	}
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag("completed"))
	assert.Equal(t, "[SKIP]", statusTag("skipped"))
	assert.Equal(t, "", statusTag("unknown"))
}
