package diagram

import (
	"testing"

	"github.com/rendis/bizflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(invoiceWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Invoice approval (v2)")

	// Shapes by kind.
	assert.Contains(t, output, `check{"Check amount"}`)
	assert.Contains(t, output, `approve{{"Manager approval"}}`)
	assert.Contains(t, output, `send["Send invoice"]`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")

	// Labelled edges.
	assert.Contains(t, output, "check -->|true| approve")
	assert.Contains(t, output, "check -->|false| mark")
	assert.Contains(t, output, "mark -.->|on error| send")
	assert.Contains(t, output, "approve -.->|rejected| __end__")

	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef pending")
	assert.NotContains(t, output, "class check")
	assert.NotContains(t, output, "\n    class ")
}

func TestRenderMermaidContainers(t *testing.T) {
	model, err := Build(containerWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `fan[["Prepare"]]`)
	assert.Contains(t, output, `subgraph fan_children["Prepare: parallel"]`)
	assert.Contains(t, output, `subgraph each_children["Remind: for each invoice in overdue"]`)
	assert.Contains(t, output, "        fetch --> mail")
	assert.Contains(t, output, `pause(["Pause"])`)
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	exec := &schema.Execution{ID: "ex", WorkflowID: "wf-1", StepResults: []schema.StepResult{
		{StepID: "check", Status: schema.StepCompleted},
		{StepID: "approve", Status: schema.StepPending},
	}}
	model, err := Build(invoiceWorkflow(), exec)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class check completed")
	assert.Contains(t, output, "class approve pending")
}

func TestRenderMermaidGroupsStatusClasses(t *testing.T) {
	exec := &schema.Execution{ID: "ex", WorkflowID: "wf-1", StepResults: []schema.StepResult{
		{StepID: "check", Status: schema.StepCompleted},
		{StepID: "mark", Status: schema.StepCompleted},
	}}
	model, err := Build(invoiceWorkflow(), exec)
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(model), "class check,mark completed")
}

func TestMermaidEscaping(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
	assert.Equal(t, "say #quot;hi#quot; #lt;b#gt;", mermaidEscapeLabel(`say "hi" <b>`))
	assert.Equal(t, "", mermaidStatusClass("COMPLETED"))
	assert.Equal(t, "failed", mermaidStatusClass("failed"))
}
