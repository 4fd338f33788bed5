// Package diagram renders workflows as Mermaid, ASCII or PNG flowcharts,
// optionally overlaid with the step results of one execution.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindLoop      NodeKind = "loop"
	NodeKindWait      NodeKind = "wait"
	NodeKindApproval  NodeKind = "approval"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // parallel branches, loop body
}

// SubGraph holds the steps owned by a PARALLEL or LOOP step.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // lower-cased schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
