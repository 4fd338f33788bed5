package diagram

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/bizflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and, optionally, one of its
// executions. Top-level steps are laid out by order; steps owned by a PARALLEL
// or LOOP step become SubGraph children of their owner.
func Build(wf *schema.Workflow, exec *schema.Execution) (*DiagramModel, error) {
	if wf == nil {
		return nil, errors.New("diagram: workflow is nil")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, fmt.Errorf("diagram: execution %s does not belong to workflow %s", exec.ID, wf.ID)
	}

	steps := schema.CloneSteps(wf.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	byID := make(map[string]*schema.Step, len(steps))
	owned := make(map[string]bool)
	for i := range steps {
		s := &steps[i]
		byID[s.ID] = s
		for _, id := range s.ParallelSteps {
			owned[id] = true
		}
		if s.Loop != nil {
			for _, id := range s.Loop.Body {
				owned[id] = true
			}
		}
	}
	var top []*schema.Step
	for i := range steps {
		if !owned[steps[i].ID] {
			top = append(top, &steps[i])
		}
	}

	results := resultIndex(exec)

	nodes := make([]*Node, 0, len(top)+2) // +2 for start/end
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	levels := [][]string{{StartID}}
	for _, step := range top {
		node := stepToNode(step, results)
		buildChildren(node, step, byID, results)
		nodes = append(nodes, node)
		levels = append(levels, []string{step.ID})
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	levels = append(levels, []string{EndID})

	return &DiagramModel{
		Title:  fmt.Sprintf("%s (v%d)", wf.Name, wf.Version),
		Nodes:  nodes,
		Edges:  buildEdges(top),
		Levels: levels,
	}, nil
}

// resultIndex keeps the latest result per step id.
func resultIndex(exec *schema.Execution) map[string]*schema.StepResult {
	out := make(map[string]*schema.StepResult)
	if exec == nil {
		return out
	}
	for i := range exec.StepResults {
		r := &exec.StepResults[i]
		out[r.StepID] = r
	}
	return out
}

// stepToNode maps a Step to a diagram Node.
func stepToNode(step *schema.Step, results map[string]*schema.StepResult) *Node {
	node := &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.Type),
	}
	overlayStatus(node, results)
	return node
}

// stepTypeToKind converts a schema.StepType to a NodeKind.
func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeApproval:
		return NodeKindApproval
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label: the step name, then a detail line.
func nodeLabel(step *schema.Step) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	var detail string
	switch {
	case step.Action != nil:
		detail = string(step.Action.Type)
	case step.Approval != nil && len(step.Approval.Approvers) > 0:
		detail = "approver: " + strings.Join(step.Approval.Approvers, ", ")
	case step.Wait != nil && step.Wait.Until != "":
		detail = "until " + step.Wait.Until
	case step.Wait != nil && step.Wait.Duration != "":
		detail = "wait " + step.Wait.Duration
	}
	if detail == "" {
		return name
	}
	return fmt.Sprintf("%s\n(%s)", name, detail)
}

// overlayStatus applies the step's latest result to a node.
func overlayStatus(node *Node, results map[string]*schema.StepResult) {
	r, ok := results[node.ID]
	if !ok {
		return
	}
	overlay := &StatusOverlay{
		Status:     strings.ToLower(string(r.Status)),
		RetryCount: r.RetryCount,
		Error:      r.Error,
	}
	if d, ok := r.Duration(); ok {
		overlay.DurationMs = d.Milliseconds()
	}
	node.Status = overlay
}

// buildChildren creates SubGraph children for container steps.
func buildChildren(node *Node, step *schema.Step, byID map[string]*schema.Step, results map[string]*schema.StepResult) {
	switch step.Type {
	case schema.StepTypeParallel:
		if len(step.ParallelSteps) > 0 {
			node.Children = append(node.Children, buildSubGraph("parallel", step.ParallelSteps, false, byID, results))
		}
	case schema.StepTypeLoop:
		if step.Loop != nil && len(step.Loop.Body) > 0 {
			item := step.Loop.ItemVariable
			if item == "" {
				item = "item"
			}
			label := fmt.Sprintf("for each %s in %s", item, step.Loop.Collection)
			node.Children = append(node.Children, buildSubGraph(label, step.Loop.Body, true, byID, results))
		}
	}
}

// buildSubGraph creates a SubGraph from the ids owned by a container. Loop
// bodies run in sequence and get chained edges; parallel branches do not.
func buildSubGraph(label string, ids []string, chain bool, byID map[string]*schema.Step, results map[string]*schema.StepResult) *SubGraph {
	sg := &SubGraph{Label: label}
	var prev string
	for _, id := range ids {
		sub, ok := byID[id]
		if !ok {
			continue
		}
		sg.Nodes = append(sg.Nodes, stepToNode(sub, results))
		if chain && prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: id})
		}
		prev = id
	}
	return sg
}

// buildEdges mirrors how the executor advances: a CONDITION branch, then
// NextStep, then the next top-level step by order.
func buildEdges(top []*schema.Step) []Edge {
	if len(top) == 0 {
		return []Edge{{From: StartID, To: EndID}}
	}

	edges := []Edge{{From: StartID, To: top[0].ID}}
	for i, step := range top {
		fallthroughID := EndID
		if i+1 < len(top) {
			fallthroughID = top[i+1].ID
		}
		next := fallthroughID
		if step.NextStep != "" {
			next = step.NextStep
		}

		switch step.Type {
		case schema.StepTypeCondition:
			edges = append(edges,
				Edge{From: step.ID, To: orDefault(step.TrueBranch, next), Label: "true"},
				Edge{From: step.ID, To: orDefault(step.FalseBranch, next), Label: "false"},
			)
		case schema.StepTypeApproval:
			edges = append(edges,
				Edge{From: step.ID, To: next, Label: "approved"},
				Edge{From: step.ID, To: EndID, Label: "rejected"},
			)
		default:
			edges = append(edges, Edge{From: step.ID, To: next})
		}

		if step.EffectiveOnError() == schema.OnErrorGoto && step.ErrorGotoStep != "" {
			edges = append(edges, Edge{From: step.ID, To: step.ErrorGotoStep, Label: "on error"})
		}
	}
	return edges
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
