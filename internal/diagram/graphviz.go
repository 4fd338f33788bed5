package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// palette is the fill/font pair of one step status.
type palette struct{ fill, font string }

var statusPalette = map[string]palette{
	"completed": {"#2d6a2d", "white"},
	"failed":    {"#8b1a1a", "white"},
	"running":   {"#1a5276", "white"},
	"pending":   {"#b7791a", "white"},
	"skipped":   {"#e8e8e8", "#888888"},
}

var kindShape = map[NodeKind]cgraph.Shape{
	NodeKindAction:    cgraph.BoxShape,
	NodeKindParallel:  cgraph.BoxShape,
	NodeKindLoop:      cgraph.BoxShape,
	NodeKindCondition: cgraph.DiamondShape,
	NodeKindApproval:  cgraph.HexagonShape,
	NodeKindWait:      cgraph.EllipseShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.DoubleCircleShape,
}

// RenderImage lays the model out with dot and returns PNG bytes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	graph.SetLabel(model.Title)

	r := &gvRenderer{graph: graph, nodes: make(map[string]*cgraph.Node)}
	for _, n := range model.Nodes {
		if err := r.addNode(graph, n); err != nil {
			return nil, err
		}
	}
	// Container bodies go in dashed clusters so dot keeps them together.
	for _, n := range model.Nodes {
		for i, sg := range n.Children {
			cluster, err := graph.CreateSubGraphByName(fmt.Sprintf("cluster_%s_%d", n.ID, i))
			if err != nil {
				return nil, fmt.Errorf("diagram: create cluster for %s: %w", n.ID, err)
			}
			cluster.SetLabel(sg.Label)
			cluster.SetStyle(cgraph.DashedGraphStyle)
			for _, child := range sg.Nodes {
				if err := r.addNode(cluster, child); err != nil {
					return nil, err
				}
			}
			if err := r.addEdges(sg.Edges); err != nil {
				return nil, err
			}
		}
	}
	if err := r.addEdges(model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

type gvRenderer struct {
	graph *cgraph.Graph
	nodes map[string]*cgraph.Node
}

func (r *gvRenderer) addNode(parent *cgraph.Graph, n *Node) error {
	gn, err := parent.CreateNodeByName(n.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
	}
	gn.SetLabel(n.Label)
	if shape, ok := kindShape[n.Kind]; ok {
		gn.SetShape(shape)
	}
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetLabel("")
		gn.SetWidth(0.3)
		gn.SetHeight(0.3)
	}
	if s := n.Status; s != nil {
		if p, ok := statusPalette[s.Status]; ok {
			gn.SetStyle(cgraph.FilledNodeStyle)
			gn.SetFillColor(p.fill)
			gn.SetFontColor(p.font)
		}
		gn.SetTooltip(statusTooltip(s))
	}
	r.nodes[n.ID] = gn
	return nil
}

func (r *gvRenderer) addEdges(edges []Edge) error {
	for _, e := range edges {
		from, to := r.nodes[e.From], r.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := r.graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label == "" {
			continue
		}
		ge.SetLabel(e.Label)
		switch e.Label {
		case "on error", "rejected":
			ge.SetStyle(cgraph.DashedEdgeStyle)
			ge.SetColor("#8b1a1a")
			ge.SetFontColor("#8b1a1a")
		}
	}
	return nil
}

func statusTooltip(s *StatusOverlay) string {
	parts := []string{s.Status}
	if s.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
	}
	if s.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("retries %d", s.RetryCount))
	}
	if s.Error != "" {
		parts = append(parts, s.Error)
	}
	return strings.Join(parts, " | ")
}
