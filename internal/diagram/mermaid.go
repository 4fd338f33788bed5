package diagram

import (
	"fmt"
	"strings"
)

// statusOrder fixes the order of classDef and class lines.
var statusOrder = []string{"completed", "failed", "running", "pending", "skipped"}

// mermaidShapes maps a node kind to its opening and closing delimiters.
var mermaidShapes = map[NodeKind][2]string{
	NodeKindAction:    {"[", "]"},
	NodeKindCondition: {"{", "}"},
	NodeKindApproval:  {"{{", "}}"},
	NodeKindWait:      {"([", "])"},
	NodeKindParallel:  {"[[", "]]"},
	NodeKindLoop:      {"[[", "]]"},
	NodeKindStart:     {"((", "))"},
	NodeKindEnd:       {"((", "))"},
}

var (
	mermaidIDReplacer    = strings.NewReplacer(".", "_", "-", "_", " ", "_")
	mermaidLabelReplacer = strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;")
)

// RenderMermaid renders a DiagramModel as Mermaid flowchart text. Error and
// rejection paths are drawn dotted; step status becomes a CSS class.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{byStatus: make(map[string][]string)}
	w.line(0, "graph TD")
	if model.Title != "" {
		w.line(1, "%% "+model.Title)
	}

	for _, n := range model.Nodes {
		w.node(1, n)
		for _, sg := range n.Children {
			w.line(1, fmt.Sprintf("subgraph %s[\"%s: %s\"]",
				mermaidSafeID(n.ID+"_children"), mermaidEscapeLabel(firstLine(n.Label)), mermaidEscapeLabel(sg.Label)))
			for _, child := range sg.Nodes {
				w.node(2, child)
			}
			for _, e := range sg.Edges {
				w.edge(2, e)
			}
			w.line(1, "end")
		}
	}
	for _, e := range model.Edges {
		w.edge(1, e)
	}

	w.b.WriteString("\n")
	for _, s := range statusOrder {
		p := statusPalette[s]
		w.line(1, fmt.Sprintf("classDef %s fill:%s,color:%s", s, p.fill, p.font))
	}
	for _, s := range statusOrder {
		if ids := w.byStatus[s]; len(ids) > 0 {
			w.line(1, fmt.Sprintf("class %s %s", strings.Join(ids, ","), s))
		}
	}
	return w.b.String()
}

type mermaidWriter struct {
	b        strings.Builder
	byStatus map[string][]string
}

func (w *mermaidWriter) line(depth int, s string) {
	w.b.WriteString(strings.Repeat("    ", depth))
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *mermaidWriter) node(depth int, n *Node) {
	shape, ok := mermaidShapes[n.Kind]
	if !ok {
		shape = mermaidShapes[NodeKindAction]
	}
	id := mermaidSafeID(n.ID)
	w.line(depth, fmt.Sprintf("%s%s%q%s", id, shape[0], mermaidEscapeLabel(firstLine(n.Label)), shape[1]))
	if n.Status != nil {
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			w.byStatus[cls] = append(w.byStatus[cls], id)
		}
	}
}

func (w *mermaidWriter) edge(depth int, e Edge) {
	arrow := "-->"
	if e.Label == "on error" || e.Label == "rejected" {
		arrow = "-.->"
	}
	if e.Label != "" {
		arrow += "|" + e.Label + "|"
	}
	w.line(depth, fmt.Sprintf("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To)))
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidEscapeLabel replaces characters Mermaid treats as markup with entity codes.
func mermaidEscapeLabel(s string) string {
	return mermaidLabelReplacer.Replace(s)
}

func mermaidStatusClass(status string) string {
	if _, ok := statusPalette[status]; ok {
		return status
	}
	return ""
}
