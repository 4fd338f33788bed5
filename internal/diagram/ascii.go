package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"pending":   "[WAIT]",
	"skipped":   "[SKIP]",
}

func statusTag(status string) string { return statusTags[status] }

const maxErrorWidth = 40

// RenderASCII draws the model top to bottom with box-drawing characters.
// Labelled transitions and container bodies are listed after the boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row []asciiBox
		for _, id := range level {
			if n := findNode(model.Nodes, id); n != nil {
				row = append(row, makeBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		for _, line := range joinBoxes(row) {
			b.WriteString(strings.TrimRight(line, " "))
			b.WriteByte('\n')
		}
		if i < len(model.Levels)-1 {
			pad := strings.Repeat(" ", row[0].width/2)
			b.WriteString(pad + "│\n")
			b.WriteString(pad + "▼\n")
		}
	}

	first := true
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if first {
			b.WriteString("\n--- branches ---\n")
			first = false
		}
		fmt.Fprintf(&b, "  %s ─%s→ %s\n", labelOf(model.Nodes, e.From), e.Label, labelOf(model.Nodes, e.To))
	}

	for _, n := range model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s sub-steps ---\n", firstLine(n.Label))
		for _, sg := range n.Children {
			fmt.Fprintf(&b, "  [%s]\n", sg.Label)
			for _, child := range sg.Nodes {
				line := "    " + firstLine(child.Label)
				if child.Status != nil {
					if tag := statusTag(child.Status.Status); tag != "" {
						line += " " + tag
					}
				}
				b.WriteString(line + "\n")
			}
			for _, e := range sg.Edges {
				fmt.Fprintf(&b, "    %s ─→ %s\n", labelOf(sg.Nodes, e.From), labelOf(sg.Nodes, e.To))
			}
		}
	}
	return b.String()
}

// asciiBox is one rendered node; every line is exactly width runes.
type asciiBox struct {
	lines []string
	width int
}

func makeBox(n *Node) asciiBox {
	content := strings.Split(n.Label, "\n")
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		content = content[:1]
	}
	if s := n.Status; s != nil {
		var meta []string
		if tag := statusTag(s.Status); tag != "" {
			meta = append(meta, tag)
		}
		if s.DurationMs > 0 {
			meta = append(meta, fmt.Sprintf("%dms", s.DurationMs))
		}
		if len(meta) > 0 {
			content = append(content, strings.Join(meta, " "))
		}
		if s.RetryCount > 0 {
			content = append(content, fmt.Sprintf("retries: %d", s.RetryCount))
		}
		if s.Error != "" {
			content = append(content, truncate(s.Error, maxErrorWidth))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

// joinBoxes lays boxes side by side, top-aligned, two spaces apart.
func joinBoxes(boxes []asciiBox) []string {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	out := make([]string, height)
	for row := range out {
		parts := make([]string, len(boxes))
		for i, bx := range boxes {
			if row < len(bx.lines) {
				parts[i] = bx.lines[row]
			} else {
				parts[i] = strings.Repeat(" ", bx.width)
			}
		}
		out[row] = strings.Join(parts, "  ")
	}
	return out
}

func truncate(s string, n int) string {
	s = firstLine(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func firstLine(s string) string {
	first, _, _ := strings.Cut(s, "\n")
	return first
}

func labelOf(nodes []*Node, id string) string {
	if n := findNode(nodes, id); n != nil {
		return firstLine(n.Label)
	}
	return id
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
