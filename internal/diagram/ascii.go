package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/chainflow/pkg/schema"
)

var statusTags = map[string]string{
	string(schema.StepCompleted): "[OK]",
	string(schema.StepFailed):    "[FAIL]",
	string(schema.StepRunning):   "[RUN]",
	string(schema.StepWaiting):   "[WAIT]",
	string(schema.StepRetrying):  "[RETRY]",
	string(schema.StepSkipped):   "[SKIP]",
	string(schema.StepPending):   "[PEND]",
}

// gap separates boxes on the same row.
const gap = "  "

// RenderASCII draws the model as rows of boxes, one row per level, followed
// by the owned steps of each control step and the dashed edges the rows
// cannot show.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row []textBox
		for _, id := range level {
			if n := model.Find(id); n != nil {
				row = append(row, newTextBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		width := writeRow(&b, row)
		if i < len(model.Levels)-1 {
			pad := strings.Repeat(" ", width/2)
			b.WriteString(pad + "│\n" + pad + "▼\n")
		}
	}

	for _, n := range model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s sub-steps ---\n", n.ID)
		for _, sg := range n.Children {
			writeSubGraph(&b, sg, 1)
		}
	}

	var dashed []Edge
	for _, e := range model.Edges {
		if e.Dashed() {
			dashed = append(dashed, e)
		}
	}
	if len(dashed) > 0 {
		b.WriteString("\n--- edges ---\n")
		for _, e := range dashed {
			fmt.Fprintf(&b, "  %s ─→ %s", e.From, e.To)
			if e.Label != "" {
				fmt.Fprintf(&b, " (%s)", e.Label)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// textBox is the content of one node, framed when written.
type textBox struct {
	lines []string
	inner int
}

func newTextBox(n *Node) textBox {
	lines := strings.Split(n.Label, "\n")
	if st := n.Status; st != nil {
		if tag := statusTags[st.Status]; tag != "" {
			lines = append(lines, tag)
		}
		if st.DurationMs > 0 {
			lines = append(lines, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.Attempts > 1 {
			lines = append(lines, fmt.Sprintf("%d attempts", st.Attempts))
		}
	}
	inner := 0
	for _, l := range lines {
		inner = max(inner, utf8.RuneCountInString(l))
	}
	return textBox{lines: lines, inner: inner}
}

// width is the framed width: border and one space of padding per side.
func (t textBox) width() int { return t.inner + 4 }

// height is the framed height.
func (t textBox) height() int { return len(t.lines) + 2 }

// line returns framed row i, or blanks below the bottom border.
func (t textBox) line(i int) string {
	switch {
	case i == 0:
		return "┌" + strings.Repeat("─", t.inner+2) + "┐"
	case i == len(t.lines)+1:
		return "└" + strings.Repeat("─", t.inner+2) + "┘"
	case i > len(t.lines)+1:
		return strings.Repeat(" ", t.width())
	}
	l := t.lines[i-1]
	return "│ " + l + strings.Repeat(" ", t.inner-utf8.RuneCountInString(l)) + " │"
}

// writeRow writes boxes side by side, top aligned, and returns the row
// width.
func writeRow(b *strings.Builder, row []textBox) int {
	height, width := 0, 0
	for i, t := range row {
		height = max(height, t.height())
		width += t.width()
		if i > 0 {
			width += len(gap)
		}
	}
	for y := range height {
		for i, t := range row {
			if i > 0 {
				b.WriteString(gap)
			}
			b.WriteString(t.line(y))
		}
		b.WriteByte('\n')
	}
	return width
}

// writeSubGraph lists the members of sg one per line, nesting the members
// of control steps below them.
func writeSubGraph(b *strings.Builder, sg *SubGraph, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s[%s]\n", indent, sg.Label)
	for _, n := range sg.Nodes {
		name, _, _ := strings.Cut(n.Label, "\n")
		if n.Status != nil {
			name += " " + statusTags[n.Status.Status]
		}
		fmt.Fprintf(b, "%s  %s\n", indent, strings.TrimRight(name, " "))
		for _, child := range n.Children {
			writeSubGraph(b, child, depth+2)
		}
	}
}
