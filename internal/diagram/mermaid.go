package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		writeMermaidNode(&b, node, 1)
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		arrow := "-->"
		if edge.Dashed() {
			arrow = "-.->"
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	model.walk(func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	})

	return b.String()
}

// writeMermaidNode writes a node definition followed by one subgraph per
// child group, nested to any depth.
func writeMermaidNode(b *strings.Builder, node *Node, depth int) {
	indent := strings.Repeat("    ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
	for _, sg := range node.Children {
		fmt.Fprintf(b, "%ssubgraph %s[\"%s: %s\"]\n", indent,
			mermaidSafeID(node.ID+"_"+sg.Label), mermaidEscapeLabel(node.ID), sg.Label)
		for _, child := range sg.Nodes {
			writeMermaidNode(b, child, depth+1)
		}
		fmt.Fprintf(b, "%send\n", indent)
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	name, _, _ := strings.Cut(node.Label, "\n")
	label := mermaidEscapeLabel(name)

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindLLM:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindTool:
		return fmt.Sprintf("%s[/\"%s\"/]", id, label)
	case NodeKindCustom:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel replaces characters that end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "#124;").Replace(s)
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "retrying", "skipped", "pending":
		return status
	case "waiting":
		return "pending"
	default:
		return ""
	}
}
