package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
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
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	for _, node := range model.Nodes {
		if err := addGraphvizNode(graph, node, gvNodes); err != nil {
			return nil, err
		}
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Dashed() {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// addGraphvizNode creates node in g and a dashed cluster for each of its
// child groups, recursively.
func addGraphvizNode(g *cgraph.Graph, node *Node, gvNodes map[string]*cgraph.Node) error {
	gvNode, err := g.CreateNodeByName(node.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
	}
	gvNode.SetLabel(node.Label)
	applyNodeStyle(gvNode, node)
	gvNodes[node.ID] = gvNode

	for _, sg := range node.Children {
		sub, err := g.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
		if err != nil {
			return fmt.Errorf("diagram: create cluster for %s: %w", node.ID, err)
		}
		sub.SetLabel(node.ID + ": " + sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, child := range sg.Nodes {
			if err := addGraphvizNode(sub, child, gvNodes); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindFunction, NodeKindTool, NodeKindParallel, NodeKindLoop:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindLLM:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindCustom:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindConditional:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "retrying":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending", "waiting":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
