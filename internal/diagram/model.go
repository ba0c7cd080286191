package diagram

// NodeKind classifies a diagram node by its chain step type.
type NodeKind string

const (
	NodeKindLLM         NodeKind = "llm"
	NodeKindFunction    NodeKind = "function"
	NodeKindTool        NodeKind = "tool"
	NodeKindCustom      NodeKind = "custom"
	NodeKindConditional NodeKind = "conditional"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindLoop        NodeKind = "loop"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// EdgeKind tells renderers how to draw an edge.
type EdgeKind string

const (
	// EdgeFlow links the virtual start and end nodes.
	EdgeFlow EdgeKind = "flow"
	// EdgeDependency is a Simple, All or Any dependency.
	EdgeDependency EdgeKind = "dependency"
	// EdgeConditional is a Conditional dependency; drawn dashed.
	EdgeConditional EdgeKind = "conditional"
	// EdgeMember links a control step to a step it owns.
	EdgeMember EdgeKind = "member"
	// EdgeFallback links a step to its fallback step; drawn dashed.
	EdgeFallback EdgeKind = "fallback"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes holds the top-level steps; owned steps live in their owner's
// Children.
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
	Children []*SubGraph
}

// SubGraph groups the steps a control step owns.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

// Dashed reports whether the edge is drawn dashed.
func (e Edge) Dashed() bool {
	return e.Kind == EdgeConditional || e.Kind == EdgeFallback
}

// walk visits every node of the model depth first.
func (m *DiagramModel) walk(fn func(*Node)) {
	var visit func(n *Node)
	visit = func(n *Node) {
		fn(n)
		for _, sg := range n.Children {
			for _, c := range sg.Nodes {
				visit(c)
			}
		}
	}
	for _, n := range m.Nodes {
		visit(n)
	}
}

// Find returns the node with the given ID, searching subgraphs too.
func (m *DiagramModel) Find(id string) *Node {
	var found *Node
	m.walk(func(n *Node) {
		if found == nil && n.ID == id {
			found = n
		}
	})
	return found
}
