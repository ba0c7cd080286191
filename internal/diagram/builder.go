package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a chain and optional step states.
// Steps owned by a Parallel, Loop or Conditional step are placed in their
// owner's subgraph; everything else is a top-level node.
func Build(c *schema.Chain, states []*store.StepState) (*DiagramModel, error) {
	plan, err := scheduler.NewPlan(c)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, plan.Len())
	for i, pn := range plan.Nodes {
		nodes[i] = stepToNode(pn.Step, pn.ID)
		overlayStatus(nodes[i], stateMap)
	}
	for i, pn := range plan.Nodes {
		if len(pn.Members) == 0 {
			continue
		}
		sg := &SubGraph{Label: subGraphLabel(pn.Step)}
		for _, m := range pn.Members {
			sg.Nodes = append(sg.Nodes, nodes[m])
		}
		nodes[i].Children = append(nodes[i].Children, sg)
	}

	model := &DiagramModel{Title: titleOf(c)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i, pn := range plan.Nodes {
		if pn.Owner == scheduler.None {
			model.Nodes = append(model.Nodes, nodes[i])
		}
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(plan)
	model.Levels = buildLevels(plan)
	return model, nil
}

func stepToNode(step schema.ChainStep, id string) *Node {
	return &Node{ID: id, Label: nodeLabel(step, id), Kind: kindOf(step.StepType)}
}

func kindOf(st schema.StepType) NodeKind {
	switch st.(type) {
	case schema.LLMInference:
		return NodeKindLLM
	case schema.FunctionCall:
		return NodeKindFunction
	case schema.ToolUse:
		return NodeKindTool
	case schema.ConditionalStep:
		return NodeKindConditional
	case schema.ParallelStep:
		return NodeKindParallel
	case schema.LoopStep:
		return NodeKindLoop
	default:
		return NodeKindCustom
	}
}

// nodeLabel is the step name (or ID) with the invoked target on a second
// line.
func nodeLabel(step schema.ChainStep, id string) string {
	name := id
	if step.Name != "" {
		name = step.Name
	}
	var detail string
	switch st := step.StepType.(type) {
	case schema.LLMInference:
		detail = st.Model
	case schema.FunctionCall:
		detail = st.FunctionName
	case schema.ToolUse:
		detail = st.ToolName
	case schema.CustomStep:
		detail = st.Handler
	case schema.LoopStep:
		if st.MaxIterations != nil {
			detail = fmt.Sprintf("max %d", *st.MaxIterations)
		}
	}
	if detail == "" {
		return name
	}
	return fmt.Sprintf("%s\n(%s)", name, detail)
}

func subGraphLabel(step schema.ChainStep) string {
	switch st := step.StepType.(type) {
	case schema.ParallelStep:
		if st.WaitForAll {
			return "all"
		}
		return "first"
	case schema.LoopStep:
		return "body"
	default:
		return "branches"
	}
}

func overlayStatus(node *Node, stateMap map[string]*store.StepState) {
	ss, ok := stateMap[node.ID]
	if !ok {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		Attempts:   ss.Attempts,
		Error:      errorMessage(ss.Error),
	}
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var ce schema.ChainError
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Message != "" {
		return ce.Message
	}
	return string(raw)
}

// buildEdges derives dependency, ownership and fallback edges, plus the
// virtual start and end edges of top-level steps.
func buildEdges(plan *scheduler.Plan) []Edge {
	var edges []Edge
	hasDependents := make(map[int]bool)

	for _, n := range plan.Nodes {
		if n.Owner == scheduler.None && len(n.Referrers) == 0 && len(n.Deps) == 0 {
			edges = append(edges, Edge{From: startID, To: n.ID, Kind: EdgeFlow})
		}
	}

	for _, n := range plan.Nodes {
		for _, dep := range n.Deps {
			kind, label := EdgeDependency, ""
			switch d := dep.Type.(type) {
			case schema.AllDependency:
				label = "all"
			case schema.AnyDependency:
				label = "any"
			case schema.ConditionalDependency:
				kind = EdgeConditional
				if d.Condition != nil {
					label = "if " + d.Condition.ConditionType()
				}
			}
			for _, p := range dep.Preds {
				hasDependents[p] = true
				edges = append(edges, Edge{From: plan.ID(p), To: n.ID, Label: label, Kind: kind})
			}
		}

		labels := memberLabels(n.Step)
		for _, m := range n.Members {
			id := plan.ID(m)
			edges = append(edges, Edge{From: n.ID, To: id, Label: labels[id], Kind: EdgeMember})
		}
		if n.Fallback != scheduler.None {
			edges = append(edges, Edge{From: n.ID, To: plan.ID(n.Fallback), Label: "fallback", Kind: EdgeFallback})
		}
	}

	for _, n := range plan.Nodes {
		if n.Owner == scheduler.None && len(n.Referrers) == 0 && !hasDependents[n.Index] {
			edges = append(edges, Edge{From: n.ID, To: endID, Kind: EdgeFlow})
		}
	}
	return edges
}

// memberLabels names the edge from a conditional step to each target.
func memberLabels(step schema.ChainStep) map[string]string {
	out := map[string]string{}
	st, ok := step.StepType.(schema.ConditionalStep)
	if !ok {
		return out
	}
	for _, br := range st.Branches {
		if _, seen := out[br.TargetStep]; seen {
			continue
		}
		if br.Condition != nil {
			out[br.TargetStep] = br.Condition.ConditionType()
		}
	}
	if st.DefaultBranch != "" {
		if _, seen := out[st.DefaultBranch]; !seen {
			out[st.DefaultBranch] = "default"
		}
	}
	return out
}

// buildLevels layers the top-level steps by dependency depth. Fallback
// targets sit below the step that uses them. Steps caught in a cycle go
// into one final level.
func buildLevels(plan *scheduler.Plan) [][]string {
	top := make(map[int]bool)
	for _, n := range plan.Nodes {
		if n.Owner == scheduler.None {
			top[n.Index] = true
		}
	}

	indegree := make(map[int]int)
	next := make(map[int][]int)
	link := func(from, to int) {
		if top[from] && top[to] && from != to {
			indegree[to]++
			next[from] = append(next[from], to)
		}
	}
	for _, n := range plan.Nodes {
		for _, dep := range n.Deps {
			for _, p := range dep.Preds {
				link(p, n.Index)
			}
		}
		if n.Fallback != scheduler.None {
			link(n.Index, n.Fallback)
		}
	}

	levels := [][]string{{startID}}
	placed := make(map[int]bool)
	var frontier []int
	for _, n := range plan.Nodes {
		if top[n.Index] && indegree[n.Index] == 0 {
			frontier = append(frontier, n.Index)
		}
	}
	for len(frontier) > 0 {
		level := make([]string, 0, len(frontier))
		var following []int
		for _, i := range frontier {
			placed[i] = true
			level = append(level, plan.ID(i))
			for _, j := range next[i] {
				indegree[j]--
				if indegree[j] == 0 {
					following = append(following, j)
				}
			}
		}
		levels = append(levels, level)
		frontier = following
	}

	var rest []string
	for _, n := range plan.Nodes {
		if top[n.Index] && !placed[n.Index] {
			rest = append(rest, n.ID)
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return append(levels, []string{endID})
}

func titleOf(c *schema.Chain) string {
	if c.Name != "" {
		return c.Name
	}
	if c.ID != "" {
		return c.ID
	}
	return "Chain"
}
