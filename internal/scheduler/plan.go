package scheduler

import (
	"github.com/rendis/chainflow/pkg/schema"
)

// None marks an absent index.
const None = -1

// Edge is one incoming dependency of a step, resolved to arena indexes.
type Edge struct {
	Type      schema.DependencyType
	Preds     []int
	Condition schema.Condition
}

// Node is a step in the arena together with its resolved references.
type Node struct {
	Index int
	ID    string
	Step  schema.ChainStep

	// Deps are the dependency edges targeting this step.
	Deps []Edge
	// Owner is the Parallel, Loop or Conditional step controlling this one.
	Owner int
	// Members are the steps this node controls, in declaration order.
	Members []int
	// Referrers name this step as their ExecuteFallbackStep target.
	Referrers []int
	// Fallback is the target of this step's ExecuteFallbackStep handler.
	Fallback int
}

// Gated reports whether the node only runs after activation by its owner or
// a failing referrer.
func (n *Node) Gated() bool {
	return n.Owner != None || len(n.Referrers) > 0
}

// Control reports whether the node is a Parallel, Loop or Conditional step.
// Control steps are driven by the engine and never occupy a parallelism slot.
func (n *Node) Control() bool {
	switch n.Step.StepType.(type) {
	case schema.ParallelStep, schema.LoopStep, schema.ConditionalStep:
		return true
	}
	return false
}

// Plan is the arena form of a chain: steps in insertion order plus a
// name-to-index map, built once per chain.
type Plan struct {
	Chain *schema.Chain
	Nodes []*Node
	index map[string]int
	// subtrees caches the reset set of every control step.
	subtrees map[int][]int
}

// NewPlan builds the arena for c. References to unknown steps are rejected;
// validated chains never hit that path.
func NewPlan(c *schema.Chain) (*Plan, error) {
	if c == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain is nil")
	}
	p := &Plan{
		Chain:    c,
		Nodes:    make([]*Node, 0, c.Steps.Len()),
		index:    make(map[string]int, c.Steps.Len()),
		subtrees: make(map[int][]int),
	}
	c.Steps.Each(func(key string, step schema.ChainStep) {
		i := len(p.Nodes)
		p.index[key] = i
		p.Nodes = append(p.Nodes, &Node{Index: i, ID: key, Step: step, Owner: None, Fallback: None})
	})

	for _, n := range p.Nodes {
		for _, member := range n.Step.ControlledSteps() {
			m, err := p.lookup(member, n.ID)
			if err != nil {
				return nil, err
			}
			if m == n.Index {
				continue
			}
			n.Members = append(n.Members, m)
			if owner := p.Nodes[m].Owner; owner != None && owner != n.Index {
				return nil, schema.NewErrorf(schema.ErrCodeDuplicateOwner,
					"step %q is already controlled by %q", member, p.Nodes[owner].ID).WithStep(n.ID)
			}
			p.Nodes[m].Owner = n.Index
		}
		if fb, ok := n.Step.ErrorHandler.(schema.ExecuteFallbackStep); ok {
			f, err := p.lookup(fb.StepID, n.ID)
			if err != nil {
				return nil, err
			}
			n.Fallback = f
			p.Nodes[f].Referrers = append(p.Nodes[f].Referrers, n.Index)
		}
	}

	for _, dep := range c.Dependencies {
		if dep.DependencyType == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dependency of %q has no type", dep.DependentStep)
		}
		d, err := p.lookup(dep.DependentStep, dep.DependentStep)
		if err != nil {
			return nil, err
		}
		edge := Edge{Type: dep.DependencyType}
		if cd, ok := dep.DependencyType.(schema.ConditionalDependency); ok {
			edge.Condition = cd.Condition
		}
		for _, pred := range dep.DependencyType.Predecessors() {
			i, err := p.lookup(pred, dep.DependentStep)
			if err != nil {
				return nil, err
			}
			edge.Preds = append(edge.Preds, i)
		}
		p.Nodes[d].Deps = append(p.Nodes[d].Deps, edge)
	}
	return p, nil
}

func (p *Plan) lookup(id, referrer string) (int, error) {
	i, ok := p.index[id]
	if !ok {
		return None, schema.NewErrorf(schema.ErrCodeDanglingRef, "unknown step %q", id).WithStep(referrer)
	}
	return i, nil
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Nodes) }

// Index returns the arena index of a step ID.
func (p *Plan) Index(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// Node returns the node at index i.
func (p *Plan) Node(i int) *Node { return p.Nodes[i] }

// ID returns the step ID at index i.
func (p *Plan) ID(i int) string { return p.Nodes[i].ID }

// Subtree returns every step re-armed when control step i starts a new pass:
// its members, everything they control transitively, and the fallback targets
// referenced inside that set. The result is ordered by index.
func (p *Plan) Subtree(i int) []int {
	if cached, ok := p.subtrees[i]; ok {
		return cached
	}
	seen := make([]bool, len(p.Nodes))
	seen[i] = true
	var walk func(n int)
	walk = func(n int) {
		for _, m := range p.Nodes[n].Members {
			if !seen[m] {
				seen[m] = true
				walk(m)
			}
		}
		if f := p.Nodes[n].Fallback; f != None && !seen[f] && n != i {
			seen[f] = true
			walk(f)
		}
	}
	walk(i)
	var out []int
	for j, ok := range seen {
		if ok && j != i {
			out = append(out, j)
		}
	}
	p.subtrees[i] = out
	return out
}
