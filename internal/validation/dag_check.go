package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// edgeKind labels why one step must precede another.
type edgeKind string

const (
	edgeDependency edgeKind = "dependency"
	edgeOwnership  edgeKind = "ownership"
	edgeFallback   edgeKind = "fallback"
	edgeStepInput  edgeKind = "step_input"
)

type edge struct {
	to   string
	kind edgeKind
}

// precedenceGraph is the over-approximated "must start before" relation of a
// chain. Every Conditional dependency is treated as present.
type precedenceGraph struct {
	order []string
	adj   map[string][]edge
}

func (g *precedenceGraph) add(from, to string, kind edgeKind) {
	for _, e := range g.adj[from] {
		if e.to == to && e.kind == kind {
			return
		}
	}
	g.adj[from] = append(g.adj[from], edge{to: to, kind: kind})
}

// buildGraph collects edges between existing steps. Dangling references are
// reported by the reference checks and left out here.
func buildGraph(c *schema.Chain) *precedenceGraph {
	g := &precedenceGraph{order: c.Steps.Keys(), adj: make(map[string][]edge)}
	exists := c.Steps.Has

	for _, dep := range c.Dependencies {
		if dep.DependencyType == nil || !exists(dep.DependentStep) {
			continue
		}
		for _, pred := range dep.DependencyType.Predecessors() {
			if exists(pred) {
				g.add(pred, dep.DependentStep, edgeDependency)
			}
		}
	}

	c.Steps.Each(func(id string, step schema.ChainStep) {
		for _, member := range step.ControlledSteps() {
			if exists(member) && member != id {
				g.add(id, member, edgeOwnership)
			}
		}
		if fb, ok := step.ErrorHandler.(schema.ExecuteFallbackStep); ok && exists(fb.StepID) && fb.StepID != id {
			g.add(id, fb.StepID, edgeFallback)
		}
		for _, out := range step.Outputs {
			if t, ok := out.Target.(schema.StepInputTarget); ok && exists(t.StepID) {
				g.add(id, t.StepID, edgeStepInput)
			}
		}
	})
	return g
}

const (
	white = iota
	gray
	black
)

// findCycles runs a three-color depth-first search in step order. Each edge
// into a gray node closes a cycle, reported with the offending path.
func findCycles(g *precedenceGraph) [][]string {
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.adj[id] {
			switch color[e.to] {
			case white:
				visit(e.to)
			case gray:
				start := len(stack) - 1
				for stack[start] != e.to {
					start--
				}
				path := append(append([]string{}, stack[start:]...), e.to)
				cycles = append(cycles, path)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func joinPath(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// dependsOn reports whether step transitively depends on ancestor through
// dependency edges alone.
func dependsOn(g *precedenceGraph, step, ancestor string) bool {
	seen := map[string]bool{ancestor: true}
	queue := []string{ancestor}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.adj[cur] {
			if e.kind != edgeDependency || seen[e.to] {
				continue
			}
			if e.to == step {
				return true
			}
			seen[e.to] = true
			queue = append(queue, e.to)
		}
	}
	return false
}

// validateGating reports owned and fallback steps that depend on the step
// that activates them. Such a step can never become eligible.
func validateGating(c *schema.Chain, g *precedenceGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	c.Steps.Each(func(id string, step schema.ChainStep) {
		for _, member := range step.ControlledSteps() {
			if member != id && c.Steps.Has(member) && dependsOn(g, member, id) {
				result.AddErrorf(fmt.Sprintf("steps.%s.step_type", id), schema.ErrCodeInvalidStepList,
					"step %q is controlled by %q but also depends on it", member, id)
			}
		}
		if fb, ok := step.ErrorHandler.(schema.ExecuteFallbackStep); ok && fb.StepID != id && c.Steps.Has(fb.StepID) && dependsOn(g, fb.StepID, id) {
			result.AddErrorf(fmt.Sprintf("steps.%s.error_handler", id), schema.ErrCodeInvalidStepList,
				"fallback step %q depends on the step it replaces", fb.StepID)
		}
	})
	return result
}
