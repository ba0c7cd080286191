package engine

import (
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/pkg/schema"
)

// loopRun tracks a loop step between passes.
type loopRun struct {
	iterations int
}

// runConditional selects the first branch whose condition holds, or the
// default branch, and activates its target. Unselected targets are skipped
// by the scheduler once this step is terminal.
func (r *run) runConditional(a *attempt, i int) {
	node := r.plan.Node(i)
	st := node.Step.StepType.(schema.ConditionalStep)

	target := ""
	for _, br := range st.Branches {
		ok, err := r.cond.Evaluate(a.ctx, br.Condition, a.scope)
		if err != nil {
			r.submit(a, i, r.stepError(err, i, schema.ErrCodeEval))
			return
		}
		if ok {
			target = br.TargetStep
			break
		}
	}
	if target == "" {
		target = st.DefaultBranch
	}
	if target == "" {
		r.skipped(a, i, "no branch matched", nil)
		return
	}

	ti, _ := r.plan.Index(target)
	a.state.Activate(ti)
	r.events.emit(a.ctx, schema.EventBranchSelected, node.ID, map[string]any{"selected": target})
	r.completeControl(a, i, map[string]any{"selected": target})
}

// startParallel activates every member; advanceControl completes the step.
func (r *run) startParallel(a *attempt, i int) {
	a.state.Activate(r.plan.Node(i).Members...)
	a.parallels[i] = true
}

func (r *run) startLoop(a *attempt, i int) {
	a.loops[i] = &loopRun{}
	r.beginPass(a, i, 0)
}

// beginPass re-arms the loop body for pass n: the iteration variable is set,
// every step under the loop returns to pending under a new generation, and
// the members are activated.
func (r *run) beginPass(a *attempt, i, n int) {
	node := r.plan.Node(i)
	st := node.Step.StepType.(schema.LoopStep)
	if st.IterationVariable != "" {
		a.scope.Variables[st.IterationVariable] = float64(n)
	}
	sub := r.plan.Subtree(i)
	a.state.Reset(sub...)
	for _, j := range sub {
		a.gen[j]++
		delete(a.parallels, j)
		delete(a.loops, j)
	}
	a.state.Activate(node.Members...)
	r.events.emit(a.ctx, schema.EventLoopIteration, node.ID, map[string]any{"iteration": n})
}

// advanceControl completes parallel steps whose members are done and moves
// loops to their next pass. It reports whether anything changed.
func (r *run) advanceControl(a *attempt) bool {
	progress := false
	for _, i := range sortedIndexes(a.parallels) {
		node := r.plan.Node(i)
		st := node.Step.StepType.(schema.ParallelStep)
		terminal := 0
		completed := []string{}
		for _, m := range node.Members {
			switch s := a.state.Status(m); {
			case s == schema.StepCompleted:
				terminal++
				completed = append(completed, r.plan.ID(m))
			case s.IsTerminal():
				terminal++
			}
		}
		ready := terminal == len(node.Members)
		if !st.WaitForAll && terminal > 0 {
			ready = true
		}
		if !ready {
			continue
		}
		delete(a.parallels, i)
		r.completeControl(a, i, map[string]any{"completed": toAnySlice(completed)})
		progress = true
	}

	for _, i := range sortedIndexes(a.loops) {
		lr, ok := a.loops[i]
		if !ok {
			continue
		}
		node := r.plan.Node(i)
		// A parallel member that finished early may leave siblings running;
		// the next pass waits for them.
		if !r.allTerminal(a, node.Members) || r.busy(a, r.plan.Subtree(i)) {
			continue
		}
		progress = true
		lr.iterations++
		st := node.Step.StepType.(schema.LoopStep)

		done := false
		if st.BreakCondition != nil {
			ok, err := r.cond.Evaluate(a.ctx, st.BreakCondition, a.scope)
			if err != nil {
				delete(a.loops, i)
				r.submit(a, i, r.stepError(err, i, schema.ErrCodeEval))
				continue
			}
			done = ok
		}
		switch {
		case done:
		case st.MaxIterations != nil:
			done = lr.iterations >= *st.MaxIterations
		case st.BreakCondition == nil:
			done = true
		case lr.iterations >= r.e.cfg.MaxLoopIterations:
			delete(a.loops, i)
			r.logger.Warn("loop limit reached", zap.String("step_id", node.ID), zap.Int("iterations", lr.iterations))
			r.submit(a, i, schema.NewErrorf(schema.ErrCodeLoopLimit,
				"loop exceeded %d iterations without meeting its break condition", r.e.cfg.MaxLoopIterations).
				WithStep(node.ID))
			continue
		}

		if done {
			delete(a.loops, i)
			r.completeControl(a, i, map[string]any{"iterations": float64(lr.iterations)})
			continue
		}
		r.beginPass(a, i, lr.iterations)
	}
	return progress
}

// completeControl applies a control step's output mappings inline and marks
// it completed; a mapping failure goes through the step's error handler.
func (r *run) completeControl(a *attempt, i int, outputs map[string]any) {
	step := r.plan.Node(i).Step
	writes, err := r.mapper.ComputeWrites(a.ctx, step, outputs, a.scope)
	if err != nil {
		r.submit(a, i, r.stepError(err, i, schema.ErrCodeMapping))
		return
	}
	r.complete(a, i, outputs, writes)
}

func (r *run) allTerminal(a *attempt, indices []int) bool {
	for _, j := range indices {
		if !a.state.Status(j).IsTerminal() {
			return false
		}
	}
	return true
}

// busy reports whether any of the steps still has a dispatched outcome
// outstanding.
func (r *run) busy(a *attempt, indices []int) bool {
	for _, j := range indices {
		if a.running[j] > 0 {
			return true
		}
	}
	return false
}

func sortedIndexes[V any](m map[int]V) []int {
	out := slices.Collect(maps.Keys(m))
	slices.Sort(out)
	return out
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
