package scheduler

import (
	"github.com/rendis/chainflow/pkg/schema"
)

// Evaluator decides step guards and conditional dependency edges against the
// current execution scope.
type Evaluator interface {
	Evaluate(cond schema.Condition) (bool, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(cond schema.Condition) (bool, error)

// Evaluate calls f(cond).
func (f EvaluatorFunc) Evaluate(cond schema.Condition) (bool, error) { return f(cond) }

// Skip records a step the scheduler skipped and why.
type Skip struct {
	Index  int
	Reason string
}

// Failure records a step whose guard or dependency condition could not be
// evaluated. The step is marked running so the caller can hand it to its
// error handler.
type Failure struct {
	Index int
	Err   error
}

// Batch is the outcome of one scheduling pass.
type Batch struct {
	Ready   []int
	Skipped []Skip
	Failed  []Failure
}

// Empty reports whether the pass produced nothing.
func (b Batch) Empty() bool {
	return len(b.Ready) == 0 && len(b.Skipped) == 0 && len(b.Failed) == 0
}

// Skip reasons.
const (
	ReasonDependency = "dependency not satisfied"
	ReasonGuard      = "condition evaluated to false"
	ReasonInactive   = "not activated"
)

type edgeState int

const (
	edgeWaiting edgeState = iota
	edgeSatisfied
	edgeBroken
)

// State tracks step statuses for one execution attempt. It is not safe for
// concurrent use; the engine owns it from a single coordinator goroutine.
type State struct {
	plan      *Plan
	status    []schema.StepStatus
	activated []bool
}

// NewState returns a State with every step pending.
func NewState(p *Plan) *State {
	s := &State{
		plan:      p,
		status:    make([]schema.StepStatus, p.Len()),
		activated: make([]bool, p.Len()),
	}
	for i := range s.status {
		s.status[i] = schema.StepPending
	}
	return s
}

// Plan returns the arena the state was built for.
func (s *State) Plan() *Plan { return s.plan }

// Status returns the status of step i.
func (s *State) Status(i int) schema.StepStatus { return s.status[i] }

// Set overwrites the status of step i.
func (s *State) Set(i int, st schema.StepStatus) { s.status[i] = st }

// Activate releases gated steps so the scheduler may consider them.
func (s *State) Activate(indices ...int) {
	for _, i := range indices {
		s.activated[i] = true
	}
}

// Activated reports whether step i has been activated.
func (s *State) Activated(i int) bool { return s.activated[i] }

// Reset returns steps to pending and clears their activation.
func (s *State) Reset(indices ...int) {
	for _, i := range indices {
		s.status[i] = schema.StepPending
		s.activated[i] = false
	}
}

// Active returns the number of steps currently running, retrying or waiting.
func (s *State) Active() int {
	n := 0
	for _, st := range s.status {
		if st == schema.StepRunning || st == schema.StepRetrying || st == schema.StepWaiting {
			n++
		}
	}
	return n
}

// Done reports whether every step reached a terminal status.
func (s *State) Done() bool {
	for _, st := range s.status {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// Pending returns the IDs of steps that have not started, in insertion order.
func (s *State) Pending() []string {
	var out []string
	for i, st := range s.status {
		if st == schema.StepPending {
			out = append(out, s.plan.ID(i))
		}
	}
	return out
}

// Count returns the number of steps with status st.
func (s *State) Count(st schema.StepStatus) int {
	n := 0
	for _, v := range s.status {
		if v == st {
			n++
		}
	}
	return n
}

// Next runs one scheduling pass. Skips are propagated to a fixpoint and
// applied to the state. Ready steps and evaluation failures are marked
// running. Non-control steps are admitted only while fewer than limit of them
// occupy a slot; a negative limit disables the cap.
func (s *State) Next(eval Evaluator, limit int) Batch {
	var b Batch
	busy := s.busy()

	for changed := true; changed; {
		changed = false
		for i, n := range s.plan.Nodes {
			if s.status[i] != schema.StepPending {
				continue
			}
			if n.Gated() && !s.activated[i] {
				if s.activatorsTerminal(n) {
					s.status[i] = schema.StepSkipped
					b.Skipped = append(b.Skipped, Skip{Index: i, Reason: ReasonInactive})
					changed = true
				}
				continue
			}

			st, err := s.dependencies(n, eval)
			if err != nil {
				s.status[i] = schema.StepRunning
				b.Failed = append(b.Failed, Failure{Index: i, Err: err})
				continue
			}
			switch st {
			case edgeWaiting:
				continue
			case edgeBroken:
				s.status[i] = schema.StepSkipped
				b.Skipped = append(b.Skipped, Skip{Index: i, Reason: ReasonDependency})
				changed = true
				continue
			}

			control := n.Control()
			if !control && limit >= 0 && busy >= limit {
				continue
			}
			if n.Step.Condition != nil {
				ok, err := eval.Evaluate(n.Step.Condition)
				if err != nil {
					s.status[i] = schema.StepRunning
					b.Failed = append(b.Failed, Failure{Index: i, Err: err})
					continue
				}
				if !ok {
					s.status[i] = schema.StepSkipped
					b.Skipped = append(b.Skipped, Skip{Index: i, Reason: ReasonGuard})
					changed = true
					continue
				}
			}
			s.status[i] = schema.StepRunning
			b.Ready = append(b.Ready, i)
			if !control {
				busy++
			}
		}
	}
	return b
}

func (s *State) busy() int {
	n := 0
	for i, st := range s.status {
		if (st == schema.StepRunning || st == schema.StepRetrying) && !s.plan.Nodes[i].Control() {
			n++
		}
	}
	return n
}

func (s *State) activatorsTerminal(n *Node) bool {
	if n.Owner != None && !s.status[n.Owner].IsTerminal() {
		return false
	}
	for _, r := range n.Referrers {
		if !s.status[r].IsTerminal() {
			return false
		}
	}
	return true
}

// dependencies folds every incoming edge of n. A broken edge wins over a
// waiting one so skips propagate as early as possible.
func (s *State) dependencies(n *Node, eval Evaluator) (edgeState, error) {
	result := edgeSatisfied
	for _, e := range n.Deps {
		st, err := s.edge(e, eval)
		if err != nil {
			return edgeWaiting, err
		}
		switch st {
		case edgeBroken:
			return edgeBroken, nil
		case edgeWaiting:
			result = edgeWaiting
		}
	}
	return result, nil
}

func (s *State) edge(e Edge, eval Evaluator) (edgeState, error) {
	switch e.Type.(type) {
	case schema.AnyDependency:
		terminal := 0
		for _, p := range e.Preds {
			if s.status[p] == schema.StepCompleted {
				return edgeSatisfied, nil
			}
			if s.status[p].IsTerminal() {
				terminal++
			}
		}
		if len(e.Preds) > 0 && terminal == len(e.Preds) {
			return edgeBroken, nil
		}
		if len(e.Preds) == 0 {
			return edgeSatisfied, nil
		}
		return edgeWaiting, nil

	case schema.ConditionalDependency:
		p := e.Preds[0]
		if s.status[p] == schema.StepCompleted {
			return edgeSatisfied, nil
		}
		ok, err := eval.Evaluate(e.Condition)
		if err != nil {
			return edgeWaiting, err
		}
		if !ok {
			return edgeSatisfied, nil
		}
		if s.status[p].IsTerminal() {
			return edgeBroken, nil
		}
		return edgeWaiting, nil

	default:
		result := edgeSatisfied
		for _, p := range e.Preds {
			switch st := s.status[p]; {
			case st == schema.StepCompleted:
			case st.IsTerminal():
				return edgeBroken, nil
			default:
				result = edgeWaiting
			}
		}
		return result, nil
	}
}
