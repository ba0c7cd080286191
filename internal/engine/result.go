package engine

import (
	"encoding/json"
	"maps"
	"sort"
	"time"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// ExecutionResult is the outcome of one execution instance. While the
// execution runs, Status returns a snapshot with the same shape.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	ChainID     string                 `json:"chain_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Outputs     map[string]any         `json:"outputs"`
	Variables   map[string]any         `json:"variables"`
	Steps       map[string]*StepResult `json:"steps"`
	// Order lists step IDs in completion order. Loop members appear once per pass.
	Order       []string           `json:"order"`
	Attempts    int                `json:"attempts"`
	Error       *schema.ChainError `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepID      string             `json:"step_id"`
	Status      schema.StepStatus  `json:"status"`
	Outputs     map[string]any     `json:"outputs,omitempty"`
	Error       *schema.ChainError `json:"error,omitempty"`
	Attempts    int                `json:"attempts"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// Step returns the result of one step, or nil.
func (r *ExecutionResult) Step(id string) *StepResult {
	if r == nil {
		return nil
	}
	return r.Steps[id]
}

// clone returns a copy safe to hand to callers while the execution keeps
// running. Output maps are shared; the engine replaces them, never mutates.
func (r *ExecutionResult) clone() *ExecutionResult {
	cp := *r
	cp.Outputs = maps.Clone(r.Outputs)
	cp.Variables = maps.Clone(r.Variables)
	cp.Order = append([]string(nil), r.Order...)
	cp.Steps = make(map[string]*StepResult, len(r.Steps))
	for id, s := range r.Steps {
		sc := *s
		cp.Steps[id] = &sc
	}
	return &cp
}

// StepStates converts the step results to the store's step state view,
// sorted by step ID.
func (r *ExecutionResult) StepStates() []*store.StepState {
	if r == nil {
		return nil
	}
	out := make([]*store.StepState, 0, len(r.Steps))
	for id, s := range r.Steps {
		st := &store.StepState{
			ExecutionID: r.ExecutionID,
			StepID:      id,
			Status:      s.Status,
			Attempts:    s.Attempts,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			DurationMs:  s.DurationMs,
		}
		if s.Outputs != nil {
			st.Output, _ = json.Marshal(s.Outputs)
		}
		if s.Error != nil {
			st.Error, _ = json.Marshal(s.Error)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}
