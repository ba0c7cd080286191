package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Chain is a named, versioned workflow graph of steps. A chain is validated
// once at registration and treated as immutable afterwards, so one value can
// back any number of concurrent executions.
type Chain struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	Version          string                `json:"version"`
	Tags             []string              `json:"tags"`
	Metadata         map[string]any        `json:"metadata"`
	Steps            StepMap               `json:"steps"`
	Dependencies     []StepDependency      `json:"dependencies"`
	Variables        map[string]Variable   `json:"variables"`
	ErrorHandling    ErrorHandlingStrategy `json:"error_handling"`
	MaxParallelSteps *int                  `json:"max_parallel_steps,omitempty"`
	Timeout          *Duration             `json:"timeout,omitempty"`
}

// ParseChain decodes a chain document.
func ParseChain(data []byte) (*Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, NewError(ErrCodeInvalidDocument, err.Error()).WithCause(err)
	}
	return &c, nil
}

// StepMap is the chain's step table keyed by step ID. It keeps insertion
// order, which the scheduler uses to break ties deterministically.
type StepMap struct {
	keys  []string
	steps map[string]ChainStep
}

// NewStepMap builds a StepMap keyed by each step's ID, in argument order.
func NewStepMap(steps ...ChainStep) StepMap {
	var m StepMap
	for _, s := range steps {
		m.Set(s.ID, s)
	}
	return m
}

// Set inserts or replaces a step. Replacing keeps the original position.
func (m *StepMap) Set(key string, step ChainStep) {
	if m.steps == nil {
		m.steps = make(map[string]ChainStep)
	}
	if _, ok := m.steps[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.steps[key] = step
}

// Get returns the step stored under key.
func (m StepMap) Get(key string) (ChainStep, bool) {
	s, ok := m.steps[key]
	return s, ok
}

// Has reports whether key is present.
func (m StepMap) Has(key string) bool {
	_, ok := m.steps[key]
	return ok
}

// Keys returns the step keys in insertion order.
func (m StepMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of steps.
func (m StepMap) Len() int {
	return len(m.keys)
}

// Each calls fn for every step in insertion order.
func (m StepMap) Each(fn func(key string, step ChainStep)) {
	for _, k := range m.keys {
		fn(k, m.steps[k])
	}
}

func (m StepMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		sb, err := json.Marshal(m.steps[k])
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(sb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *StepMap) UnmarshalJSON(data []byte) error {
	*m = StepMap{}
	if isNull(data) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("steps: expected object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("steps: expected string key")
		}
		if m.Has(key) {
			return fmt.Errorf("steps: duplicate key %q", key)
		}
		var step ChainStep
		if err := dec.Decode(&step); err != nil {
			return fmt.Errorf("steps.%s: %w", key, err)
		}
		m.Set(key, step)
	}
	_, err = dec.Token()
	return err
}

// DependencyType is the closed set of dependency edge kinds.
type DependencyType interface {
	DependencyTypeName() string
	// Predecessors returns the step IDs this edge waits on.
	Predecessors() []string
	isDependencyType()
}

// SimpleDependency requires one predecessor to succeed.
type SimpleDependency struct {
	RequiredStep string `json:"required_step"`
}

// AllDependency requires every listed predecessor to succeed.
type AllDependency struct {
	RequiredSteps []string `json:"required_steps"`
}

// AnyDependency requires at least one listed predecessor to succeed.
type AnyDependency struct {
	RequiredSteps []string `json:"required_steps"`
}

// ConditionalDependency requires RequiredStep only while Condition holds.
type ConditionalDependency struct {
	RequiredStep string    `json:"required_step"`
	Condition    Condition `json:"condition"`
}

func (SimpleDependency) DependencyTypeName() string      { return "Simple" }
func (AllDependency) DependencyTypeName() string         { return "All" }
func (AnyDependency) DependencyTypeName() string         { return "Any" }
func (ConditionalDependency) DependencyTypeName() string { return "Conditional" }

func (d SimpleDependency) Predecessors() []string      { return []string{d.RequiredStep} }
func (d AllDependency) Predecessors() []string         { return d.RequiredSteps }
func (d AnyDependency) Predecessors() []string         { return d.RequiredSteps }
func (d ConditionalDependency) Predecessors() []string { return []string{d.RequiredStep} }

func (SimpleDependency) isDependencyType()      {}
func (AllDependency) isDependencyType()         {}
func (AnyDependency) isDependencyType()         {}
func (ConditionalDependency) isDependencyType() {}

func (d SimpleDependency) MarshalJSON() ([]byte, error) {
	type plain SimpleDependency
	return marshalTagged(d.DependencyTypeName(), plain(d))
}

func (d AllDependency) MarshalJSON() ([]byte, error) {
	type plain AllDependency
	return marshalTagged(d.DependencyTypeName(), plain(d))
}

func (d AnyDependency) MarshalJSON() ([]byte, error) {
	type plain AnyDependency
	return marshalTagged(d.DependencyTypeName(), plain(d))
}

func (d ConditionalDependency) MarshalJSON() ([]byte, error) {
	type plain ConditionalDependency
	return marshalTagged(d.DependencyTypeName(), plain(d))
}

var dependencyDecoders = map[string]decoder[DependencyType]{
	"Simple": variant(func(v SimpleDependency) DependencyType { return v }),
	"All":    variant(func(v AllDependency) DependencyType { return v }),
	"Any":    variant(func(v AnyDependency) DependencyType { return v }),
	"Conditional": func(raw json.RawMessage) (DependencyType, error) {
		var aux struct {
			RequiredStep string          `json:"required_step"`
			Condition    json.RawMessage `json:"condition"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		cond, err := DecodeCondition(aux.Condition)
		if err != nil {
			return nil, err
		}
		return ConditionalDependency{RequiredStep: aux.RequiredStep, Condition: cond}, nil
	},
}

// StepDependency binds DependentStep to its predecessors.
type StepDependency struct {
	DependentStep  string         `json:"dependent_step"`
	DependencyType DependencyType `json:"dependency_type"`
}

func (d *StepDependency) UnmarshalJSON(data []byte) error {
	var aux struct {
		DependentStep  string          `json:"dependent_step"`
		DependencyType json.RawMessage `json:"dependency_type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	dt, err := decodeTagged(aux.DependencyType, "dependency_type", dependencyDecoders)
	if err != nil {
		return fmt.Errorf("dependency of %q: %w", aux.DependentStep, err)
	}
	d.DependentStep = aux.DependentStep
	d.DependencyType = dt
	return nil
}

// StrategyKind names a chain-level failure strategy.
type StrategyKind string

const (
	StrategyStopOnError              StrategyKind = "stop_on_error"
	StrategyContinueOnError          StrategyKind = "continue_on_error"
	StrategyRetryWithDifferentParams StrategyKind = "retry_with_different_params"
)

// ErrorHandlingStrategy governs what an unrecovered step failure does to the
// rest of the execution. The zero value is StopOnError.
//
// RetryWithDifferentParams re-runs the whole execution with Params merged
// over the original input. Side effects of earlier attempts are neither
// compensated nor deduplicated: re-execution is at-least-once.
type ErrorHandlingStrategy struct {
	Kind       StrategyKind
	MaxRetries int
	Params     map[string]any
}

// StopOnError aborts the execution on the first unrecovered failure.
func StopOnError() ErrorHandlingStrategy {
	return ErrorHandlingStrategy{Kind: StrategyStopOnError}
}

// ContinueOnError skips the failed step's dependents and keeps going.
func ContinueOnError() ErrorHandlingStrategy {
	return ErrorHandlingStrategy{Kind: StrategyContinueOnError}
}

// RetryChainWithParams restarts the execution up to maxRetries times.
func RetryChainWithParams(maxRetries int, params map[string]any) ErrorHandlingStrategy {
	return ErrorHandlingStrategy{Kind: StrategyRetryWithDifferentParams, MaxRetries: maxRetries, Params: params}
}

// Effective returns the kind with the zero value resolved to StopOnError.
func (s ErrorHandlingStrategy) Effective() StrategyKind {
	if s.Kind == "" {
		return StrategyStopOnError
	}
	return s.Kind
}

func (s ErrorHandlingStrategy) MarshalJSON() ([]byte, error) {
	switch s.Effective() {
	case StrategyRetryWithDifferentParams:
		return json.Marshal(map[string]any{
			string(StrategyRetryWithDifferentParams): map[string]any{
				"max_retries": s.MaxRetries,
				"params":      s.Params,
			},
		})
	default:
		return json.Marshal(string(s.Effective()))
	}
}

func (s *ErrorHandlingStrategy) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*s = StopOnError()
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch StrategyKind(name) {
		case StrategyStopOnError, StrategyContinueOnError:
			*s = ErrorHandlingStrategy{Kind: StrategyKind(name)}
			return nil
		}
		return fmt.Errorf("unknown error handling strategy %q", name)
	}
	var tagged map[string]struct {
		MaxRetries int            `json:"max_retries"`
		Params     map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid error handling strategy: %w", err)
	}
	cfg, ok := tagged[string(StrategyRetryWithDifferentParams)]
	if !ok || len(tagged) != 1 {
		return fmt.Errorf("invalid error handling strategy %s", string(data))
	}
	*s = RetryChainWithParams(cfg.MaxRetries, cfg.Params)
	return nil
}
