package schema

import (
	"encoding/json"
	"fmt"
)

// StepType is the closed set of step kinds. Dispatch with a type switch on
// the concrete variant.
type StepType interface {
	StepTypeName() string
	isStepType()
}

// LLMInference asks a model connector for a completion.
type LLMInference struct {
	Model            string         `json:"model"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	StopSequences    []string       `json:"stop_sequences,omitempty"`
	AdditionalParams map[string]any `json:"additional_params,omitempty"`
}

type FunctionCall struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

type ToolUse struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ConditionalBranch routes to TargetStep when Condition holds.
type ConditionalBranch struct {
	Condition  Condition `json:"condition"`
	TargetStep string    `json:"target_step"`
}

func (b *ConditionalBranch) UnmarshalJSON(data []byte) error {
	var aux struct {
		Condition  json.RawMessage `json:"condition"`
		TargetStep string          `json:"target_step"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	cond, err := DecodeCondition(aux.Condition)
	if err != nil {
		return err
	}
	b.Condition = cond
	b.TargetStep = aux.TargetStep
	return nil
}

// ConditionalStep activates the first branch whose condition holds, or the
// default branch.
type ConditionalStep struct {
	Branches      []ConditionalBranch `json:"branches"`
	DefaultBranch string              `json:"default_branch,omitempty"`
}

// ParallelStep fans out to Steps. With WaitForAll it succeeds once every
// member is terminal, otherwise once the first one is.
type ParallelStep struct {
	Steps      []string `json:"steps"`
	WaitForAll bool     `json:"wait_for_all"`
}

// LoopStep re-runs Steps, exposing the pass index as IterationVariable.
type LoopStep struct {
	IterationVariable string    `json:"iteration_variable"`
	MaxIterations     *int      `json:"max_iterations,omitempty"`
	Steps             []string  `json:"steps"`
	BreakCondition    Condition `json:"break_condition,omitempty"`
}

// CustomStep delegates to a named step handler.
type CustomStep struct {
	Handler string         `json:"handler"`
	Config  map[string]any `json:"config"`
}

func (LLMInference) StepTypeName() string    { return "LLMInference" }
func (FunctionCall) StepTypeName() string    { return "FunctionCall" }
func (ToolUse) StepTypeName() string         { return "ToolUse" }
func (ConditionalStep) StepTypeName() string { return "Conditional" }
func (ParallelStep) StepTypeName() string    { return "Parallel" }
func (LoopStep) StepTypeName() string        { return "Loop" }
func (CustomStep) StepTypeName() string      { return "Custom" }

func (LLMInference) isStepType()    {}
func (FunctionCall) isStepType()    {}
func (ToolUse) isStepType()         {}
func (ConditionalStep) isStepType() {}
func (ParallelStep) isStepType()    {}
func (LoopStep) isStepType()        {}
func (CustomStep) isStepType()      {}

func (s LLMInference) MarshalJSON() ([]byte, error) {
	type plain LLMInference
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s FunctionCall) MarshalJSON() ([]byte, error) {
	type plain FunctionCall
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s ToolUse) MarshalJSON() ([]byte, error) {
	type plain ToolUse
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s ConditionalStep) MarshalJSON() ([]byte, error) {
	type plain ConditionalStep
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s ParallelStep) MarshalJSON() ([]byte, error) {
	type plain ParallelStep
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s LoopStep) MarshalJSON() ([]byte, error) {
	type plain LoopStep
	return marshalTagged(s.StepTypeName(), plain(s))
}

func (s CustomStep) MarshalJSON() ([]byte, error) {
	type plain CustomStep
	return marshalTagged(s.StepTypeName(), plain(s))
}

var stepTypeDecoders = map[string]decoder[StepType]{
	"LLMInference": variant(func(v LLMInference) StepType { return v }),
	"FunctionCall": variant(func(v FunctionCall) StepType { return v }),
	"ToolUse":      variant(func(v ToolUse) StepType { return v }),
	"Conditional":  variant(func(v ConditionalStep) StepType { return v }),
	"Parallel":     variant(func(v ParallelStep) StepType { return v }),
	"Custom":       variant(func(v CustomStep) StepType { return v }),
	"Loop": func(raw json.RawMessage) (StepType, error) {
		type plain LoopStep
		var aux struct {
			plain
			BreakCondition json.RawMessage `json:"break_condition"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		cond, err := DecodeCondition(aux.BreakCondition)
		if err != nil {
			return nil, err
		}
		loop := LoopStep(aux.plain)
		loop.BreakCondition = cond
		return loop, nil
	},
}

// RoleKind names who speaks a step's output.
type RoleKind string

const (
	RoleSystem    RoleKind = "system"
	RoleUser      RoleKind = "user"
	RoleAssistant RoleKind = "assistant"
	RoleFunction  RoleKind = "function"
	RoleTool      RoleKind = "tool"
	RoleCustom    RoleKind = "custom"
)

// Role is a RoleKind plus a name for custom roles. The zero value is the
// assistant role.
type Role struct {
	Kind RoleKind
	Name string
}

// CustomRole returns a custom role with the given name.
func CustomRole(name string) Role {
	return Role{Kind: RoleCustom, Name: name}
}

func (r Role) String() string {
	if r.Kind == RoleCustom {
		return "custom:" + r.Name
	}
	if r.Kind == "" {
		return string(RoleAssistant)
	}
	return string(r.Kind)
}

func (r Role) MarshalJSON() ([]byte, error) {
	if r.Kind == RoleCustom {
		return json.Marshal(map[string]string{"custom": r.Name})
	}
	if r.Kind == "" {
		return json.Marshal(RoleAssistant)
	}
	return json.Marshal(string(r.Kind))
}

func (r *Role) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*r = Role{Kind: RoleAssistant}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch RoleKind(s) {
		case RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleTool:
			*r = Role{Kind: RoleKind(s)}
			return nil
		}
		return fmt.Errorf("unknown role %q", s)
	}
	var custom struct {
		Custom *string `json:"custom"`
	}
	if err := json.Unmarshal(data, &custom); err != nil || custom.Custom == nil {
		return fmt.Errorf("invalid role %s", string(data))
	}
	*r = CustomRole(*custom.Custom)
	return nil
}

// RetryPolicy controls re-invocation of a failed step. Delay before retry k
// (0-based) is RetryInterval * RetryBackoffFactor^k. An empty
// RetryOnErrorCodes list retries on any error.
type RetryPolicy struct {
	MaxRetries         int       `json:"max_retries"`
	RetryInterval      *Duration `json:"retry_interval"`
	RetryBackoffFactor float64   `json:"retry_backoff_factor"`
	RetryOnErrorCodes  []string  `json:"retry_on_error_codes,omitempty"`
}

// ErrorHandler is a step-scoped recovery policy applied after retries are
// exhausted.
type ErrorHandler interface {
	HandlerType() string
	isErrorHandler()
}

// ContinueWithDefault turns the failure into a success with DefaultValue.
type ContinueWithDefault struct {
	DefaultValue any `json:"default_value"`
}

// RetryWithParams re-invokes the step once with Params merged over its
// resolved inputs.
type RetryWithParams struct {
	Params map[string]any `json:"params"`
}

// ExecuteFallbackStep runs StepID in place of the failed step.
type ExecuteFallbackStep struct {
	StepID string `json:"step_id"`
}

type CustomErrorHandler struct {
	Handler string         `json:"handler"`
	Config  map[string]any `json:"config"`
}

func (ContinueWithDefault) HandlerType() string { return "ContinueWithDefault" }
func (RetryWithParams) HandlerType() string     { return "RetryWithDifferentParams" }
func (ExecuteFallbackStep) HandlerType() string { return "ExecuteFallbackStep" }
func (CustomErrorHandler) HandlerType() string  { return "Custom" }

func (ContinueWithDefault) isErrorHandler() {}
func (RetryWithParams) isErrorHandler()     {}
func (ExecuteFallbackStep) isErrorHandler() {}
func (CustomErrorHandler) isErrorHandler()  {}

func (h ContinueWithDefault) MarshalJSON() ([]byte, error) {
	type plain ContinueWithDefault
	return marshalTagged(h.HandlerType(), plain(h))
}

func (h RetryWithParams) MarshalJSON() ([]byte, error) {
	type plain RetryWithParams
	return marshalTagged(h.HandlerType(), plain(h))
}

func (h ExecuteFallbackStep) MarshalJSON() ([]byte, error) {
	type plain ExecuteFallbackStep
	return marshalTagged(h.HandlerType(), plain(h))
}

func (h CustomErrorHandler) MarshalJSON() ([]byte, error) {
	type plain CustomErrorHandler
	return marshalTagged(h.HandlerType(), plain(h))
}

var errorHandlerDecoders = map[string]decoder[ErrorHandler]{
	"ContinueWithDefault":      variant(func(v ContinueWithDefault) ErrorHandler { return v }),
	"RetryWithDifferentParams": variant(func(v RetryWithParams) ErrorHandler { return v }),
	"ExecuteFallbackStep":      variant(func(v ExecuteFallbackStep) ErrorHandler { return v }),
	"Custom":                   variant(func(v CustomErrorHandler) ErrorHandler { return v }),
}

// ChainStep is a single unit of work in a chain.
type ChainStep struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	StepType     StepType        `json:"step_type"`
	Role         Role            `json:"role"`
	Inputs       []InputMapping  `json:"inputs"`
	Outputs      []OutputMapping `json:"outputs"`
	Condition    Condition       `json:"condition,omitempty"`
	RetryPolicy  *RetryPolicy    `json:"retry_policy,omitempty"`
	Timeout      *Duration       `json:"timeout,omitempty"`
	ErrorHandler ErrorHandler    `json:"error_handler,omitempty"`
}

func (s *ChainStep) UnmarshalJSON(data []byte) error {
	type plain ChainStep
	var aux struct {
		plain
		StepType     json.RawMessage `json:"step_type"`
		Condition    json.RawMessage `json:"condition"`
		ErrorHandler json.RawMessage `json:"error_handler"`
	}
	aux.Role = Role{Kind: RoleAssistant}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	st, err := decodeTagged(aux.StepType, "step_type", stepTypeDecoders)
	if err != nil {
		return fmt.Errorf("step %q: %w", aux.ID, err)
	}
	cond, err := DecodeCondition(aux.Condition)
	if err != nil {
		return fmt.Errorf("step %q: %w", aux.ID, err)
	}
	eh, err := decodeTagged(aux.ErrorHandler, "error_handler", errorHandlerDecoders)
	if err != nil {
		return fmt.Errorf("step %q: %w", aux.ID, err)
	}
	*s = ChainStep(aux.plain)
	s.StepType = st
	s.Condition = cond
	s.ErrorHandler = eh
	return nil
}

// ControlledSteps returns the step IDs this step activates: parallel and
// loop members, or conditional branch targets.
func (s ChainStep) ControlledSteps() []string {
	switch st := s.StepType.(type) {
	case ParallelStep:
		return st.Steps
	case LoopStep:
		return st.Steps
	case ConditionalStep:
		out := make([]string, 0, len(st.Branches)+1)
		seen := make(map[string]bool)
		for _, b := range st.Branches {
			if !seen[b.TargetStep] {
				seen[b.TargetStep] = true
				out = append(out, b.TargetStep)
			}
		}
		if st.DefaultBranch != "" && !seen[st.DefaultBranch] {
			out = append(out, st.DefaultBranch)
		}
		return out
	}
	return nil
}
