package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/pkg/schema"
)

// semanticCheck walks a chain once and records every reference, policy,
// variable and handler problem it finds.
type semanticCheck struct {
	chain    *schema.Chain
	handlers handlers.Lookup
	result   *schema.ValidationResult
	owners   map[string]string
}

func validateSemantic(c *schema.Chain, lookup handlers.Lookup) *schema.ValidationResult {
	sc := &semanticCheck{
		chain:    c,
		handlers: lookup,
		result:   &schema.ValidationResult{},
		owners:   make(map[string]string),
	}
	sc.checkChain()
	sc.checkVariables()
	sc.checkDependencies()
	c.Steps.Each(sc.checkStep)
	return sc.result
}

func (sc *semanticCheck) errorf(path, code, format string, args ...any) {
	sc.result.AddErrorf(path, code, format, args...)
}

func (sc *semanticCheck) stepRef(path, id string) {
	if id == "" {
		sc.errorf(path, schema.ErrCodeDanglingRef, "step reference is empty")
		return
	}
	if !sc.chain.Steps.Has(id) {
		sc.errorf(path, schema.ErrCodeDanglingRef, "references non-existent step %q", id)
	}
}

func (sc *semanticCheck) declared(name string) bool {
	head, _, _ := strings.Cut(name, ".")
	_, ok := sc.chain.Variables[head]
	return ok
}

func (sc *semanticCheck) checkChain() {
	c := sc.chain
	if c.ID == "" {
		sc.errorf("id", schema.ErrCodeValidation, "chain id is required")
	}
	if c.Steps.Len() == 0 {
		sc.result.AddWarning("steps", schema.ErrCodeValidation, "chain has no steps")
	}
	if c.MaxParallelSteps != nil && *c.MaxParallelSteps <= 0 {
		sc.errorf("max_parallel_steps", schema.ErrCodeInvalidPolicy,
			"max_parallel_steps must be positive, got %d", *c.MaxParallelSteps)
	}
	if c.Timeout != nil && c.Timeout.Std() <= 0 {
		sc.errorf("timeout", schema.ErrCodeInvalidPolicy, "timeout must be positive")
	}
	if c.ErrorHandling.Effective() == schema.StrategyRetryWithDifferentParams && c.ErrorHandling.MaxRetries < 0 {
		sc.errorf("error_handling", schema.ErrCodeInvalidPolicy,
			"max_retries must be non-negative, got %d", c.ErrorHandling.MaxRetries)
	}
}

func (sc *semanticCheck) checkVariables() {
	keys := make([]string, 0, len(sc.chain.Variables))
	for key := range sc.chain.Variables {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v := sc.chain.Variables[key]
		path := "variables." + key
		if v.Name != key {
			sc.errorf(path+".name", schema.ErrCodeKeyMismatch, "variable key %q does not match name %q", key, v.Name)
		}
		if v.DataType != "" && !v.DataType.Valid() {
			sc.errorf(path+".data_type", schema.ErrCodeTypeDeclaration, "unknown data type %q", v.DataType)
			continue
		}
		if v.InitialValue != nil {
			if err := CheckType(v.InitialValue, v.DataType); err != nil {
				sc.errorf(path+".initial_value", schema.ErrCodeTypeDeclaration,
					"initial value does not match data type: %v", errMessage(err))
			}
		}
	}
}

func (sc *semanticCheck) checkDependencies() {
	for i, dep := range sc.chain.Dependencies {
		path := fmt.Sprintf("dependencies[%d]", i)
		sc.stepRef(path+".dependent_step", dep.DependentStep)
		switch dt := dep.DependencyType.(type) {
		case nil:
			sc.errorf(path+".dependency_type", schema.ErrCodeValidation, "dependency type is required")
		case schema.SimpleDependency:
			sc.stepRef(path+".dependency_type.required_step", dt.RequiredStep)
		case schema.AllDependency:
			sc.stepList(path+".dependency_type.required_steps", dt.RequiredSteps)
		case schema.AnyDependency:
			sc.stepList(path+".dependency_type.required_steps", dt.RequiredSteps)
		case schema.ConditionalDependency:
			sc.stepRef(path+".dependency_type.required_step", dt.RequiredStep)
			if dt.Condition == nil {
				sc.errorf(path+".dependency_type.condition", schema.ErrCodeValidation, "condition is required")
			} else {
				sc.checkCondition(path+".dependency_type.condition", dt.Condition)
			}
		}
	}
}

func (sc *semanticCheck) stepList(path string, ids []string) {
	if len(ids) == 0 {
		sc.errorf(path, schema.ErrCodeInvalidStepList, "step list must not be empty")
	}
	for j, id := range ids {
		sc.stepRef(fmt.Sprintf("%s[%d]", path, j), id)
	}
}

func (sc *semanticCheck) checkStep(key string, step schema.ChainStep) {
	path := "steps." + key
	if step.ID == "" {
		sc.errorf(path+".id", schema.ErrCodeValidation, "step id is required")
	} else if step.ID != key {
		sc.errorf(path+".id", schema.ErrCodeKeyMismatch, "step key %q does not match id %q", key, step.ID)
	}

	sc.checkStepType(key, path+".step_type", step.StepType)

	if step.Condition != nil {
		sc.checkCondition(path+".condition", step.Condition)
	}
	if rp := step.RetryPolicy; rp != nil {
		if rp.MaxRetries < 0 {
			sc.errorf(path+".retry_policy.max_retries", schema.ErrCodeInvalidPolicy,
				"max_retries must be non-negative, got %d", rp.MaxRetries)
		}
		if rp.RetryBackoffFactor < 0 {
			sc.errorf(path+".retry_policy.retry_backoff_factor", schema.ErrCodeInvalidPolicy,
				"retry_backoff_factor must be non-negative, got %g", rp.RetryBackoffFactor)
		}
		if rp.RetryInterval != nil && rp.RetryInterval.Std() < 0 {
			sc.errorf(path+".retry_policy.retry_interval", schema.ErrCodeInvalidPolicy, "retry_interval must be non-negative")
		}
	}
	if step.Timeout != nil && step.Timeout.Std() <= 0 {
		sc.errorf(path+".timeout", schema.ErrCodeInvalidPolicy, "timeout must be positive")
	}

	switch eh := step.ErrorHandler.(type) {
	case schema.ExecuteFallbackStep:
		sc.stepRef(path+".error_handler.step_id", eh.StepID)
		if eh.StepID == key {
			sc.errorf(path+".error_handler.step_id", schema.ErrCodeInvalidStepList, "step cannot be its own fallback")
		}
	case schema.CustomErrorHandler:
		sc.handler(path+".error_handler.handler", handlers.KindErrorHandler, eh.Handler)
	}

	for i, in := range step.Inputs {
		sc.checkInput(fmt.Sprintf("%s.inputs[%d]", path, i), in)
	}
	for i, out := range step.Outputs {
		sc.checkOutput(fmt.Sprintf("%s.outputs[%d]", path, i), out)
	}
}

func (sc *semanticCheck) checkStepType(key, path string, st schema.StepType) {
	switch t := st.(type) {
	case nil:
		sc.errorf(path, schema.ErrCodeValidation, "step type is required")
	case schema.LLMInference:
		if t.Model == "" {
			sc.errorf(path+".model", schema.ErrCodeValidation, "model is required")
		}
		if t.MaxTokens != nil && *t.MaxTokens <= 0 {
			sc.errorf(path+".max_tokens", schema.ErrCodeInvalidPolicy, "max_tokens must be positive")
		}
	case schema.FunctionCall:
		if t.FunctionName == "" {
			sc.errorf(path+".function_name", schema.ErrCodeValidation, "function_name is required")
		}
	case schema.ToolUse:
		if t.ToolName == "" {
			sc.errorf(path+".tool_name", schema.ErrCodeValidation, "tool_name is required")
		}
	case schema.CustomStep:
		sc.handler(path+".handler", handlers.KindStep, t.Handler)
	case schema.ConditionalStep:
		for i, b := range t.Branches {
			bp := fmt.Sprintf("%s.branches[%d]", path, i)
			if b.Condition == nil {
				sc.errorf(bp+".condition", schema.ErrCodeValidation, "branch condition is required")
			} else {
				sc.checkCondition(bp+".condition", b.Condition)
			}
			sc.stepRef(bp+".target_step", b.TargetStep)
			if b.TargetStep == key {
				sc.errorf(bp+".target_step", schema.ErrCodeInvalidStepList, "conditional step cannot target itself")
			}
		}
		if t.DefaultBranch != "" {
			sc.stepRef(path+".default_branch", t.DefaultBranch)
			if t.DefaultBranch == key {
				sc.errorf(path+".default_branch", schema.ErrCodeInvalidStepList, "conditional step cannot target itself")
			}
		}
		sc.claim(key, path, schema.ChainStep{StepType: t}.ControlledSteps())
	case schema.ParallelStep:
		sc.memberList(key, path+".steps", t.Steps)
		sc.claim(key, path, t.Steps)
	case schema.LoopStep:
		sc.memberList(key, path+".steps", t.Steps)
		sc.claim(key, path, t.Steps)
		if t.MaxIterations != nil && *t.MaxIterations < 1 {
			sc.errorf(path+".max_iterations", schema.ErrCodeInvalidPolicy,
				"max_iterations must be at least 1, got %d", *t.MaxIterations)
		}
		if t.IterationVariable == "" {
			sc.result.AddWarning(path+".iteration_variable", schema.ErrCodeValidation,
				"loop has no iteration variable")
		}
		if t.BreakCondition != nil {
			sc.checkCondition(path+".break_condition", t.BreakCondition)
		}
	}
}

// memberList checks a Parallel or Loop member list.
func (sc *semanticCheck) memberList(key, path string, ids []string) {
	sc.stepList(path, ids)
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		p := fmt.Sprintf("%s[%d]", path, i)
		if id == key {
			sc.errorf(p, schema.ErrCodeInvalidStepList, "step %q cannot include itself", key)
		}
		if seen[id] {
			sc.errorf(p, schema.ErrCodeInvalidStepList, "step %q listed more than once", id)
		}
		seen[id] = true
	}
}

// claim records key as the owner of members. A step has at most one owner.
func (sc *semanticCheck) claim(key, path string, members []string) {
	for _, m := range members {
		if m == key || m == "" {
			continue
		}
		if prev, ok := sc.owners[m]; ok && prev != key {
			sc.errorf(path, schema.ErrCodeDuplicateOwner,
				"step %q is already controlled by %q", m, prev)
			continue
		}
		sc.owners[m] = key
	}
}

func (sc *semanticCheck) handler(path string, kind handlers.Kind, name string) {
	if name == "" {
		sc.errorf(path, schema.ErrCodeValidation, "handler name is required")
		return
	}
	if sc.handlers != nil && !sc.handlers.Has(kind, name) {
		sc.errorf(path, schema.ErrCodeUnknownHandler, "no %s handler registered as %q", kind, name)
	}
}

func (sc *semanticCheck) checkInput(path string, in schema.InputMapping) {
	if in.Name == "" {
		sc.errorf(path+".name", schema.ErrCodeValidation, "input name is required")
	}
	switch src := in.Source.(type) {
	case nil:
		sc.errorf(path+".source", schema.ErrCodeValidation, "input source is required")
	case schema.ChainInputSource:
		if src.InputName == "" {
			sc.errorf(path+".source.input_name", schema.ErrCodeValidation, "input_name is required")
		}
	case schema.VariableSource:
		optional := !in.Required && in.DefaultValue != nil
		if !sc.declared(src.VariableName) && !optional {
			sc.errorf(path+".source.variable_name", schema.ErrCodeUndeclaredVar,
				"variable %q is not declared", src.VariableName)
		}
	case schema.StepOutputSource:
		sc.stepRef(path+".source.step_id", src.StepID)
	case schema.TemplateSource:
		sc.checkTemplate(path+".source.template", src.Template)
	}
	if in.Transform != nil {
		sc.checkTransform(path+".transform", in.Transform)
	}
}

func (sc *semanticCheck) checkOutput(path string, out schema.OutputMapping) {
	if out.Name == "" {
		sc.errorf(path+".name", schema.ErrCodeValidation, "output name is required")
	}
	switch t := out.Target.(type) {
	case nil:
		sc.errorf(path+".target", schema.ErrCodeValidation, "output target is required")
	case schema.ChainOutputTarget:
		if t.OutputName == "" {
			sc.errorf(path+".target.output_name", schema.ErrCodeValidation, "output_name is required")
		}
	case schema.VariableTarget:
		if _, ok := sc.chain.Variables[t.VariableName]; !ok {
			sc.errorf(path+".target.variable_name", schema.ErrCodeUndeclaredVar,
				"variable %q is not declared", t.VariableName)
		}
	case schema.StepInputTarget:
		sc.stepRef(path+".target.step_id", t.StepID)
		if target, ok := sc.chain.Steps.Get(t.StepID); ok && !hasInput(target, t.InputName) {
			sc.errorf(path+".target.input_name", schema.ErrCodeDanglingRef,
				"step %q declares no input %q", t.StepID, t.InputName)
		}
	}
	if out.Transform != nil {
		sc.checkTransform(path+".transform", out.Transform)
	}
}

func hasInput(step schema.ChainStep, name string) bool {
	for _, in := range step.Inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// acceptAll resolves every path so that only template syntax is checked.
type acceptAll struct{}

func (acceptAll) Lookup(string) (any, bool) { return "", true }

func (sc *semanticCheck) checkTemplate(path, tpl string) {
	if _, err := expressions.Render(tpl, acceptAll{}); err != nil {
		sc.errorf(path, schema.ErrCodeTemplate, "%s", errMessage(err))
		return
	}
	for _, ref := range expressions.References(tpl) {
		head, _, _ := strings.Cut(ref, ".")
		switch head {
		case "steps", "inputs", "variables":
			continue
		}
		if !sc.declared(ref) {
			sc.result.AddWarning(path, schema.ErrCodeUndeclaredVar,
				fmt.Sprintf("template references undeclared variable %q", head))
		}
	}
}

func (sc *semanticCheck) checkTransform(path string, t schema.DataTransform) {
	switch tr := t.(type) {
	case schema.JSONPathTransform:
		if _, err := expressions.JSONPathToJQ(tr.Path); err != nil {
			sc.errorf(path+".path", schema.ErrCodeValidation, "%s", errMessage(err))
		}
	case schema.RegexTransform:
		re, err := regexp.Compile(tr.Pattern)
		if err != nil {
			sc.errorf(path+".pattern", schema.ErrCodeInvalidPattern, "invalid pattern: %v", err)
			return
		}
		if tr.Group != nil && (*tr.Group < 0 || *tr.Group > re.NumSubexp()) {
			sc.errorf(path+".group", schema.ErrCodeInvalidPattern,
				"group %d out of range, pattern has %d groups", *tr.Group, re.NumSubexp())
		}
	case schema.TemplateTransform:
		sc.checkTemplate(path+".template", tr.Template)
	case schema.CustomTransform:
		sc.handler(path+".handler", handlers.KindTransform, tr.Handler)
	}
}

func (sc *semanticCheck) checkCondition(path string, c schema.Condition) {
	switch cond := c.(type) {
	case schema.RegexCondition:
		if _, err := regexp.Compile(cond.Pattern); err != nil {
			sc.errorf(path+".pattern", schema.ErrCodeInvalidPattern, "invalid pattern: %v", err)
		}
	case schema.ComparisonCondition:
		if !cond.Operator.Valid() {
			sc.errorf(path+".operator", schema.ErrCodeValidation, "unknown comparison operator %q", cond.Operator)
		}
	case schema.ExpressionCondition:
		if strings.TrimSpace(cond.Expression) == "" {
			sc.errorf(path+".expression", schema.ErrCodeValidation, "expression is empty")
		}
	case schema.AndCondition:
		sc.checkConditions(path, cond.Conditions)
	case schema.OrCondition:
		sc.checkConditions(path, cond.Conditions)
	case schema.NotCondition:
		if cond.Condition == nil {
			sc.errorf(path+".condition", schema.ErrCodeValidation, "not requires an operand")
		} else {
			sc.checkCondition(path+".condition", cond.Condition)
		}
	case schema.CustomCondition:
		sc.handler(path+".evaluator", handlers.KindCondition, cond.Evaluator)
	}
}

func (sc *semanticCheck) checkConditions(path string, conds []schema.Condition) {
	for i, c := range conds {
		p := fmt.Sprintf("%s.conditions[%d]", path, i)
		if c == nil {
			sc.errorf(p, schema.ErrCodeValidation, "condition is null")
			continue
		}
		sc.checkCondition(p, c)
	}
}

func errMessage(err error) string {
	if ce, ok := schema.AsChainError(err); ok {
		return ce.Message
	}
	return err.Error()
}
