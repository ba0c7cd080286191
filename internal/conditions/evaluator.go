package conditions

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultLanguage is the expression engine used for Expression conditions
// when none is configured.
const DefaultLanguage = "cel"

// Handlers is the part of the handler registry the evaluator needs.
type Handlers interface {
	Condition(name string) (handlers.ConditionEvaluator, error)
	Expression(name string) (expressions.Engine, error)
}

// Evaluator decides Condition trees against an execution scope. It holds no
// per-execution state and is safe for concurrent use.
type Evaluator struct {
	handlers Handlers
	language string

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLanguage selects the expression engine for Expression conditions.
func WithLanguage(name string) Option {
	return func(e *Evaluator) {
		if name != "" {
			e.language = name
		}
	}
}

// NewEvaluator creates an Evaluator. h may be nil, in which case Expression
// and Custom conditions fail with MISSING_EVALUATOR.
func NewEvaluator(h Handlers, opts ...Option) *Evaluator {
	e := &Evaluator{
		handlers: h,
		language: DefaultLanguage,
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the truth value of cond. A nil condition is true.
func (e *Evaluator) Evaluate(ctx context.Context, cond schema.Condition, scope *expressions.Scope) (bool, error) {
	if scope == nil {
		scope = &expressions.Scope{}
	}
	switch c := cond.(type) {
	case nil:
		return true, nil

	case schema.EqualsCondition:
		v, err := e.variable(c.Variable, scope)
		if err != nil {
			return false, err
		}
		return equal(v, c.Value)

	case schema.ContainsCondition:
		v, err := e.variable(c.Variable, scope)
		if err != nil {
			return false, err
		}
		return contains(v, c.Value)

	case schema.GreaterThanCondition:
		v, err := e.variable(c.Variable, scope)
		if err != nil {
			return false, err
		}
		n, err := order("gt", v, c.Value)
		return n > 0, err

	case schema.LessThanCondition:
		v, err := e.variable(c.Variable, scope)
		if err != nil {
			return false, err
		}
		n, err := order("lt", v, c.Value)
		return n < 0, err

	case schema.RegexCondition:
		v, err := e.variable(c.Variable, scope)
		if err != nil {
			return false, err
		}
		return e.match(c.Pattern, v)

	case schema.ComparisonCondition:
		return e.compare(c, scope)

	case schema.AndCondition:
		for _, sub := range c.Conditions {
			ok, err := e.Evaluate(ctx, sub, scope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case schema.OrCondition:
		for _, sub := range c.Conditions {
			ok, err := e.Evaluate(ctx, sub, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case schema.NotCondition:
		if c.Condition == nil {
			return false, schema.NewError(schema.ErrCodeEval, "not condition has no operand")
		}
		ok, err := e.Evaluate(ctx, c.Condition, scope)
		return !ok, err

	case schema.ExpressionCondition:
		return e.expression(ctx, c.Expression, scope)

	case schema.CustomCondition:
		return e.custom(ctx, c, scope)
	}
	return false, schema.NewErrorf(schema.ErrCodeEval, "unsupported condition type %s", cond.ConditionType())
}

func (e *Evaluator) variable(path string, scope *expressions.Scope) (any, error) {
	v, ok := scope.Lookup(path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", path).
			WithDetails(map[string]any{"variable": path})
	}
	return v, nil
}

// operand resolves a Comparison operand: a {{path}} reference (which must
// resolve), then a scope path, then a JSON literal, then the raw string.
func (e *Evaluator) operand(raw string, scope *expressions.Scope) (any, error) {
	if path, ok := expressions.IsReference(raw); ok {
		return e.variable(path, scope)
	}
	if v, ok := scope.Lookup(raw); ok {
		return v, nil
	}
	var lit any
	if err := json.Unmarshal([]byte(raw), &lit); err == nil {
		return lit, nil
	}
	return raw, nil
}

func (e *Evaluator) compare(c schema.ComparisonCondition, scope *expressions.Scope) (bool, error) {
	left, err := e.operand(c.Left, scope)
	if err != nil {
		return false, err
	}
	right, err := e.operand(c.Right, scope)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case schema.OpEq:
		return equal(left, right)
	case schema.OpNe:
		eq, err := equal(left, right)
		return !eq, err
	case schema.OpLt, schema.OpLte, schema.OpGt, schema.OpGte:
		n, err := order(string(c.Operator), left, right)
		if err != nil {
			return false, err
		}
		switch c.Operator {
		case schema.OpLt:
			return n < 0, nil
		case schema.OpLte:
			return n <= 0, nil
		case schema.OpGt:
			return n > 0, nil
		}
		return n >= 0, nil
	case schema.OpContains:
		return contains(left, right)
	case schema.OpStartsWith:
		return affix(string(c.Operator), left, right, strings.HasPrefix)
	case schema.OpEndsWith:
		return affix(string(c.Operator), left, right, strings.HasSuffix)
	case schema.OpMatches:
		pattern, ok := right.(string)
		if !ok {
			return false, mismatch("matches", left, right)
		}
		return e.match(pattern, left)
	}
	return false, schema.NewErrorf(schema.ErrCodeEval, "unknown comparison operator %q", c.Operator)
}

// match tests the string form of v against pattern. Compiled patterns are
// cached for the evaluator's lifetime.
func (e *Evaluator) match(pattern string, v any) (bool, error) {
	re, err := e.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(expressions.Stringify(v)), nil
}

func (e *Evaluator) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPattern, "invalid pattern %q: %v", pattern, err).WithCause(err)
	}

	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Evaluator) expression(ctx context.Context, expr string, scope *expressions.Scope) (bool, error) {
	if e.handlers == nil {
		return false, schema.NewErrorf(schema.ErrCodeMissingEvaluator, "no expression evaluator %q", e.language)
	}
	engine, err := e.handlers.Expression(e.language)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMissingEvaluator, "no expression evaluator %q", e.language).WithCause(err)
	}
	return expressions.EvaluateBool(ctx, engine, expr, scope.Activation())
}

func (e *Evaluator) custom(ctx context.Context, c schema.CustomCondition, scope *expressions.Scope) (bool, error) {
	if e.handlers == nil {
		return false, schema.NewErrorf(schema.ErrCodeMissingEvaluator, "no condition evaluator %q", c.Evaluator)
	}
	h, err := e.handlers.Condition(c.Evaluator)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMissingEvaluator, "no condition evaluator %q", c.Evaluator).WithCause(err)
	}
	ok, err := h.Evaluate(ctx, c.Params, scope.Snapshot())
	if err != nil {
		if _, isChain := schema.AsChainError(err); isChain {
			return false, err
		}
		return false, schema.NewErrorf(schema.ErrCodeEval, "condition %q failed: %v", c.Evaluator, err).WithCause(err)
	}
	return ok, nil
}
