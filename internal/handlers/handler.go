package handlers

import (
	"context"

	"github.com/rendis/chainflow/internal/expressions"
)

// Kind names one of the handler tables in a Registry.
type Kind string

const (
	KindStep         Kind = "step"
	KindCondition    Kind = "condition"
	KindTransform    Kind = "transform"
	KindErrorHandler Kind = "error_handler"
	KindExpression   Kind = "expression"
)

// StepHandler executes a Custom step.
type StepHandler interface {
	Invoke(ctx context.Context, config map[string]any, inputs map[string]any) (map[string]any, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, config map[string]any, inputs map[string]any) (map[string]any, error)

func (f StepHandlerFunc) Invoke(ctx context.Context, config map[string]any, inputs map[string]any) (map[string]any, error) {
	return f(ctx, config, inputs)
}

// ConditionEvaluator decides a Custom condition against the execution scope.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, params map[string]any, scope *expressions.Scope) (bool, error)
}

// ConditionFunc adapts a function to ConditionEvaluator.
type ConditionFunc func(ctx context.Context, params map[string]any, scope *expressions.Scope) (bool, error)

func (f ConditionFunc) Evaluate(ctx context.Context, params map[string]any, scope *expressions.Scope) (bool, error) {
	return f(ctx, params, scope)
}

// Transformer reshapes a value for a Custom data transform.
type Transformer interface {
	Transform(ctx context.Context, value any, config map[string]any) (any, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, value any, config map[string]any) (any, error)

func (f TransformFunc) Transform(ctx context.Context, value any, config map[string]any) (any, error) {
	return f(ctx, value, config)
}

// Failure describes a step failure handed to a custom error handler.
type Failure struct {
	StepID   string
	Err      error
	Inputs   map[string]any
	Attempts int
}

// Recovery is a custom error handler's verdict. When Recovered is false the
// failure continues to the chain's error handling strategy.
type Recovery struct {
	Recovered bool
	Outputs   map[string]any
}

// ErrorHandler recovers from a step failure after retries are exhausted.
type ErrorHandler interface {
	Handle(ctx context.Context, failure Failure, config map[string]any) (Recovery, error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, failure Failure, config map[string]any) (Recovery, error)

func (f ErrorHandlerFunc) Handle(ctx context.Context, failure Failure, config map[string]any) (Recovery, error) {
	return f(ctx, failure, config)
}

// Lookup is the read side of a Registry, used by the validator to check
// custom handler names.
type Lookup interface {
	Has(kind Kind, name string) bool
}
