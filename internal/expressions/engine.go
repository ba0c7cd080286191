package expressions

import (
	"context"

	"github.com/rendis/chainflow/pkg/schema"
)

// Engine evaluates opaque expression strings for Expression conditions and
// transforms. Implementations: CEL (default for conditions), Expr, GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool runs an expression and requires a boolean result.
func EvaluateBool(ctx context.Context, engine Engine, expression string, data map[string]any) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"%s expression %q returned %T, expected bool", engine.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
