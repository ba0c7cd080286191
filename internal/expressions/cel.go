package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/chainflow/pkg/schema"
)

// scopeRoots are the top-level names a CEL expression can reference.
var scopeRoots = []string{"variables", "steps", "inputs"}

// CELEngine evaluates Common Expression Language conditions. This is the
// default language of Expression conditions.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares each scope root as map(string, dyn):
// variables holds the variable store, steps the step outputs by step ID and
// inputs the chain input.
func NewCELEngine() (*CELEngine, error) {
	var opts []cel.EnvOption
	for _, root := range scopeRoots {
		opts = append(opts, cel.Variable(root, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(source string) (cel.Program, error) {
	ast, issues := e.env.Compile(source)
	if err := issues.Err(); err != nil {
		return nil, expressionError(schema.ErrCodeEval, "CEL compile error in", source, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, expressionError(schema.ErrCodeEval, "CEL program error for", source, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Scope roots missing from data are
// bound to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEval, "empty CEL expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(scopeRoots))
	for _, root := range scopeRoots {
		v := data[root]
		if v == nil {
			v = map[string]any{}
		}
		activation[root] = v
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, expressionError(schema.ErrCodeEval, "CEL evaluation failed for", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
