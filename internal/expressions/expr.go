package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/chainflow/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. The scope map is the
// environment itself, so variables, steps and inputs are top-level names.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

// Programs are compiled against an untyped map so one program serves every
// execution whatever the shape of its data.
func compileExpr(source string) (*vm.Program, error) {
	prg, err := expr.Compile(source, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, expressionError(schema.ErrCodeEval, "expr compile error in", source, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEval, "empty expr expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError(schema.ErrCodeEval, "expr evaluation failed for", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
