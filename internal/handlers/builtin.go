package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// RegisterBuiltins registers the expression engines and the built-in
// transformers, step handlers and condition evaluators.
func RegisterBuiltins(reg *Registry) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	jq := expressions.NewGoJQEngine()

	for _, e := range []expressions.Engine{cel, expressions.NewExprEngine(), jq} {
		if err := reg.RegisterExpression(e); err != nil {
			return err
		}
	}

	transforms := map[string]Transformer{
		"upper":          stringTransform(strings.ToUpper),
		"lower":          stringTransform(strings.ToLower),
		"trim":           stringTransform(strings.TrimSpace),
		"json_parse":     TransformFunc(jsonParse),
		"json_stringify": TransformFunc(jsonStringify),
		"length":         TransformFunc(length),
		"jq":             jqTransform(jq),
	}
	for name, t := range transforms {
		if err := reg.RegisterTransform(name, t); err != nil {
			return err
		}
	}

	if err := reg.RegisterStep("merge", StepHandlerFunc(mergeStep)); err != nil {
		return err
	}
	return reg.RegisterCondition("expression", expressionCondition(reg))
}

func stringTransform(fn func(string) string) TransformFunc {
	return func(_ context.Context, value any, _ map[string]any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTransform, "expected string, got %T", value)
		}
		return fn(s), nil
	}
}

func jsonParse(_ context.Context, value any, _ map[string]any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "json_parse: %v", err).WithCause(err)
	}
	return out, nil
}

func jsonStringify(_ context.Context, value any, _ map[string]any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "json_stringify: %v", err).WithCause(err)
	}
	return string(b), nil
}

func length(_ context.Context, value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return float64(utf8.RuneCountInString(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeTransform, "length: unsupported type %T", value)
}

type jqConfig struct {
	Expression string `json:"expression"`
}

func jqTransform(engine *expressions.GoJQEngine) TransformFunc {
	return func(ctx context.Context, value any, config map[string]any) (any, error) {
		var cfg jqConfig
		if err := DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		if cfg.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeTransform, "jq: expression is required")
		}
		return engine.Query(ctx, cfg.Expression, value)
	}
}

// mergeStep flattens its object inputs into one output map. Later inputs win.
func mergeStep(_ context.Context, _ map[string]any, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for name, v := range inputs {
		if m, ok := v.(map[string]any); ok {
			for k, mv := range m {
				out[k] = mv
			}
			continue
		}
		out[name] = v
	}
	return out, nil
}

type expressionParams struct {
	Language   string `json:"language"`
	Expression string `json:"expression"`
}

// expressionCondition evaluates params.expression with the engine named by
// params.language (cel when empty).
func expressionCondition(reg *Registry) ConditionFunc {
	return func(ctx context.Context, params map[string]any, scope *expressions.Scope) (bool, error) {
		var p expressionParams
		if err := DecodeConfig(params, &p); err != nil {
			return false, err
		}
		if p.Language == "" {
			p.Language = "cel"
		}
		engine, err := reg.Expression(p.Language)
		if err != nil {
			return false, schema.NewError(schema.ErrCodeMissingEvaluator,
				fmt.Sprintf("no expression engine %q", p.Language)).WithCause(err)
		}
		return expressions.EvaluateBool(ctx, engine, p.Expression, scope.Activation())
	}
}
