package mapping

import (
	"context"
	"maps"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// Handlers is the part of the handler registry used by Custom transforms.
type Handlers interface {
	Transform(name string) (handlers.Transformer, error)
}

// Write is one pending effect of an output mapping. Writes are computed for
// all of a step's outputs first and applied together by the caller.
type Write struct {
	Mapping string
	Target  schema.DataTarget
	Value   any
}

// Mapper resolves step inputs and computes output writes for one chain.
// It reads the execution scope but never mutates it, and is safe for
// concurrent use.
type Mapper struct {
	handlers  Handlers
	variables map[string]schema.Variable
	jq        *expressions.GoJQEngine
}

// NewMapper creates a Mapper for a chain with the given declared variables.
// h may be nil when the chain uses no Custom transforms.
func NewMapper(h Handlers, variables map[string]schema.Variable) *Mapper {
	return &Mapper{
		handlers:  h,
		variables: variables,
		jq:        expressions.NewGoJQEngine(),
	}
}

// ResolveInputs resolves every input of step. seeded holds values written
// to this step by StepInput targets; they take precedence over the declared
// source. Optional inputs with no value and no default are omitted.
func (m *Mapper) ResolveInputs(ctx context.Context, step schema.ChainStep, scope *expressions.Scope, seeded map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(step.Inputs))
	for _, in := range step.Inputs {
		v, ok, err := m.ResolveInput(ctx, in, scope, seeded)
		if err != nil {
			return nil, err
		}
		if ok {
			inputs[in.Name] = v
		}
	}
	return inputs, nil
}

// ResolveInput fetches the raw value from the mapping's source, applies its
// transform and falls back to the default value. The bool is false when an
// optional input resolved to nothing.
func (m *Mapper) ResolveInput(ctx context.Context, in schema.InputMapping, scope *expressions.Scope, seeded map[string]any) (any, bool, error) {
	if scope == nil {
		scope = &expressions.Scope{}
	}

	raw, present := seeded[in.Name]
	if !present {
		var err error
		raw, present, err = m.source(in.Source, scope)
		if err != nil {
			return nil, false, withInput(err, in.Name)
		}
	}

	if present && in.Transform != nil {
		out, found, err := m.transform(ctx, in.Transform, raw, scope)
		if err != nil {
			return nil, false, withInput(err, in.Name)
		}
		if !found {
			if in.Required {
				return nil, false, schema.NewErrorf(schema.ErrCodeTransform,
					"input %q: transform selected nothing", in.Name).
					WithDetails(map[string]any{"input": in.Name})
			}
			present = false
		}
		raw = out
	}

	if present {
		return raw, true, nil
	}
	if in.DefaultValue != nil {
		return in.DefaultValue, true, nil
	}
	if in.Required {
		return nil, false, schema.NewErrorf(schema.ErrCodeMissingInput,
			"required input %q has no value", in.Name).
			WithDetails(map[string]any{"input": in.Name, "source": sourceName(in.Source)})
	}
	return nil, false, nil
}

func (m *Mapper) source(src schema.DataSource, scope *expressions.Scope) (any, bool, error) {
	switch s := src.(type) {
	case schema.ChainInputSource:
		v, ok := expressions.LookupPath(scope.Inputs, s.InputName)
		return v, ok, nil
	case schema.VariableSource:
		v, ok := expressions.LookupPath(scope.Variables, s.VariableName)
		return v, ok, nil
	case schema.StepOutputSource:
		out, ok := scope.Steps[s.StepID]
		if !ok {
			return nil, false, nil
		}
		if s.OutputName == "" {
			return out, true, nil
		}
		v, ok := expressions.LookupPath(out, s.OutputName)
		return v, ok, nil
	case schema.LiteralSource:
		return s.Value, true, nil
	case schema.TemplateSource:
		out, err := expressions.Render(s.Template, scope)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case nil:
		return nil, false, schema.NewError(schema.ErrCodeMapping, "input has no source")
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeMapping, "unsupported source %s", src.SourceType())
}

// ComputeWrites evaluates every output mapping of step against the step's
// outputs. Nothing is written: the caller applies the returned writes only
// when all of them succeeded.
func (m *Mapper) ComputeWrites(ctx context.Context, step schema.ChainStep, outputs map[string]any, scope *expressions.Scope) ([]Write, error) {
	writes := make([]Write, 0, len(step.Outputs))
	for _, out := range step.Outputs {
		w, err := m.ComputeWrite(ctx, out, outputs, scope)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// ComputeWrite reads outputs[out.Name], transforms it and checks it against
// the target.
func (m *Mapper) ComputeWrite(ctx context.Context, out schema.OutputMapping, outputs map[string]any, scope *expressions.Scope) (Write, error) {
	if scope == nil {
		scope = &expressions.Scope{}
	}
	v, ok := outputs[out.Name]
	if !ok {
		return Write{}, schema.NewErrorf(schema.ErrCodeMissingOutput, "step produced no output %q", out.Name).
			WithDetails(map[string]any{"output": out.Name, "available": keys(outputs)})
	}

	if out.Transform != nil {
		tv, found, err := m.transform(ctx, out.Transform, v, scope)
		if err != nil {
			return Write{}, withOutput(err, out.Name)
		}
		if !found {
			return Write{}, schema.NewErrorf(schema.ErrCodeTransform, "output %q: transform selected nothing", out.Name).
				WithDetails(map[string]any{"output": out.Name})
		}
		v = tv
	}

	switch t := out.Target.(type) {
	case nil:
		return Write{}, schema.NewErrorf(schema.ErrCodeMapping, "output %q has no target", out.Name)
	case schema.VariableTarget:
		if decl, ok := m.variables[t.VariableName]; ok {
			if err := validation.CheckType(v, decl.DataType); err != nil {
				return Write{}, withOutput(err, out.Name)
			}
		}
	}
	return Write{Mapping: out.Name, Target: out.Target, Value: v}, nil
}

func sourceName(src schema.DataSource) string {
	if src == nil {
		return ""
	}
	return src.SourceType()
}

func withInput(err error, name string) error {
	return annotate(err, "input", name)
}

func withOutput(err error, name string) error {
	return annotate(err, "output", name)
}

// annotate records which mapping failed. Errors without a mapping-kind code
// are wrapped as MAPPING_ERROR.
func annotate(err error, key, name string) error {
	ce, ok := schema.AsChainError(err)
	if !ok || ce.Kind != schema.KindMapping {
		return schema.NewErrorf(schema.ErrCodeMapping, "%s %q: %v", key, name, err).
			WithCause(err).
			WithDetails(map[string]any{key: name})
	}
	cp := *ce
	cp.Details = maps.Clone(ce.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any)
	}
	cp.Details[key] = name
	return &cp
}
