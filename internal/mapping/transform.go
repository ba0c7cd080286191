package mapping

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// Transform applies t to value. It is exported for the engine's use on
// ad-hoc values; a selection that finds nothing is a TRANSFORM_FAILED error.
func (m *Mapper) Transform(ctx context.Context, t schema.DataTransform, value any, scope *expressions.Scope) (any, error) {
	if scope == nil {
		scope = &expressions.Scope{}
	}
	out, found, err := m.transform(ctx, t, value, scope)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schema.NewError(schema.ErrCodeTransform, "transform selected nothing")
	}
	return out, nil
}

// transform returns found=false only for a JsonPath that selects nothing.
func (m *Mapper) transform(ctx context.Context, t schema.DataTransform, value any, scope *expressions.Scope) (any, bool, error) {
	switch tr := t.(type) {
	case schema.JSONPathTransform:
		return m.jq.JSONPath(ctx, tr.Path, value)

	case schema.RegexTransform:
		out, err := regexExtract(tr, value)
		return out, err == nil, err

	case schema.TemplateTransform:
		out, err := expressions.Render(tr.Template, valueResolver{value: value, scope: scope})
		return out, err == nil, err

	case schema.MapTransform:
		key := expressions.Stringify(value)
		if out, ok := tr.Mappings[key]; ok {
			return out, true, nil
		}
		if tr.Default != nil {
			return tr.Default, true, nil
		}
		return nil, false, schema.NewErrorf(schema.ErrCodeTransform, "no mapping for %q and no default", key).
			WithDetails(map[string]any{"value": key, "known": sortedKeys(tr.Mappings)})

	case schema.CustomTransform:
		if m.handlers == nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeTransform, "no transformer %q", tr.Handler)
		}
		h, err := m.handlers.Transform(tr.Handler)
		if err != nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeTransform, "no transformer %q", tr.Handler).WithCause(err)
		}
		out, err := h.Transform(ctx, value, tr.Config)
		if err != nil {
			if ce, ok := schema.AsChainError(err); ok && ce.Kind == schema.KindMapping {
				return nil, false, ce
			}
			return nil, false, schema.NewErrorf(schema.ErrCodeTransform, "transformer %q failed: %v", tr.Handler, err).WithCause(err)
		}
		return out, true, nil
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeTransform, "unsupported transform %s", t.TransformType())
}

func regexExtract(tr schema.RegexTransform, value any) (any, error) {
	re, err := regexp.Compile(tr.Pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "invalid pattern %q: %v", tr.Pattern, err).WithCause(err)
	}
	s := expressions.Stringify(value)
	match := re.FindStringSubmatch(s)
	if match == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "pattern %q does not match", tr.Pattern).
			WithDetails(map[string]any{"pattern": tr.Pattern})
	}
	group := 0
	if tr.Group != nil {
		group = *tr.Group
	}
	if group < 0 || group >= len(match) {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "pattern %q has no group %d", tr.Pattern, group)
	}
	return match[group], nil
}

// valueResolver exposes the value being transformed to a Template
// transform. "value" names the whole value, object keys resolve directly,
// and anything else falls back to the execution scope.
type valueResolver struct {
	value any
	scope *expressions.Scope
}

func (r valueResolver) Lookup(path string) (any, bool) {
	if path == "value" {
		return r.value, true
	}
	if rest, ok := strings.CutPrefix(path, "value."); ok {
		return expressions.LookupPath(r.value, rest)
	}
	if m, ok := r.value.(map[string]any); ok {
		if v, ok := expressions.LookupPath(m, path); ok {
			return v, true
		}
	}
	return r.scope.Lookup(path)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keys(m map[string]any) []string {
	return sortedKeys(m)
}
