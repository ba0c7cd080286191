package expressions

import (
	"encoding/json"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Resolver looks up a dotted path such as "user.profile.name" or "items.0".
type Resolver interface {
	Lookup(path string) (any, bool)
}

// Scope is the data visible to templates, conditions and expressions at one
// point of an execution. Paths resolve by namespace:
//
//	steps.<id>[.<key>...]   output of a completed step
//	inputs.<name>[...]      the chain input
//	variables.<name>[...]   a variable, explicitly
//	<name>[...]             a variable
type Scope struct {
	Variables map[string]any
	Steps     map[string]map[string]any
	Inputs    map[string]any
}

// Lookup implements Resolver. The second return is false when the path does
// not exist; an existing null resolves to (nil, true).
func (s *Scope) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "steps":
		id, sub, _ := strings.Cut(rest, ".")
		out, ok := s.Steps[id]
		if !ok {
			return nil, false
		}
		if sub == "" {
			return out, true
		}
		return LookupPath(out, sub)
	case "inputs":
		if rest == "" {
			return s.Inputs, true
		}
		return LookupPath(s.Inputs, rest)
	case "variables":
		if rest == "" {
			return s.Variables, true
		}
		return LookupPath(s.Variables, rest)
	}
	return LookupPath(s.Variables, path)
}

// Activation returns the scope as the data map handed to expression engines.
func (s *Scope) Activation() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, out := range s.Steps {
		steps[id] = out
	}
	return map[string]any{
		"variables": orEmpty(s.Variables),
		"steps":     steps,
		"inputs":    orEmpty(s.Inputs),
	}
}

// Snapshot returns a copy whose top-level maps can be read while the
// original keeps being written. Nested values are shared; writers replace
// values rather than mutating them.
func (s *Scope) Snapshot() *Scope {
	steps := make(map[string]map[string]any, len(s.Steps))
	for id, out := range s.Steps {
		steps[id] = out
	}
	return &Scope{
		Variables: copyMap(s.Variables),
		Steps:     steps,
		Inputs:    s.Inputs,
	}
}

// MapResolver resolves paths against a single value.
type MapResolver map[string]any

func (m MapResolver) Lookup(path string) (any, bool) {
	return LookupPath(map[string]any(m), path)
}

// LookupPath resolves a dotted path inside root. A key containing dots is
// matched directly before the path is split.
func LookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	if m, ok := root.(map[string]any); ok {
		if v, ok := m[path]; ok {
			return v, true
		}
	}
	c := gabs.Wrap(Normalize(root)).Search(strings.Split(path, ".")...)
	if c == nil {
		return nil, false
	}
	return c.Data(), true
}

// Normalize converts Go values into the plain JSON shapes (map[string]any,
// []any, float64, string, bool, nil) that path lookup and jq understand.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return v
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return v
		}
		return decoded
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
