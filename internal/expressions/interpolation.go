package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// Render substitutes every {{path}} reference in template with the value the
// resolver returns for path. Strings are inserted verbatim; other values are
// JSON-encoded inline. A missing reference is a template error.
func Render(template string, r Resolver) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "unclosed {{ in template %q", template)
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path == "" {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "empty reference {{}} in template %q", template)
		}
		if strings.Contains(path, "{{") {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "nested reference in {{%s}}", path)
		}

		val, ok := r.Lookup(path)
		if !ok {
			return "", missingRef(path, r)
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// References returns the paths referenced by a template, in order of
// appearance. Malformed trailing references are ignored.
func References(template string) []string {
	var refs []string
	rest := template
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			return refs
		}
		rest = rest[idx+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return refs
		}
		if path := strings.TrimSpace(rest[:end]); path != "" {
			refs = append(refs, path)
		}
		rest = rest[end+2:]
	}
}

// IsReference reports whether s is exactly one {{path}} reference and
// returns the path.
func IsReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(t[2 : len(t)-2])
	if inner == "" || strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

func missingRef(path string, r Resolver) error {
	err := schema.NewErrorf(schema.ErrCodeTemplate, "reference {{%s}} not found", path).
		WithDetails(map[string]any{"reference": path})
	if s, ok := r.(*Scope); ok {
		err.Details["available_variables"] = mapKeys(s.Variables)
	}
	return err
}

// marshalInline converts a resolved value into its inline text form.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Stringify renders a value the way templates and regexes see it.
func Stringify(val any) string {
	return marshalInline(val)
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
