package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/rendis/chainflow/pkg/schema"
)

// GoJQEngine implements Engine using GoJQ. It also backs the JsonPath data
// transform: JSONPath expressions are translated to jq and run against the
// resolved value.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq program with data as its input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Query(ctx, expression, data)
}

// Query runs a jq program against an arbitrary JSON value. No output yields
// nil, one output is returned as is, several are collected into a slice.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeTransform, "empty jq expression")
	}

	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, Normalize(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, expressionError(schema.ErrCodeTransform, "jq evaluation failed for", expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// JSONPath extracts a sub-value with a JSONPath expression. The second
// return is false when the path selects nothing (or only null).
func (e *GoJQEngine) JSONPath(ctx context.Context, path string, input any) (any, bool, error) {
	query, err := JSONPathToJQ(path)
	if err != nil {
		return nil, false, err
	}
	out, err := e.Query(ctx, query, input)
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func compileJQ(source string) (*gojq.Code, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		return nil, expressionError(schema.ErrCodeTransform, "jq parse error in", source, err)
	}
	// No $ENV access.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError(schema.ErrCodeTransform, "jq compile error in", source, err)
	}
	return code, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// JSONPathToJQ translates the JSONPath subset used by chain documents
// ($, .key, ['key'], [n], [*]) into a jq program. Paths starting with "."
// are taken as jq already; bare paths like "a.b" are read as "$.a.b".
func JSONPathToJQ(path string) (string, error) {
	p := strings.TrimSpace(path)
	switch {
	case p == "" || p == "$":
		return ".", nil
	case strings.HasPrefix(p, "."):
		return p, nil
	case strings.HasPrefix(p, "$"):
		p = p[1:]
	default:
		p = "." + p
	}

	var b strings.Builder
	for i := 0; i < len(p); {
		switch p[i] {
		case '.':
			j := i + 1
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			key := p[i+1 : j]
			if key == "" {
				return "", invalidPath(path, "empty segment")
			}
			if key == "*" {
				b.WriteString("[]")
			} else {
				writeKey(&b, key)
			}
			i = j
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end == -1 {
				return "", invalidPath(path, "unclosed bracket")
			}
			inner := strings.TrimSpace(p[i+1 : i+end])
			switch {
			case inner == "*":
				b.WriteString("[]")
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				writeKey(&b, inner[1:len(inner)-1])
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return "", invalidPath(path, fmt.Sprintf("unsupported selector [%s]", inner))
				}
				fmt.Fprintf(&b, "[%d]", n)
			}
			i += end + 1
		default:
			return "", invalidPath(path, fmt.Sprintf("unexpected %q", p[i]))
		}
	}
	if b.Len() == 0 {
		return ".", nil
	}
	out := b.String()
	if strings.HasPrefix(out, "[") {
		out = "." + out
	}
	return out, nil
}

func writeKey(b *strings.Builder, key string) {
	if identPattern.MatchString(key) {
		b.WriteString("." + key)
		return
	}
	quoted, _ := json.Marshal(key)
	b.WriteString(`.[` + string(quoted) + `]`)
}

func invalidPath(path, reason string) error {
	return schema.NewErrorf(schema.ErrCodeTransform, "invalid JSONPath %q: %s", path, reason).
		WithDetails(map[string]any{"path": path})
}

var _ Engine = (*GoJQEngine)(nil)
