package expressions

import (
	"context"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	input := map[string]any{
		"choices": []any{
			map[string]any{"text": "first"},
			map[string]any{"text": "second"},
		},
	}

	out, err := e.Query(ctx, ".choices[0].text", input)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = e.Query(ctx, ".choices[].text", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, out)

	out, err = e.Query(ctx, "empty", input)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NonObjectInput(t *testing.T) {
	out, err := NewGoJQEngine().Query(context.Background(), ". * 2", 21)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Query(context.Background(), ".[", nil)
	assert.Equal(t, schema.ErrCodeTransform, schema.CodeOf(err))

	_, err = e.Query(context.Background(), ".a.b", map[string]any{"a": "text"})
	assert.Equal(t, schema.ErrCodeTransform, schema.CodeOf(err))

}

func TestGoJQ_NoEnvironment(t *testing.T) {
	out, err := NewGoJQEngine().Query(context.Background(), "$ENV.HOME", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJSONPathToJQ(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"$", "."},
		{"", "."},
		{"$.a.b[0]", ".a.b[0]"},
		{"$[1]", ".[1]"},
		{"$.items[*].name", ".items[].name"},
		{"$.items.*", ".items[]"},
		{"$['a key'].x", `.["a key"].x`},
		{"$.with-dash", `.["with-dash"]`},
		{"user.name", ".user.name"},
		{".raw | length", ".raw | length"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := JSONPathToJQ(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONPathToJQ_Invalid(t *testing.T) {
	for _, p := range []string{"$.a[", "$..a", "$[?(@.x)]"} {
		_, err := JSONPathToJQ(p)
		assert.Error(t, err, p)
	}
}

func TestGoJQ_JSONPath(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	doc := map[string]any{"user": map[string]any{"name": "ada", "langs": []any{"go", "ml"}}}

	v, ok, err := e.JSONPath(ctx, "$.user.langs[1]", doc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ml", v)

	_, ok, err = e.JSONPath(ctx, "$.user.email", doc)
	require.NoError(t, err)
	assert.False(t, ok, "missing path selects nothing")
}
