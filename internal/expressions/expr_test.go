package expressions

import (
	"context"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	var e Engine = NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_ChainData(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"variables": map[string]any{"tries": 2.0, "tags": []any{"a", "b"}},
		"steps":     map[string]any{"fetch": map[string]any{"status": 200.0}},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`variables.tries < 3`, true},
		{`steps.fetch.status == 200`, true},
		{`"b" in variables.tags`, true},
		{`len(variables.tags)`, 2},
		{`variables.missing ?? "fallback"`, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_CacheSharedAcrossData(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `variables.x + 1`, map[string]any{"variables": map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Evaluate(ctx, `variables.x + 1`, map[string]any{"variables": map[string]any{"x": 41}})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 1, e.programs.len())
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeEval, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assert.Equal(t, schema.ErrCodeEval, schema.CodeOf(err))
}
