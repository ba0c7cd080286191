package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage(t *testing.T) {
	tests := []struct {
		name  string
		chain *schema.Chain
	}{
		{"linear", linearChain()},
		{"conditional", conditionalChain()},
		{"parallel", parallelChain()},
		{"loop", loopChain()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := Build(tt.chain, nil)
			require.NoError(t, err)

			png, err := RenderImage(context.Background(), model)
			require.NoError(t, err)
			assertPNG(t, png)
		})
	}
}

func TestRenderImageWithStatus(t *testing.T) {
	states := []*store.StepState{
		{StepID: "fetch", Status: schema.StepCompleted, DurationMs: 100},
		{StepID: "transform", Status: schema.StepRunning},
		{StepID: "store", Status: schema.StepFailed},
	}

	model, err := Build(linearChain(), states)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}
