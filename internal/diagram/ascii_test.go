package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearChain(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== ETL Pipeline ===")

	assert.Contains(t, output, "┌") // ┌
	assert.Contains(t, output, "┐") // ┐
	assert.Contains(t, output, "└") // └
	assert.Contains(t, output, "┘") // ┘
	assert.Contains(t, output, "│") // │

	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "End")
	assert.Contains(t, output, "(transform)")
	assert.NotContains(t, output, "sub-steps")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "completed", DurationMs: 100}},
			{ID: "b", Label: "step-b", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "failed"}},
			{ID: "c", Label: "step-c", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "retrying", Attempts: 3}},
			{ID: "d", Label: "step-d", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "waiting"}},
			{ID: "e", Label: "step-e", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "f", Label: "step-f", Kind: NodeKindFunction, Status: &StatusOverlay{Status: "pending"}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f"}, {"end"}},
	}

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[RETRY]")
	assert.Contains(t, output, "[WAIT]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "100ms")
	assert.Contains(t, output, "3 attempts")
}

func TestRenderASCIIWithSubgraphs(t *testing.T) {
	model, err := Build(conditionalChain(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- decide sub-steps ---")
	assert.Contains(t, output, "  [branches]")
	assert.Contains(t, output, "    deploy")
}

func TestRenderASCIISideEdges(t *testing.T) {
	primary := fnStep("primary")
	primary.ErrorHandler = schema.ExecuteFallbackStep{StepID: "backup"}
	model, err := Build(&schema.Chain{ID: "fb", Steps: schema.NewStepMap(primary, fnStep("backup"))}, nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- edges ---")
	assert.Contains(t, output, "primary ─→ backup (fallback)")
}
