package diagram

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// --- Test chain builders ---

func fnStep(id string) schema.ChainStep {
	return schema.ChainStep{ID: id, StepType: schema.FunctionCall{FunctionName: id}}
}

func dependsOn(step, pred string) schema.StepDependency {
	return schema.StepDependency{DependentStep: step, DependencyType: schema.SimpleDependency{RequiredStep: pred}}
}

func linearChain() *schema.Chain {
	return &schema.Chain{
		ID:    "etl",
		Name:  "ETL Pipeline",
		Steps: schema.NewStepMap(fnStep("fetch"), fnStep("transform"), fnStep("store")),
		Dependencies: []schema.StepDependency{
			dependsOn("transform", "fetch"),
			dependsOn("store", "transform"),
		},
	}
}

func conditionalChain() *schema.Chain {
	decide := schema.ChainStep{ID: "decide", StepType: schema.ConditionalStep{
		Branches: []schema.ConditionalBranch{
			{Condition: schema.EqualsCondition{Variable: "inputs.ok", Value: true}, TargetStep: "deploy"},
		},
		DefaultBranch: "notify",
	}}
	return &schema.Chain{
		ID:           "release",
		Steps:        schema.NewStepMap(fnStep("check"), decide, fnStep("deploy"), fnStep("notify")),
		Dependencies: []schema.StepDependency{dependsOn("decide", "check")},
	}
}

func parallelChain() *schema.Chain {
	fan := schema.ChainStep{ID: "fan-out", StepType: schema.ParallelStep{Steps: []string{"a1", "b1"}, WaitForAll: true}}
	return &schema.Chain{
		ID:           "fan",
		Steps:        schema.NewStepMap(fnStep("setup"), fan, fnStep("a1"), fnStep("b1")),
		Dependencies: []schema.StepDependency{dependsOn("fan-out", "setup")},
	}
}

func loopChain() *schema.Chain {
	limit := 10
	iterate := schema.ChainStep{ID: "iterate", StepType: schema.LoopStep{
		IterationVariable: "i",
		MaxIterations:     &limit,
		Steps:             []string{"process"},
	}}
	return &schema.Chain{ID: "loop", Steps: schema.NewStepMap(iterate, fnStep("process"))}
}

func edgesFrom(m *DiagramModel, from string) map[string]Edge {
	out := map[string]Edge{}
	for _, e := range m.Edges {
		if e.From == from {
			out[e.To] = e
		}
	}
	return out
}

// --- Tests ---

func TestBuildLinearChain(t *testing.T) {
	model, err := Build(linearChain(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ETL Pipeline", model.Title)
	// 3 steps + start + end = 5
	assert.Len(t, model.Nodes, 5)

	assert.Equal(t, [][]string{
		{"__start__"}, {"fetch"}, {"transform"}, {"store"}, {"__end__"},
	}, model.Levels)

	kinds := make(map[string]NodeKind)
	for _, n := range model.Nodes {
		kinds[n.ID] = n.Kind
	}
	assert.Equal(t, NodeKindStart, kinds["__start__"])
	assert.Equal(t, NodeKindEnd, kinds["__end__"])
	assert.Equal(t, NodeKindFunction, kinds["fetch"])

	assert.Contains(t, edgesFrom(model, "__start__"), "fetch")
	assert.Contains(t, edgesFrom(model, "fetch"), "transform")
	assert.Contains(t, edgesFrom(model, "store"), "__end__")
	assert.NotContains(t, edgesFrom(model, "fetch"), "__end__")
}

func TestBuildLabelsAndTitle(t *testing.T) {
	c := &schema.Chain{ID: "summarize", Steps: schema.NewStepMap(
		schema.ChainStep{ID: "llm", Name: "Summarize", StepType: schema.LLMInference{Model: "gpt-4"}},
	)}
	model, err := Build(c, nil)
	require.NoError(t, err)

	assert.Equal(t, "summarize", model.Title)
	n := model.Find("llm")
	require.NotNil(t, n)
	assert.Equal(t, NodeKindLLM, n.Kind)
	assert.Equal(t, "Summarize\n(gpt-4)", n.Label)
}

func TestBuildConditionalChain(t *testing.T) {
	model, err := Build(conditionalChain(), nil)
	require.NoError(t, err)

	decide := model.Find("decide")
	require.NotNil(t, decide)
	assert.Equal(t, NodeKindConditional, decide.Kind)
	require.Len(t, decide.Children, 1)
	assert.Len(t, decide.Children[0].Nodes, 2)

	// Branch targets are not top-level nodes.
	for _, n := range model.Nodes {
		assert.NotEqual(t, "deploy", n.ID)
	}
	assert.NotNil(t, model.Find("deploy"))

	out := edgesFrom(model, "decide")
	assert.Equal(t, "Equals", out["deploy"].Label)
	assert.Equal(t, "default", out["notify"].Label)
	assert.Equal(t, EdgeMember, out["notify"].Kind)
	assert.Contains(t, out, "__end__")
}

func TestBuildParallelChain(t *testing.T) {
	model, err := Build(parallelChain(), nil)
	require.NoError(t, err)

	fan := model.Find("fan-out")
	require.NotNil(t, fan)
	assert.Equal(t, NodeKindParallel, fan.Kind)
	require.Len(t, fan.Children, 1)
	assert.Equal(t, "all", fan.Children[0].Label)

	var ids []string
	for _, n := range fan.Children[0].Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a1", "b1"}, ids)
	assert.Equal(t, [][]string{{"__start__"}, {"setup"}, {"fan-out"}, {"__end__"}}, model.Levels)
}

func TestBuildLoopChain(t *testing.T) {
	model, err := Build(loopChain(), nil)
	require.NoError(t, err)

	loop := model.Find("iterate")
	require.NotNil(t, loop)
	assert.Equal(t, NodeKindLoop, loop.Kind)
	assert.Equal(t, "iterate\n(max 10)", loop.Label)
	require.Len(t, loop.Children, 1)
	assert.Equal(t, "body", loop.Children[0].Label)
	require.Len(t, loop.Children[0].Nodes, 1)
	assert.Equal(t, "process", loop.Children[0].Nodes[0].ID)
}

func TestBuildDependencyKinds(t *testing.T) {
	c := &schema.Chain{
		ID:    "deps",
		Steps: schema.NewStepMap(fnStep("a"), fnStep("b"), fnStep("join"), fnStep("maybe")),
		Dependencies: []schema.StepDependency{
			{DependentStep: "join", DependencyType: schema.AnyDependency{RequiredSteps: []string{"a", "b"}}},
			{DependentStep: "maybe", DependencyType: schema.ConditionalDependency{
				RequiredStep: "join",
				Condition:    schema.EqualsCondition{Variable: "inputs.go", Value: true},
			}},
		},
	}
	model, err := Build(c, nil)
	require.NoError(t, err)

	assert.Equal(t, "any", edgesFrom(model, "a")["join"].Label)
	cond := edgesFrom(model, "join")["maybe"]
	assert.Equal(t, EdgeConditional, cond.Kind)
	assert.Equal(t, "if Equals", cond.Label)
	assert.True(t, cond.Dashed())
	assert.ElementsMatch(t, []string{"a", "b"}, model.Levels[1])
}

func TestBuildFallback(t *testing.T) {
	primary := fnStep("primary")
	primary.ErrorHandler = schema.ExecuteFallbackStep{StepID: "backup"}
	c := &schema.Chain{ID: "fb", Steps: schema.NewStepMap(primary, fnStep("backup"))}

	model, err := Build(c, nil)
	require.NoError(t, err)

	e := edgesFrom(model, "primary")["backup"]
	assert.Equal(t, EdgeFallback, e.Kind)
	assert.True(t, e.Dashed())
	assert.NotContains(t, edgesFrom(model, "__start__"), "backup")
	assert.NotContains(t, edgesFrom(model, "backup"), "__end__")
	assert.Equal(t, [][]string{{"__start__"}, {"primary"}, {"backup"}, {"__end__"}}, model.Levels)
}

func TestBuildCycleGoesToFinalLevel(t *testing.T) {
	c := &schema.Chain{
		ID:    "cycle",
		Steps: schema.NewStepMap(fnStep("x"), fnStep("y")),
		Dependencies: []schema.StepDependency{
			dependsOn("x", "y"),
			dependsOn("y", "x"),
		},
	}
	model, err := Build(c, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"__start__"}, {"x", "y"}, {"__end__"}}, model.Levels)
}

func TestBuildWithStatusOverlay(t *testing.T) {
	states := []*store.StepState{
		{ExecutionID: "ex-1", StepID: "fetch", Status: schema.StepCompleted, DurationMs: 150, Attempts: 1},
		{ExecutionID: "ex-1", StepID: "transform", Status: schema.StepCompleted, DurationMs: 42, Attempts: 2},
		{ExecutionID: "ex-1", StepID: "store", Status: schema.StepFailed, DurationMs: 300,
			Error: json.RawMessage(`{"kind":"execution","code":"CONNECTOR_ERROR","message":"connection timeout"}`)},
	}

	model, err := Build(linearChain(), states)
	require.NoError(t, err)

	fetch := model.Find("fetch")
	require.NotNil(t, fetch.Status)
	assert.Equal(t, "completed", fetch.Status.Status)
	assert.Equal(t, int64(150), fetch.Status.DurationMs)
	assert.Equal(t, 2, model.Find("transform").Status.Attempts)

	st := model.Find("store").Status
	require.NotNil(t, st)
	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, "connection timeout", st.Error)

	assert.Nil(t, model.Find("__start__").Status)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "", errorMessage(nil))
	assert.Equal(t, `"plain"`, errorMessage(json.RawMessage(`"plain"`)))
	assert.Equal(t, "boom", errorMessage(json.RawMessage(`{"message":"boom"}`)))
}

func TestBuildNilChain(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)
}

func TestBuildDanglingReference(t *testing.T) {
	c := &schema.Chain{
		ID:           "bad",
		Steps:        schema.NewStepMap(fnStep("a")),
		Dependencies: []schema.StepDependency{dependsOn("a", "ghost")},
	}
	_, err := Build(c, nil)
	require.Error(t, err)
}
