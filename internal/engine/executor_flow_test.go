package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/pkg/schema"
)

func intp(n int) *int { return &n }

// recordInputs returns a connector function that keeps every input map it
// receives.
func recordInputs(mu *sync.Mutex, seen *[]map[string]any) func(context.Context, map[string]any) (map[string]any, error) {
	return func(_ context.Context, in map[string]any) (map[string]any, error) {
		mu.Lock()
		*seen = append(*seen, in)
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	}
}

func TestLoop_MaxIterations(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []map[string]any
	)
	conn := newStub().on("body", recordInputs(&mu, &seen))
	e := newEngine(t, conn)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{IterationVariable: "i", MaxIterations: intp(3), Steps: []string{"body"}}}
	body := fn("body")
	body.Inputs = []schema.InputMapping{{Name: "i", Source: schema.VariableSource{VariableName: "i"}}}
	c := newChain(loop, body)

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, conn.count("body"))
	require.Len(t, seen, 3)
	for n, in := range seen {
		assert.Equal(t, float64(n), in["i"])
	}
	assert.Equal(t, map[string]any{"iterations": float64(3)}, res.Step("loop").Outputs)
	assert.Equal(t, schema.StepCompleted, res.Step("body").Status)
}

func TestLoop_BreakCondition(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{
		IterationVariable: "i",
		Steps:             []string{"body"},
		BreakCondition:    schema.EqualsCondition{Variable: "i", Value: float64(1)},
	}}
	res, err := e.Execute(context.Background(), newChain(loop, fn("body")), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.count("body"))
	assert.Equal(t, float64(2), res.Step("loop").Outputs["iterations"])
}

func TestLoop_Limit(t *testing.T) {
	conn := newStub()
	e, err := New(conn, Config{MaxLoopIterations: 3})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{
		IterationVariable: "i",
		Steps:             []string{"body"},
		BreakCondition:    schema.EqualsCondition{Variable: "i", Value: float64(-1)},
	}}
	_, err = e.Execute(context.Background(), newChain(loop, fn("body")), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))
	assert.Equal(t, 3, conn.count("body"))

	ce, _ := schema.AsChainError(err)
	res, err := e.Status(context.Background(), ce.Details["execution_id"].(string))
	require.NoError(t, err)
	require.NotNil(t, res.Step("loop").Error)
	assert.Equal(t, schema.ErrCodeLoopLimit, res.Step("loop").Error.Code)
}

func TestLoop_SinglePassWithoutBounds(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{Steps: []string{"body"}}}
	res, err := e.Execute(context.Background(), newChain(loop, fn("body")), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.count("body"))
	assert.Equal(t, float64(1), res.Step("loop").Outputs["iterations"])
}

func TestLoop_NestedParallelResetsEachPass(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{MaxIterations: intp(2), Steps: []string{"par"}}}
	par := schema.ChainStep{ID: "par", StepType: schema.ParallelStep{Steps: []string{"x", "y"}, WaitForAll: true}}
	c := newChain(loop, par, fn("x"), fn("y"))

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.count("x"))
	assert.Equal(t, 2, conn.count("y"))
	assert.Equal(t, schema.StepCompleted, res.Step("par").Status)
}

func TestLoop_ParallelFirstTerminalDoesNotOverlapPasses(t *testing.T) {
	var active, peak atomic.Int32
	conn := newStub().on("slow", func(context.Context, map[string]any) (map[string]any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})
	e := newEngine(t, conn)

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{MaxIterations: intp(2), Steps: []string{"par"}}}
	par := schema.ChainStep{ID: "par", StepType: schema.ParallelStep{Steps: []string{"x", "slow"}}}
	res, err := e.Execute(context.Background(), newChain(loop, par, fn("x"), fn("slow")), nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StepCompleted, res.Step("loop").Status)
	assert.Equal(t, schema.StepCompleted, res.Step("slow").Status)
	assert.Equal(t, 2, conn.count("slow"))
	assert.Equal(t, int32(1), peak.Load(), "slow must not run concurrently with itself")
	assert.Equal(t, float64(2), res.Step("loop").Outputs["iterations"])
}

func TestLoop_StaleOutcomeDropped(t *testing.T) {
	plan, err := scheduler.NewPlan(newChain(fn("a")))
	require.NoError(t, err)
	r := &run{plan: plan, logger: zap.NewNop()}

	a := &attempt{running: []int{1}, gen: []int{1}}
	r.handle(a, outcome{index: 0, gen: 0, outputs: map[string]any{"late": true}})
	assert.Equal(t, 0, a.running[0])
}

func TestLoop_Events(t *testing.T) {
	app := &mockAppender{}
	e := newEngine(t, newStub(), WithEventLog(app))

	loop := schema.ChainStep{ID: "loop", StepType: schema.LoopStep{MaxIterations: intp(2), Steps: []string{"body"}}}
	_, err := e.Execute(context.Background(), newChain(loop, fn("body")), nil)
	require.NoError(t, err)

	n := 0
	for _, typ := range app.Types() {
		if typ == schema.EventLoopIteration {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestConditional_BranchEvent(t *testing.T) {
	app := &mockAppender{}
	e := newEngine(t, newStub(), WithEventLog(app))

	route := schema.ChainStep{ID: "route", StepType: schema.ConditionalStep{
		Branches: []schema.ConditionalBranch{{Condition: schema.EqualsCondition{Variable: "inputs.go", Value: true}, TargetStep: "yes"}},
	}}
	res, err := e.Execute(context.Background(), newChain(route, fn("yes")), map[string]any{"go": false})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSkipped, res.Step("route").Status)
	assert.Equal(t, schema.StepSkipped, res.Step("yes").Status)
	assert.NotContains(t, app.Types(), schema.EventBranchSelected)

	res, err = e.Execute(context.Background(), newChain(route, fn("yes")), map[string]any{"go": true})
	require.NoError(t, err)
	assert.Equal(t, schema.StepCompleted, res.Step("yes").Status)
	assert.Contains(t, app.Types(), schema.EventBranchSelected)
}

func TestParallel_OutputMapping(t *testing.T) {
	e := newEngine(t, newStub())

	par := schema.ChainStep{ID: "par", StepType: schema.ParallelStep{Steps: []string{"x"}, WaitForAll: true}}
	par.Outputs = []schema.OutputMapping{{Name: "completed", Target: schema.ChainOutputTarget{OutputName: "done"}}}
	res, err := e.Execute(context.Background(), newChain(par, fn("x")), nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, res.Outputs["done"])
}
