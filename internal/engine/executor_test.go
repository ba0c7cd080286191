package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

// stubConnector answers connector steps by function or tool name and
// records the invocation order.
type stubConnector struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

func newStub() *stubConnector {
	return &stubConnector{fns: map[string]func(context.Context, map[string]any) (map[string]any, error){}}
}

func (s *stubConnector) on(name string, fn func(ctx context.Context, inputs map[string]any) (map[string]any, error)) *stubConnector {
	s.fns[name] = fn
	return s
}

func (s *stubConnector) Invoke(ctx context.Context, st schema.StepType, inputs map[string]any) (map[string]any, error) {
	var name string
	switch v := st.(type) {
	case schema.FunctionCall:
		name = v.FunctionName
	case schema.ToolUse:
		name = v.ToolName
	case schema.LLMInference:
		name = v.Model
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	fn := s.fns[name]
	s.mu.Unlock()
	if fn == nil {
		return inputs, nil
	}
	return fn(ctx, inputs)
}

func (s *stubConnector) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubConnector) count(name string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func fn(id string) schema.ChainStep {
	return schema.ChainStep{ID: id, Name: id, StepType: schema.FunctionCall{FunctionName: id}, Role: schema.Role{Kind: schema.RoleFunction}}
}

func after(step, pred string) schema.StepDependency {
	return schema.StepDependency{DependentStep: step, DependencyType: schema.SimpleDependency{RequiredStep: pred}}
}

func newChain(steps ...schema.ChainStep) *schema.Chain {
	return &schema.Chain{
		ID:            "chain-1",
		Name:          "test",
		Version:       "1.0.0",
		Steps:         schema.NewStepMap(steps...),
		Variables:     map[string]schema.Variable{},
		ErrorHandling: schema.StopOnError(),
	}
}

func newEngine(t *testing.T, conn Connector, opts ...Option) *Engine {
	t.Helper()
	e, err := New(conn, Config{PoolSize: 4}, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func failing(msg string) func(context.Context, map[string]any) (map[string]any, error) {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New(msg)
	}
}

func blocking(release <-chan struct{}) func(context.Context, map[string]any) (map[string]any, error) {
	return func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func stepStatus(t *testing.T, e *Engine, execID, stepID string) schema.StepStatus {
	t.Helper()
	res, err := e.Status(context.Background(), execID)
	require.NoError(t, err)
	sr := res.Step(stepID)
	if sr == nil {
		return ""
	}
	return sr.Status
}

func TestExecute_LinearOrder(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	c := newChain(fn("c"), fn("b"), fn("a"))
	c.Dependencies = []schema.StepDependency{after("b", "a"), after("c", "b")}

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, []string{"a", "b", "c"}, conn.Calls())
	assert.Equal(t, []string{"a", "b", "c"}, res.Order)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_OutputFlowsToNextStep(t *testing.T) {
	conn := newStub().on("gpt", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"text": "ok"}, nil
	})
	e := newEngine(t, conn)

	a := schema.ChainStep{ID: "a", StepType: schema.LLMInference{Model: "gpt"}, Role: schema.Role{Kind: schema.RoleAssistant}}
	b := fn("b")
	b.Inputs = []schema.InputMapping{{Name: "text", Source: schema.StepOutputSource{StepID: "a", OutputName: "text"}, Required: true}}
	b.Outputs = []schema.OutputMapping{{Name: "text", Target: schema.ChainOutputTarget{OutputName: "answer"}}}
	c := newChain(a, b)
	c.Dependencies = []schema.StepDependency{after("b", "a")}

	res, err := e.Execute(context.Background(), c, map[string]any{"q": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "ok"}, res.Step("b").Outputs)
	assert.Equal(t, map[string]any{"answer": "ok"}, res.Outputs)
}

func TestExecute_Variables(t *testing.T) {
	t.Run("missing required variable", func(t *testing.T) {
		e := newEngine(t, newStub())
		c := newChain(fn("a"))
		c.Variables = map[string]schema.Variable{"topic": {Name: "topic", DataType: schema.DataTypeString, Required: true}}

		res, err := e.Execute(context.Background(), c, nil)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Equal(t, schema.ErrCodeMissingVariable, schema.CodeOf(err))
	})

	t.Run("input overrides initial value", func(t *testing.T) {
		e := newEngine(t, newStub())
		a := fn("a")
		a.Inputs = []schema.InputMapping{{Name: "topic", Source: schema.VariableSource{VariableName: "topic"}}}
		c := newChain(a)
		c.Variables = map[string]schema.Variable{"topic": {Name: "topic", DataType: schema.DataTypeString, InitialValue: "go"}}

		res, err := e.Execute(context.Background(), c, map[string]any{"topic": "rust"})
		require.NoError(t, err)
		assert.Equal(t, "rust", res.Variables["topic"])
		assert.Equal(t, map[string]any{"topic": "rust"}, res.Step("a").Outputs)
	})

	t.Run("variable type mismatch", func(t *testing.T) {
		e := newEngine(t, newStub())
		c := newChain(fn("a"))
		c.Variables = map[string]schema.Variable{"n": {Name: "n", DataType: schema.DataTypeNumber}}

		_, err := e.Execute(context.Background(), c, map[string]any{"n": "three"})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeVariableType, schema.CodeOf(err))
	})
}

func TestExecute_StepRetries(t *testing.T) {
	conn := newStub().on("flaky", failing("upstream 503"))
	e := newEngine(t, conn)

	step := schema.ChainStep{
		ID:          "flaky",
		StepType:    schema.FunctionCall{FunctionName: "flaky"},
		RetryPolicy: &schema.RetryPolicy{MaxRetries: 2, RetryInterval: dur(time.Millisecond), RetryBackoffFactor: 2},
	}
	c := newChain(step)

	_, err := e.Execute(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))
	assert.Equal(t, 3, conn.count("flaky"))

	ce, ok := schema.AsChainError(err)
	require.True(t, ok)
	assert.Equal(t, "flaky", ce.StepID)
	require.NotNil(t, ce.Details)
	execID, _ := ce.Details["execution_id"].(string)
	require.NotEmpty(t, execID)

	res, err := e.Status(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, 3, res.Step("flaky").Attempts)
	assert.Equal(t, schema.StepFailed, res.Step("flaky").Status)
}

func TestExecute_RetryFilteredByErrorCode(t *testing.T) {
	conn := newStub().on("x", failing("boom"))
	e := newEngine(t, conn)

	step := fn("x")
	step.RetryPolicy = &schema.RetryPolicy{MaxRetries: 3, RetryOnErrorCodes: []string{"RATE_LIMITED"}}

	_, err := e.Execute(context.Background(), newChain(step), nil)
	require.Error(t, err)
	assert.Equal(t, 1, conn.count("x"))
}

func TestExecute_ContinueOnError(t *testing.T) {
	conn := newStub().on("a", failing("boom"))
	e := newEngine(t, conn)

	c := newChain(fn("a"), fn("b"), fn("c"))
	c.Dependencies = []schema.StepDependency{after("b", "a")}
	c.ErrorHandling = schema.ContinueOnError()

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.StepSkipped, res.Step("a").Status)
	require.NotNil(t, res.Step("a").Error)
	assert.Equal(t, schema.StepSkipped, res.Step("b").Status)
	assert.Equal(t, schema.StepCompleted, res.Step("c").Status)
	assert.NotContains(t, conn.Calls(), "b")
}

func TestExecute_StopOnErrorAbandonsRest(t *testing.T) {
	conn := newStub().on("a", failing("boom"))
	e := newEngine(t, conn)

	c := newChain(fn("a"), fn("b"))
	c.Dependencies = []schema.StepDependency{after("b", "a")}

	_, err := e.Execute(context.Background(), c, nil)
	require.Error(t, err)

	ce, _ := schema.AsChainError(err)
	res, serr := e.Status(context.Background(), ce.Details["execution_id"].(string))
	require.NoError(t, serr)
	assert.Equal(t, schema.StepFailed, res.Step("a").Status)
	assert.Equal(t, schema.StepSkipped, res.Step("b").Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
}

func TestExecute_ChainRetryWithParams(t *testing.T) {
	conn := newStub().on("a", func(_ context.Context, in map[string]any) (map[string]any, error) {
		if in["mode"] != "safe" {
			return nil, errors.New("unsafe mode")
		}
		return map[string]any{"mode": in["mode"]}, nil
	})
	e := newEngine(t, conn)

	a := fn("a")
	a.Inputs = []schema.InputMapping{{Name: "mode", Source: schema.ChainInputSource{InputName: "mode"}, DefaultValue: "fast"}}
	c := newChain(a)
	c.ErrorHandling = schema.RetryChainWithParams(1, map[string]any{"mode": "safe"})

	res, err := e.Execute(context.Background(), c, map[string]any{"mode": "fast"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, conn.count("a"))
	assert.Equal(t, map[string]any{"mode": "safe"}, res.Step("a").Outputs)
}

func TestExecute_Guard(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	a := fn("a")
	a.Condition = schema.EqualsCondition{Variable: "inputs.enabled", Value: true}
	c := newChain(a, fn("b"))
	c.Dependencies = []schema.StepDependency{after("b", "a")}

	res, err := e.Execute(context.Background(), c, map[string]any{"enabled": false})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSkipped, res.Step("a").Status)
	assert.Equal(t, schema.StepSkipped, res.Step("b").Status)
	assert.Empty(t, conn.Calls())
}

func TestExecute_Conditional(t *testing.T) {
	conn := newStub()
	e := newEngine(t, conn)

	route := schema.ChainStep{
		ID: "route",
		StepType: schema.ConditionalStep{
			Branches: []schema.ConditionalBranch{
				{Condition: schema.EqualsCondition{Variable: "inputs.kind", Value: "short"}, TargetStep: "short"},
				{Condition: schema.EqualsCondition{Variable: "inputs.kind", Value: "long"}, TargetStep: "long"},
			},
			DefaultBranch: "other",
		},
	}
	c := newChain(route, fn("short"), fn("long"), fn("other"))

	res, err := e.Execute(context.Background(), c, map[string]any{"kind": "long"})
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, conn.Calls())
	assert.Equal(t, map[string]any{"selected": "long"}, res.Step("route").Outputs)
	assert.Equal(t, schema.StepSkipped, res.Step("short").Status)
	assert.Equal(t, schema.StepSkipped, res.Step("other").Status)

	conn = newStub()
	e = newEngine(t, conn)
	_, err = e.Execute(context.Background(), c, map[string]any{"kind": "medium"})
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, conn.Calls())
}

func TestExecute_ParallelWaitForAll(t *testing.T) {
	release := make(chan struct{})
	conn := newStub().on("y", blocking(release))
	e := newEngine(t, conn)

	par := schema.ChainStep{ID: "par", StepType: schema.ParallelStep{Steps: []string{"x", "y"}, WaitForAll: true}}
	c := newChain(par, fn("x"), fn("y"), fn("z"))
	c.Dependencies = []schema.StepDependency{after("z", "par")}

	h, err := e.Start(context.Background(), c, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stepStatus(t, e, h.ID, "x") == schema.StepCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.StepRunning, stepStatus(t, e, h.ID, "par"))
	assert.Equal(t, schema.StepPending, stepStatus(t, e, h.ID, "z"))

	close(release)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.StepCompleted, res.Step("par").Status)
	assert.ElementsMatch(t, []any{"x", "y"}, res.Step("par").Outputs["completed"])
	assert.Equal(t, "z", res.Order[len(res.Order)-1])
}

func TestExecute_ParallelFirstTerminal(t *testing.T) {
	release := make(chan struct{})
	conn := newStub().on("y", blocking(release))
	e := newEngine(t, conn)

	par := schema.ChainStep{ID: "par", StepType: schema.ParallelStep{Steps: []string{"x", "y"}, WaitForAll: false}}
	c := newChain(par, fn("x"), fn("y"))

	h, err := e.Start(context.Background(), c, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stepStatus(t, e, h.ID, "par") == schema.StepCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.StepRunning, stepStatus(t, e, h.ID, "y"))

	close(release)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, res.Step("par").Outputs["completed"])
	assert.Equal(t, schema.StepCompleted, res.Step("y").Status)
}

func TestExecute_MaxParallelSteps(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(context.Context, map[string]any) (map[string]any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return map[string]any{}, nil
	}
	conn := newStub().on("a", slow).on("b", slow).on("c", slow)
	e := newEngine(t, conn)

	c := newChain(fn("a"), fn("b"), fn("c"))
	one := 1
	c.MaxParallelSteps = &one

	_, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, []string{"a", "b", "c"}, conn.Calls())
}

func TestExecute_SchedulerStuck(t *testing.T) {
	e := newEngine(t, newStub())

	c := newChain(fn("a"), fn("b"))
	c.Dependencies = []schema.StepDependency{after("a", "b"), after("b", "a")}

	_, err := e.Execute(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSchedulerStuck, schema.CodeOf(err))
	ce, _ := schema.AsChainError(err)
	assert.ElementsMatch(t, []string{"a", "b"}, ce.Details["pending"])
}

func TestExecute_ChainTimeout(t *testing.T) {
	conn := newStub().on("a", blocking(make(chan struct{})))
	e := newEngine(t, conn)

	c := newChain(fn("a"))
	c.Timeout = dur(50 * time.Millisecond)

	_, err := e.Execute(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))

	ce, _ := schema.AsChainError(err)
	res, serr := e.Status(context.Background(), ce.Details["execution_id"].(string))
	require.NoError(t, serr)
	assert.Equal(t, schema.ExecutionTimedOut, res.Status)
	assert.Equal(t, schema.StepSkipped, res.Step("a").Status)
}

func TestExecute_StepTimeout(t *testing.T) {
	conn := newStub().on("a", blocking(make(chan struct{})))
	e := newEngine(t, conn)

	a := fn("a")
	a.Timeout = dur(20 * time.Millisecond)
	c := newChain(a)
	c.ErrorHandling = schema.ContinueOnError()

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Step("a").Error)
	assert.Equal(t, schema.ErrCodeStepTimeout, res.Step("a").Error.Code)
}

func TestCancel(t *testing.T) {
	conn := newStub().on("a", blocking(make(chan struct{})))
	e := newEngine(t, conn)

	h, err := e.Start(context.Background(), newChain(fn("a")), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stepStatus(t, e, h.ID, "a") == schema.StepRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), h.ID))
	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))

	res, err := e.Status(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, res.Status)

	err = e.Cancel(context.Background(), h.ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	err = e.Cancel(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestStatus_Forget(t *testing.T) {
	e := newEngine(t, newStub())
	h, err := e.Start(context.Background(), newChain(fn("a")), nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Forget(context.Background(), h.ID))
	_, err = e.Status(context.Background(), h.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = e.Forget(context.Background(), h.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestForget_RunningIsConflict(t *testing.T) {
	release := make(chan struct{})
	e := newEngine(t, newStub().on("a", blocking(release)))
	h, err := e.Start(context.Background(), newChain(fn("a")), nil)
	require.NoError(t, err)

	err = e.Forget(context.Background(), h.ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	close(release)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, e.Forget(context.Background(), h.ID))
}

func TestExecute_CustomStep(t *testing.T) {
	e := newEngine(t, nil)

	merge := schema.ChainStep{ID: "m", StepType: schema.CustomStep{Handler: "merge"}}
	merge.Inputs = []schema.InputMapping{
		{Name: "a", Source: schema.LiteralSource{Value: map[string]any{"x": 1}}},
		{Name: "b", Source: schema.LiteralSource{Value: map[string]any{"y": 2}}},
	}
	res, err := e.Execute(context.Background(), newChain(merge), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, res.Step("m").Outputs)

	_, err = e.Execute(context.Background(), newChain(schema.ChainStep{ID: "u", StepType: schema.CustomStep{Handler: "nope"}}), nil)
	require.Error(t, err)
}

func TestExecute_CircuitOpens(t *testing.T) {
	conn := newStub().on("a", failing("down"))
	e, err := New(conn, Config{CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	c := newChain(fn("a"))
	c.ErrorHandling = schema.ContinueOnError()

	_, err = e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, e.Breakers().State("function:a"))

	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.Step("a").Error.Code)
	assert.Equal(t, 1, conn.count("a"))
}

func TestExecute_Events(t *testing.T) {
	app := &mockAppender{}
	e := newEngine(t, newStub(), WithEventLog(app))

	c := newChain(fn("a"), fn("b"))
	c.Dependencies = []schema.StepDependency{after("b", "a")}
	res, err := e.Execute(context.Background(), c, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventChainStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventChainCompleted,
	}, app.Types())
	for _, ev := range app.Events() {
		assert.Equal(t, res.ExecutionID, ev.ExecutionID)
	}
}

func TestExecute_EventLogFailureIsNotFatal(t *testing.T) {
	e := newEngine(t, newStub(), WithEventLog(failAppender{}))
	res, err := e.Execute(context.Background(), newChain(fn("a")), nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
}

func TestExecute_InvalidPlan(t *testing.T) {
	e := newEngine(t, newStub())
	c := newChain(fn("a"))
	c.Dependencies = []schema.StepDependency{after("a", "ghost")}

	_, err := e.Execute(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDanglingRef, schema.CodeOf(err))

	_, err = e.Execute(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestNormalizeInput(t *testing.T) {
	assert.Equal(t, map[string]any{}, normalizeInput(nil))
	assert.Equal(t, map[string]any{"input": "hi"}, normalizeInput("hi"))
	assert.Equal(t, map[string]any{"n": float64(1)}, normalizeInput(map[string]any{"n": 1}))
}
