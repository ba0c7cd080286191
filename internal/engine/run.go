package engine

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/mapping"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// run is one execution instance. A single coordinator goroutine owns the
// scheduler state and the scope; workers only see snapshots and report back
// through the attempt's results channel.
type run struct {
	e      *Engine
	chain  *schema.Chain
	plan   *scheduler.Plan
	mapper *mapping.Mapper
	cond   *conditions.Evaluator
	id     string
	input  map[string]any
	limit  int
	logger *zap.Logger
	events *emitter
	fsm    *ExecutionFSM

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc
	done      chan struct{}

	// mu guards result and err.
	mu     sync.Mutex
	result *ExecutionResult
	err    error
}

// attempt is one pass of the whole chain. Chain-level retries start a fresh
// attempt under the same execution ID.
type attempt struct {
	n        int
	ctx      context.Context
	cancel   context.CancelFunc
	state    *scheduler.State
	scope    *expressions.Scope
	outputs  map[string]any
	seeded   map[int]map[string]any
	results  chan outcome
	inflight int
	// running counts dispatched outcomes not yet handled, per step.
	running []int
	// gen is bumped for every step a loop re-arms; outcomes from an older
	// pass are dropped.
	gen []int

	parallels map[int]bool
	loops     map[int]*loopRun
	// waiting maps a fallback step to the failed step waiting on it.
	waiting  map[int]int
	failures map[int]error

	fatal *schema.ChainError
	retry bool
}

// outcome is what a worker reports for one dispatched step.
type outcome struct {
	index     int
	gen       int
	outputs   map[string]any
	writes    []mapping.Write
	inputs    map[string]any
	err       error
	fallback  bool
	recovered bool
	aborted   bool
	attempts  int
}

func (r *run) execute() {
	defer close(r.done)
	defer r.stopTimer()
	defer r.cancel(nil)

	r.setExecutionRunning()
	input := r.input
	strategy := r.chain.ErrorHandling

	for n := 1; ; n++ {
		a := r.newAttempt(n)
		err := r.initVariables(a, input)
		if err == nil {
			r.drive(a)
			if a.fatal != nil {
				err = a.fatal
			}
		} else {
			a.cancel()
		}

		if a.retry && strategy.Effective() == schema.StrategyRetryWithDifferentParams && n <= strategy.MaxRetries && r.ctx.Err() == nil {
			input = merge(input, strategy.Params)
			r.logger.Warn("retrying chain", zap.Int("attempt", n+1), zap.Error(err))
			r.events.emit(r.ctx, schema.EventChainRetrying, "", map[string]any{
				"attempt": n + 1,
				"error":   errorPayload(err),
			})
			continue
		}
		r.finish(a, err)
		return
	}
}

func (r *run) newAttempt(n int) *attempt {
	ctx, cancel := context.WithCancel(r.ctx)
	a := &attempt{
		n:         n,
		ctx:       ctx,
		cancel:    cancel,
		state:     scheduler.NewState(r.plan),
		scope:     &expressions.Scope{Variables: map[string]any{}, Steps: map[string]map[string]any{}},
		outputs:   map[string]any{},
		seeded:    map[int]map[string]any{},
		results:   make(chan outcome, r.plan.Len()+1),
		running:   make([]int, r.plan.Len()),
		gen:       make([]int, r.plan.Len()),
		parallels: map[int]bool{},
		loops:     map[int]*loopRun{},
		waiting:   map[int]int{},
		failures:  map[int]error{},
	}

	r.mu.Lock()
	r.result.Attempts = n
	r.result.Steps = make(map[string]*StepResult, r.plan.Len())
	r.result.Order = nil
	r.result.Outputs = map[string]any{}
	for _, node := range r.plan.Nodes {
		r.result.Steps[node.ID] = &StepResult{StepID: node.ID, Status: schema.StepPending}
	}
	r.mu.Unlock()

	if n > 1 && r.e.store != nil {
		if err := r.e.store.UpdateExecution(context.WithoutCancel(r.ctx), r.id, store.ExecutionUpdate{Attempt: &n}); err != nil {
			r.logger.Warn("update execution attempt failed", zap.Error(err))
		}
	}
	return a
}

// initVariables seeds the scope from declared variables and the chain input.
// A chain input overrides a variable's initial value; a required variable
// with neither is an error.
func (r *run) initVariables(a *attempt, input map[string]any) error {
	a.scope.Inputs = input
	names := make([]string, 0, len(r.chain.Variables))
	for name := range r.chain.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		decl := r.chain.Variables[name]
		val, has := decl.InitialValue, decl.InitialValue != nil
		if v, ok := input[name]; ok {
			val, has = v, true
		}
		if !has {
			if decl.Required {
				return schema.NewErrorf(schema.ErrCodeMissingVariable, "required variable %q has no value", name).
					WithDetails(map[string]any{"variable": name})
			}
			continue
		}
		val = expressions.Normalize(val)
		if err := validation.CheckType(val, decl.DataType); err != nil {
			return schema.NewErrorf(schema.ErrCodeVariableType, "variable %q: %s", name, err.Error()).WithCause(err)
		}
		a.scope.Variables[name] = val
	}
	return nil
}

// drive runs the scheduling loop until the attempt finishes, gets stuck or
// is aborted.
func (r *run) drive(a *attempt) {
	defer a.cancel()

loop:
	for {
		r.schedule(a)
		if a.fatal != nil {
			break
		}
		if a.state.Done() && a.inflight == 0 {
			return
		}
		if a.inflight == 0 {
			a.fatal = schema.NewError(schema.ErrCodeSchedulerStuck, "no step can make progress").
				WithDetails(map[string]any{"pending": a.state.Pending()})
			break
		}
		select {
		case o := <-a.results:
			a.inflight--
			r.handle(a, o)
		case <-r.ctx.Done():
			a.fatal = r.abortError()
			break loop
		}
	}

	a.cancel()
	for a.inflight > 0 {
		<-a.results
		a.inflight--
	}
	r.abandon(a)
}

// schedule repeats scheduling passes until nothing changes.
func (r *run) schedule(a *attempt) {
	eval := scheduler.EvaluatorFunc(func(c schema.Condition) (bool, error) {
		return r.cond.Evaluate(a.ctx, c, a.scope)
	})
	for progress := true; progress && a.fatal == nil; {
		if r.ctx.Err() != nil {
			a.fatal = r.abortError()
			return
		}
		progress = false
		b := a.state.Next(eval, r.limit)
		for _, sk := range b.Skipped {
			r.skipped(a, sk.Index, sk.Reason, nil)
			progress = true
		}
		for _, f := range b.Failed {
			r.started(a, f.Index)
			r.submit(a, f.Index, r.stepError(f.Err, f.Index, schema.ErrCodeEval))
			progress = true
		}
		for _, i := range b.Ready {
			if a.fatal != nil {
				break
			}
			r.dispatch(a, i)
			progress = true
		}
		if a.fatal == nil && r.advanceControl(a) {
			progress = true
		}
	}
}

func (r *run) dispatch(a *attempt, i int) {
	r.started(a, i)
	switch r.plan.Node(i).Step.StepType.(type) {
	case schema.ConditionalStep:
		r.runConditional(a, i)
	case schema.ParallelStep:
		r.startParallel(a, i)
	case schema.LoopStep:
		r.startLoop(a, i)
	default:
		r.submit(a, i, nil)
	}
}

// submit hands step i to the worker pool. A non-nil cause skips invocation
// and goes straight to the step's error handler.
func (r *run) submit(a *attempt, i int, cause error) {
	node := r.plan.Node(i)
	scope := a.scope.Snapshot()
	seeded := maps.Clone(a.seeded[i])
	results := a.results
	gen := a.gen[i]

	a.inflight++
	a.running[i]++
	err := r.e.pool.Submit(a.ctx, node.ID, func(ctx context.Context) error {
		o := r.runStep(ctx, i, node.Step, scope, seeded, cause)
		o.gen = gen
		results <- o
		return o.err
	}, func(err error) {
		var pe *PanicError
		if errors.As(err, &pe) {
			r.logger.Error("step panicked", zap.String("step_id", pe.StepID), zap.Any("panic", pe.Value))
			results <- outcome{index: i, gen: gen, attempts: 1, err: schema.NewError(schema.ErrCodeExecution, pe.Error()).WithStep(node.ID)}
		}
	})
	if err == nil {
		return
	}
	a.inflight--
	a.running[i]--
	if r.ctx.Err() != nil {
		a.fatal = r.abortError()
		return
	}
	a.fatal = schema.NewError(schema.ErrCodeExecution, "submit step").WithStep(node.ID).WithCause(err)
}

func (r *run) handle(a *attempt, o outcome) {
	a.running[o.index]--
	if o.gen != a.gen[o.index] {
		r.logger.Debug("stale step outcome dropped", zap.String("step_id", r.plan.ID(o.index)))
		return
	}

	r.mu.Lock()
	if sr := r.result.Steps[r.plan.ID(o.index)]; sr != nil && o.attempts > 0 {
		sr.Attempts = o.attempts
	}
	r.mu.Unlock()

	switch {
	case o.aborted:
		// The attempt was cancelled underneath the step; drive reports why.
	case o.err == nil:
		r.complete(a, o.index, o.outputs, o.writes)
	case o.fallback:
		r.awaitFallback(a, o.index, o.err)
	default:
		r.fail(a, o.index, o.err)
	}
}

// complete applies a step's writes and marks it completed. A failed step
// waiting on this one as its fallback adopts the same outputs.
func (r *run) complete(a *attempt, i int, outputs map[string]any, writes []mapping.Write) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	r.apply(a, writes)
	id := r.plan.ID(i)
	a.scope.Steps[id] = outputs
	delete(a.parallels, i)
	delete(a.loops, i)
	r.mark(a, i, schema.StepCompleted, outputs, nil, map[string]any{"output": outputs})

	if ref, ok := a.waiting[i]; ok {
		delete(a.waiting, i)
		delete(a.failures, ref)
		a.scope.Steps[r.plan.ID(ref)] = outputs
		r.mark(a, ref, schema.StepCompleted, outputs, nil, map[string]any{"output": outputs, "fallback": id})
	}
}

// apply performs computed output writes. Writes of one step are applied
// together, after all of them were computed.
func (r *run) apply(a *attempt, writes []mapping.Write) {
	for _, w := range writes {
		switch t := w.Target.(type) {
		case schema.ChainOutputTarget:
			a.outputs[t.OutputName] = w.Value
		case schema.VariableTarget:
			a.scope.Variables[t.VariableName] = w.Value
		case schema.StepInputTarget:
			if idx, ok := r.plan.Index(t.StepID); ok {
				if a.seeded[idx] == nil {
					a.seeded[idx] = map[string]any{}
				}
				a.seeded[idx][t.InputName] = w.Value
			}
		}
	}
}

// awaitFallback parks step i until its fallback step finishes.
func (r *run) awaitFallback(a *attempt, i int, cause error) {
	fb := r.plan.Node(i).Fallback
	if fb == scheduler.None || a.state.Status(fb) != schema.StepPending {
		r.fail(a, i, cause)
		return
	}
	a.waiting[fb] = i
	a.failures[i] = cause
	a.state.Activate(fb)
	r.mark(a, i, schema.StepWaiting, nil, cause, nil)
}

// fail routes an unrecovered step failure to the chain strategy.
func (r *run) fail(a *attempt, i int, cause error) {
	ce := r.stepError(cause, i, schema.ErrCodeStepFailed)
	delete(a.parallels, i)
	delete(a.loops, i)

	switch r.chain.ErrorHandling.Effective() {
	case schema.StrategyContinueOnError:
		r.logger.Warn("step failed, continuing", zap.String("step_id", ce.StepID), zap.Error(ce))
		r.skipped(a, i, "failed", ce)

	default:
		r.mark(a, i, schema.StepFailed, nil, ce, map[string]any{"error": errorPayload(ce)})
		a.fatal = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", ce.StepID, ce.Message).
			WithStep(ce.StepID).WithCause(ce)
		a.retry = r.chain.ErrorHandling.Effective() == schema.StrategyRetryWithDifferentParams
		a.cancel()
	}
}

// skipped records a skip and releases a step that was waiting on it as a
// fallback: that step's original failure goes to the chain strategy.
func (r *run) skipped(a *attempt, i int, reason string, cause *schema.ChainError) {
	delete(a.parallels, i)
	delete(a.loops, i)
	payload := map[string]any{"reason": reason}
	if cause != nil {
		payload["error"] = errorPayload(cause)
	}
	r.mark(a, i, schema.StepSkipped, nil, cause, payload)

	if ref, ok := a.waiting[i]; ok {
		delete(a.waiting, i)
		orig := a.failures[ref]
		delete(a.failures, ref)
		r.fail(a, ref, orig)
	}
}

// started records that step i began running.
func (r *run) started(a *attempt, i int) {
	r.mark(a, i, schema.StepRunning, nil, nil, nil)
}

// mark moves step i to status to, updates its result record, emits the
// matching event and persists the step state.
func (r *run) mark(a *attempt, i int, to schema.StepStatus, outputs map[string]any, cause error, payload map[string]any) {
	id := r.plan.ID(i)
	if from := a.state.Status(i); from != to {
		if !CanTransitionStep(from, to) {
			r.logger.Warn("unexpected step transition", zap.String("step_id", id),
				zap.String("from", string(from)), zap.String("to", string(to)))
		}
		a.state.Set(i, to)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	sr := r.result.Steps[id]
	sr.Status = to
	switch to {
	case schema.StepRunning:
		sr.StartedAt = &now
		sr.CompletedAt = nil
		sr.Outputs = nil
		sr.Error = nil
		sr.Attempts = 0
		sr.DurationMs = 0
	case schema.StepCompleted, schema.StepFailed, schema.StepSkipped:
		sr.CompletedAt = &now
		if sr.StartedAt != nil {
			sr.DurationMs = now.Sub(*sr.StartedAt).Milliseconds()
		}
		if to == schema.StepCompleted {
			sr.Outputs = outputs
			r.result.Order = append(r.result.Order, id)
		}
	}
	if cause != nil {
		sr.Error = toChainError(cause, schema.ErrCodeStepFailed)
	}
	snapshot := *sr
	r.mu.Unlock()

	if eventType := stepEventType(to); eventType != "" {
		r.events.emit(a.ctx, eventType, id, payload)
	}
	r.persistStep(&snapshot)
}

// abandon skips every step left non-terminal by an aborted attempt.
func (r *run) abandon(a *attempt) {
	for i := range r.plan.Nodes {
		if st := a.state.Status(i); !st.IsTerminal() {
			r.mark(a, i, schema.StepSkipped, nil, nil, map[string]any{"reason": "aborted"})
		}
	}
}

func (r *run) abortError() *schema.ChainError {
	cause := context.Cause(r.ctx)
	if ce, ok := schema.AsChainError(cause); ok {
		return ce
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(cause)
}

// stepError annotates err with step i without touching the caller's value.
func (r *run) stepError(err error, i int, code string) *schema.ChainError {
	ce := toChainError(err, code)
	cp := *ce
	if cp.StepID == "" {
		cp.StepID = r.plan.ID(i)
	}
	return &cp
}

func (r *run) setExecutionRunning() {
	if err := r.fsm.Transition(r.ctx, schema.ExecutionRunning, map[string]any{"input": r.input}); err != nil {
		r.logger.Warn("execution transition", zap.Error(err))
	}
	r.mu.Lock()
	r.result.Status = schema.ExecutionRunning
	r.mu.Unlock()

	if r.e.store != nil {
		status := schema.ExecutionRunning
		started := r.result.StartedAt
		if err := r.e.store.UpdateExecution(context.WithoutCancel(r.ctx), r.id, store.ExecutionUpdate{
			Status: &status, StartedAt: &started,
		}); err != nil {
			r.logger.Warn("update execution failed", zap.Error(err))
		}
	}
}

// finish publishes the terminal state of the execution.
func (r *run) finish(a *attempt, err error) {
	status := schema.ExecutionCompleted
	var ce *schema.ChainError
	if err != nil {
		ce = toChainError(err, schema.ErrCodeExecution)
		switch ce.Code {
		case schema.ErrCodeTimeout:
			status = schema.ExecutionTimedOut
		case schema.ErrCodeCancelled:
			status = schema.ExecutionCancelled
		default:
			status = schema.ExecutionFailed
		}
		ce = withExecutionID(ce, r.id)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	r.result.Status = status
	r.result.Outputs = a.outputs
	r.result.Variables = a.scope.Variables
	r.result.Error = ce
	r.result.CompletedAt = &now
	if ce != nil {
		r.err = ce
	}
	r.mu.Unlock()

	payload := map[string]any{"outputs": a.outputs}
	if ce != nil {
		payload = map[string]any{"error": errorPayload(ce)}
	}
	if terr := r.fsm.Transition(r.ctx, status, payload); terr != nil {
		r.logger.Warn("execution transition", zap.Error(terr))
	}

	if ce != nil {
		r.logger.Warn("execution finished", zap.String("status", string(status)), zap.Error(ce))
	} else {
		r.logger.Info("execution finished", zap.String("status", string(status)))
	}

	if r.e.store == nil {
		return
	}
	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if out, merr := json.Marshal(map[string]any{"outputs": a.outputs, "variables": a.scope.Variables}); merr == nil {
		update.Output = out
	}
	if ce != nil {
		if raw, merr := json.Marshal(ce); merr == nil {
			update.Error = raw
		}
	}
	if uerr := r.e.store.UpdateExecution(context.WithoutCancel(r.ctx), r.id, update); uerr != nil {
		r.logger.Warn("update execution failed", zap.Error(uerr))
	}
}

func (r *run) persistStep(sr *StepResult) {
	if r.e.store == nil {
		return
	}
	state := &store.StepState{
		ExecutionID: r.id,
		StepID:      sr.StepID,
		Status:      sr.Status,
		Attempts:    sr.Attempts,
		StartedAt:   sr.StartedAt,
		CompletedAt: sr.CompletedAt,
		DurationMs:  sr.DurationMs,
	}
	if sr.Outputs != nil {
		if raw, err := json.Marshal(sr.Outputs); err == nil {
			state.Output = raw
		}
	}
	if sr.Error != nil {
		if raw, err := json.Marshal(sr.Error); err == nil {
			state.Error = raw
		}
	}
	if err := r.e.store.UpsertStepState(context.WithoutCancel(r.ctx), state); err != nil {
		r.logger.Warn("persist step state failed", zap.String("step_id", sr.StepID), zap.Error(err))
	}
}

func (r *run) snapshot() *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.clone()
}

func (r *run) outcome() (*ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.result.clone(), nil
}

func withExecutionID(ce *schema.ChainError, id string) *schema.ChainError {
	cp := *ce
	cp.Details = maps.Clone(ce.Details)
	if cp.Details == nil {
		cp.Details = map[string]any{}
	}
	cp.Details["execution_id"] = id
	return &cp
}
