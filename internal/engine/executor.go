package engine

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/mapping"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// Executor drives chain executions.
type Executor interface {
	// Execute runs chain to completion. A terminal failure returns a nil
	// result and an execution error whose details carry the execution ID;
	// the partial result stays available through Status.
	Execute(ctx context.Context, chain *schema.Chain, input any) (*ExecutionResult, error)

	// Start begins an execution and returns without waiting for it.
	Start(ctx context.Context, chain *schema.Chain, input any) (*Handle, error)

	// Status returns a snapshot of a running or finished execution.
	Status(ctx context.Context, executionID string) (*ExecutionResult, error)

	// Cancel aborts a running execution.
	Cancel(ctx context.Context, executionID string) error

	// Forget deletes a finished execution and its recorded history.
	Forget(ctx context.Context, executionID string) error
}

const (
	// DefaultPoolSize is the default worker pool concurrency.
	DefaultPoolSize = 10
	// DefaultMaxLoopIterations caps loops that only have a break condition.
	DefaultMaxLoopIterations = 1000
	// DefaultExpressionLanguage evaluates Expression conditions.
	DefaultExpressionLanguage = "cel"
)

// Config holds engine tuning.
type Config struct {
	// PoolSize bounds the leaf steps running at once across all executions.
	PoolSize int
	// DefaultMaxParallel applies to chains without max_parallel_steps; 0 is unbounded.
	DefaultMaxParallel int
	MaxLoopIterations  int
	ExpressionLanguage string
	CircuitBreaker     CircuitBreakerConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandlers sets the custom handler registry. Without it the engine uses
// a registry holding only the built-ins.
func WithHandlers(reg *handlers.Registry) Option {
	return func(e *Engine) { e.handlers = reg }
}

// WithStore persists execution records and step state. The store also
// receives events unless WithEventLog names another appender.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithEventLog sets where execution events are appended.
func WithEventLog(a EventAppender) Option {
	return func(e *Engine) { e.appender = a }
}

// WithHub publishes execution events to subscribers.
func WithHub(h streaming.EventHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithLogger sets the logger. A nil logger is replaced with a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the step executor and execution driver.
type Engine struct {
	cfg       Config
	connector Connector
	handlers  *handlers.Registry
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	store     store.Store
	appender  EventAppender
	hub       streaming.EventHub
	logger    *zap.Logger
	newID     func() string

	mu   sync.RWMutex
	runs map[string]*run
}

var _ Executor = (*Engine)(nil)

// New creates an Engine. connector serves LLMInference, FunctionCall and
// ToolUse steps; it may be nil for chains that only use Custom steps.
func New(connector Connector, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if cfg.ExpressionLanguage == "" {
		cfg.ExpressionLanguage = DefaultExpressionLanguage
	}
	if cfg.DefaultMaxParallel < 0 {
		cfg.DefaultMaxParallel = 0
	}

	e := &Engine{
		cfg:       cfg,
		connector: connector,
		pool:      NewWorkerPool(cfg.PoolSize),
		breakers:  NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		newID:     uuid.NewString,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = logging.Component(e.logger, "engine")
	if e.handlers == nil {
		e.handlers = handlers.NewRegistry()
		if err := handlers.RegisterBuiltins(e.handlers); err != nil {
			return nil, err
		}
	}
	if e.appender == nil && e.store != nil {
		e.appender = e.store
	}
	return e, nil
}

// Breakers exposes the circuit breaker registry shared by all executions.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Close cancels running executions and waits for their workers.
func (e *Engine) Close() {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.cancel(schema.NewError(schema.ErrCodeCancelled, "engine shutting down"))
	}
	for _, r := range runs {
		<-r.done
	}
	e.pool.Shutdown()
}

// Handle refers to a started execution.
type Handle struct {
	ID  string
	run *run
}

// Done is closed when the execution reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.run.done }

// Wait blocks until the execution finishes or ctx is done. Returning early
// does not cancel the execution.
func (h *Handle) Wait(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-h.run.done:
		return h.run.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute implements Executor.
func (e *Engine) Execute(ctx context.Context, chain *schema.Chain, input any) (*ExecutionResult, error) {
	h, err := e.Start(ctx, chain, input)
	if err != nil {
		return nil, err
	}
	<-h.run.done
	return h.run.outcome()
}

// Start implements Executor. The execution is bound to ctx: cancelling it
// cancels the execution.
func (e *Engine) Start(ctx context.Context, chain *schema.Chain, input any) (*Handle, error) {
	if chain == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "chain is nil")
	}
	plan, err := scheduler.NewPlan(chain)
	if err != nil {
		return nil, err
	}

	id := e.newID()
	normalized := normalizeInput(input)
	ctx = logging.WithIDs(ctx, chain.ID, id)
	logger := logging.LogWith(ctx, e.logger)

	if e.store != nil {
		err := e.store.CreateExecution(ctx, &store.Execution{
			ID:      id,
			ChainID: chain.ID,
			Status:  schema.ExecutionPending,
			Input:   normalized,
			Attempt: 1,
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "create execution record").WithCause(err)
		}
	}

	r := &run{
		e:      e,
		chain:  chain,
		plan:   plan,
		mapper: mapping.NewMapper(e.handlers, chain.Variables),
		cond:   conditions.NewEvaluator(e.handlers, conditions.WithLanguage(e.cfg.ExpressionLanguage)),
		id:     id,
		input:  normalized,
		limit:  e.parallelLimit(chain),
		logger: logger,
		done:   make(chan struct{}),
		result: &ExecutionResult{
			ExecutionID: id,
			ChainID:     chain.ID,
			Status:      schema.ExecutionPending,
			Outputs:     map[string]any{},
			Variables:   map[string]any{},
			Steps:       make(map[string]*StepResult, plan.Len()),
			StartedAt:   time.Now().UTC(),
		},
	}
	r.events = &emitter{appender: e.appender, hub: e.hub, logger: e.logger, chainID: chain.ID, executionID: id}
	r.fsm = newExecutionFSM(r.events)

	runCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel
	r.stopTimer = func() {}
	if d := chain.Timeout.Std(); d > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, d,
			schema.NewErrorf(schema.ErrCodeTimeout, "chain timed out after %s", d))
		r.stopTimer = stop
	}
	r.ctx = runCtx

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	logger.Info("execution started", zap.Int("steps", plan.Len()), zap.Int("max_parallel", r.limit))
	go r.execute()
	return &Handle{ID: id, run: r}, nil
}

// Status implements Executor. Executions no longer held in memory are
// rebuilt from the store when one is configured.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionResult, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	if e.store == nil {
		return nil, executionNotFound(executionID)
	}
	return e.statusFromStore(ctx, executionID)
}

// Cancel implements Executor. Cancelling a finished execution is a CONFLICT.
func (e *Engine) Cancel(_ context.Context, executionID string) error {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return executionNotFound(executionID)
	}
	select {
	case <-r.done:
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already finished", executionID).
			WithDetails(map[string]any{"status": string(r.fsm.Status())})
	default:
	}
	r.cancel(schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
	return nil
}

// Forget implements Executor. The execution leaves memory and, with a
// store, its record, events and step state are deleted. A running
// execution is a CONFLICT.
func (e *Engine) Forget(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, inMemory := e.runs[executionID]
	if inMemory {
		select {
		case <-r.done:
			delete(e.runs, executionID)
		default:
			e.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still running", executionID).
				WithDetails(map[string]any{"execution_id": executionID})
		}
	}
	e.mu.Unlock()

	if e.store == nil {
		if !inMemory {
			return executionNotFound(executionID)
		}
		return nil
	}
	err := e.store.DeleteExecution(ctx, executionID)
	switch {
	case err == nil:
	case schema.CodeOf(err) == schema.ErrCodeNotFound:
		if !inMemory {
			return executionNotFound(executionID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeStore, "delete execution %s", executionID).WithCause(err)
	}
	e.logger.Debug("execution forgotten", zap.String("execution_id", executionID))
	return nil
}

func (e *Engine) parallelLimit(c *schema.Chain) int {
	if c.MaxParallelSteps != nil && *c.MaxParallelSteps > 0 {
		return *c.MaxParallelSteps
	}
	if e.cfg.DefaultMaxParallel > 0 {
		return e.cfg.DefaultMaxParallel
	}
	return -1
}

func (e *Engine) statusFromStore(ctx context.Context, executionID string) (*ExecutionResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	res := &ExecutionResult{
		ExecutionID: exec.ID,
		ChainID:     exec.ChainID,
		Status:      exec.Status,
		Outputs:     map[string]any{},
		Variables:   map[string]any{},
		Steps:       map[string]*StepResult{},
		Attempts:    exec.Attempt,
		StartedAt:   exec.CreatedAt,
		CompletedAt: exec.CompletedAt,
	}
	if exec.StartedAt != nil {
		res.StartedAt = *exec.StartedAt
	}
	if len(exec.Output) > 0 {
		var out struct {
			Outputs   map[string]any `json:"outputs"`
			Variables map[string]any `json:"variables"`
		}
		if err := json.Unmarshal(exec.Output, &out); err == nil {
			res.Outputs = orEmptyMap(out.Outputs)
			res.Variables = orEmptyMap(out.Variables)
		}
	}
	if len(exec.Error) > 0 {
		var ce schema.ChainError
		if err := json.Unmarshal(exec.Error, &ce); err == nil {
			res.Error = &ce
		}
	}

	states, err := e.store.ListStepStates(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		sr := &StepResult{
			StepID:      s.StepID,
			Status:      s.Status,
			Attempts:    s.Attempts,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			DurationMs:  s.DurationMs,
		}
		if len(s.Output) > 0 {
			_ = json.Unmarshal(s.Output, &sr.Outputs)
		}
		if len(s.Error) > 0 {
			var ce schema.ChainError
			if err := json.Unmarshal(s.Error, &ce); err == nil {
				sr.Error = &ce
			}
		}
		res.Steps[s.StepID] = sr
	}
	return res, nil
}

func executionNotFound(id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id).
		WithDetails(map[string]any{"execution_id": id})
}

// normalizeInput turns the initial input into the chain input map: objects
// are used as is, null is empty, anything else is wrapped as {"input": v}.
func normalizeInput(v any) map[string]any {
	switch x := expressions.Normalize(v).(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return x
	default:
		return map[string]any{"input": x}
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// merge returns base with overrides applied on top; neither is modified.
func merge(base, overrides map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(overrides))
	}
	maps.Copy(out, overrides)
	return out
}
