package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// table is a thread-safe name -> handler map.
type table[T any] struct {
	kind    Kind
	mu      sync.RWMutex
	entries map[string]T
}

func newTable[T any](kind Kind) *table[T] {
	return &table[T]{kind: kind, entries: make(map[string]T)}
}

func (t *table[T]) register(name string, h T, isNil bool) error {
	if isNil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s handler %q is nil", t.kind, name)
	}
	if name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s handler name is empty", t.kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s handler %q already registered", t.kind, name)
	}
	t.entries[name] = h
	return nil
}

func (t *table[T]) get(name string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.entries[name]
	if !ok {
		return h, schema.NewErrorf(schema.ErrCodeNotFound, "%s handler %q not registered", t.kind, name).
			WithDetails(map[string]any{"kind": string(t.kind), "name": name})
	}
	return h, nil
}

func (t *table[T]) has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[name]
	return ok
}

func (t *table[T]) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry is the capability registry for everything a chain reaches by
// name: custom steps, conditions, transforms, error handlers and expression
// engines. It is populated at startup and read concurrently afterwards.
type Registry struct {
	steps       *table[StepHandler]
	conditions  *table[ConditionEvaluator]
	transforms  *table[Transformer]
	errHandlers *table[ErrorHandler]
	expressions *table[expressions.Engine]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:       newTable[StepHandler](KindStep),
		conditions:  newTable[ConditionEvaluator](KindCondition),
		transforms:  newTable[Transformer](KindTransform),
		errHandlers: newTable[ErrorHandler](KindErrorHandler),
		expressions: newTable[expressions.Engine](KindExpression),
	}
}

// RegisterStep adds a custom step handler. Returns a conflict error on
// duplicate names.
func (r *Registry) RegisterStep(name string, h StepHandler) error {
	return r.steps.register(name, h, h == nil)
}

// RegisterCondition adds a custom condition evaluator.
func (r *Registry) RegisterCondition(name string, c ConditionEvaluator) error {
	return r.conditions.register(name, c, c == nil)
}

// RegisterTransform adds a custom transformer.
func (r *Registry) RegisterTransform(name string, t Transformer) error {
	return r.transforms.register(name, t, t == nil)
}

// RegisterErrorHandler adds a custom error handler.
func (r *Registry) RegisterErrorHandler(name string, h ErrorHandler) error {
	return r.errHandlers.register(name, h, h == nil)
}

// RegisterExpression adds an expression engine under its own name.
func (r *Registry) RegisterExpression(e expressions.Engine) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "expression engine is nil")
	}
	return r.expressions.register(e.Name(), e, false)
}

// Step retrieves a custom step handler by name.
func (r *Registry) Step(name string) (StepHandler, error) { return r.steps.get(name) }

// Condition retrieves a custom condition evaluator by name.
func (r *Registry) Condition(name string) (ConditionEvaluator, error) { return r.conditions.get(name) }

// Transform retrieves a custom transformer by name.
func (r *Registry) Transform(name string) (Transformer, error) { return r.transforms.get(name) }

// ErrorHandler retrieves a custom error handler by name.
func (r *Registry) ErrorHandler(name string) (ErrorHandler, error) { return r.errHandlers.get(name) }

// Expression retrieves an expression engine by name.
func (r *Registry) Expression(name string) (expressions.Engine, error) {
	return r.expressions.get(name)
}

// Has reports whether a handler of the given kind is registered.
func (r *Registry) Has(kind Kind, name string) bool {
	switch kind {
	case KindStep:
		return r.steps.has(name)
	case KindCondition:
		return r.conditions.has(name)
	case KindTransform:
		return r.transforms.has(name)
	case KindErrorHandler:
		return r.errHandlers.has(name)
	case KindExpression:
		return r.expressions.has(name)
	}
	return false
}

// Names returns the sorted names registered under kind.
func (r *Registry) Names(kind Kind) []string {
	switch kind {
	case KindStep:
		return r.steps.names()
	case KindCondition:
		return r.conditions.names()
	case KindTransform:
		return r.transforms.names()
	case KindErrorHandler:
		return r.errHandlers.names()
	case KindExpression:
		return r.expressions.names()
	}
	return nil
}

var _ Lookup = (*Registry)(nil)
