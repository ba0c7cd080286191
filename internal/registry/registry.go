// Package registry is the entry point for chain management: it validates
// and stores chain definitions and starts executions of registered chains.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// ChainValidator checks chains before they are registered.
type ChainValidator interface {
	Validate(c *schema.Chain) *schema.ValidationResult
}

// Option configures a Registry.
type Option func(*Registry)

// WithChainStore persists registered chains. Without it chains live only in
// memory.
func WithChainStore(s store.ChainStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the logger. A nil logger is replaced with a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the thread-safe chain registry.
type Registry struct {
	validator ChainValidator
	executor  engine.Executor
	store     store.ChainStore
	logger    *zap.Logger

	mu     sync.RWMutex
	chains map[string]*schema.Chain
}

// New creates a Registry that validates with v and runs chains on exec.
func New(v ChainValidator, exec engine.Executor, opts ...Option) *Registry {
	r := &Registry{
		validator: v,
		executor:  exec,
		chains:    make(map[string]*schema.Chain),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = logging.Component(r.logger, "registry")
	return r
}

// Register validates c and stores a copy of it, so later changes to c do
// not reach the registry. A chain with the same ID already registered is a
// CONFLICT; an invalid chain returns a validation error carrying every issue
// and leaves the registry unchanged.
func (r *Registry) Register(ctx context.Context, c *schema.Chain) error {
	if err := r.Validate(c).ToError(); err != nil {
		return err
	}
	c, err := cloneChain(c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chains[c.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "chain %q already registered", c.ID).
			WithDetails(map[string]any{"chain_id": c.ID})
	}
	if r.store != nil {
		if err := r.store.SaveChain(ctx, c); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "persist chain %q", c.ID).WithCause(err)
		}
	}
	r.chains[c.ID] = c
	r.logger.Info("chain registered", zap.String("chain_id", c.ID), zap.Int("steps", c.Steps.Len()))
	return nil
}

// Validate runs every static check on c without side effects.
func (r *Registry) Validate(c *schema.Chain) *schema.ValidationResult {
	if c == nil {
		res := &schema.ValidationResult{}
		res.AddError("/", schema.ErrCodeValidation, "chain is nil")
		return res
	}
	return r.validator.Validate(c)
}

// Get returns a registered chain. The value is shared by every caller and
// by running executions; it must not be modified.
func (r *Registry) Get(id string) (*schema.Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[id]
	return c, ok
}

// List returns every registered chain sorted by ID. Like Get, the chains
// are shared and read-only.
func (r *Registry) List() []*schema.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes every chain from memory and from the chain store.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		if err := r.store.ClearChains(ctx); err != nil {
			return schema.NewError(schema.ErrCodeStore, "clear chains").WithCause(err)
		}
	}
	r.chains = make(map[string]*schema.Chain)
	return nil
}

// Load registers the chains held by the chain store. Stored chains that no
// longer validate are skipped and reported in the returned count of
// rejects. Chains already in memory are left untouched.
func (r *Registry) Load(ctx context.Context) (loaded, rejected int, err error) {
	if r.store == nil {
		return 0, 0, nil
	}
	records, err := r.store.ListChains(ctx)
	if err != nil {
		return 0, 0, schema.NewError(schema.ErrCodeStore, "list chains").WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		c := rec.Chain
		if _, exists := r.chains[c.ID]; exists {
			continue
		}
		if verr := r.validator.Validate(c).ToError(); verr != nil {
			r.logger.Warn("stored chain rejected", zap.String("chain_id", c.ID), zap.Error(verr))
			rejected++
			continue
		}
		r.chains[c.ID] = c
		loaded++
	}
	r.logger.Info("chains loaded", zap.Int("loaded", loaded), zap.Int("rejected", rejected))
	return loaded, rejected, nil
}

// Execute runs a registered chain to completion.
func (r *Registry) Execute(ctx context.Context, chainID string, input any) (*engine.ExecutionResult, error) {
	c, err := r.lookup(chainID)
	if err != nil {
		return nil, err
	}
	return r.executor.Execute(ctx, c, input)
}

// Start begins an execution of a registered chain without waiting for it.
func (r *Registry) Start(ctx context.Context, chainID string, input any) (*engine.Handle, error) {
	c, err := r.lookup(chainID)
	if err != nil {
		return nil, err
	}
	return r.executor.Start(ctx, c, input)
}

// Status returns the state of an execution.
func (r *Registry) Status(ctx context.Context, executionID string) (*engine.ExecutionResult, error) {
	return r.executor.Status(ctx, executionID)
}

// Cancel aborts a running execution.
func (r *Registry) Cancel(ctx context.Context, executionID string) error {
	return r.executor.Cancel(ctx, executionID)
}

// Forget deletes a finished execution and its history.
func (r *Registry) Forget(ctx context.Context, executionID string) error {
	return r.executor.Forget(ctx, executionID)
}

// cloneChain deep-copies c through its JSON form, the same form the chain
// store persists.
func cloneChain(c *schema.Chain) (*schema.Chain, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDocument, "encode chain %q", c.ID).WithCause(err)
	}
	return schema.ParseChain(raw)
}

func (r *Registry) lookup(chainID string) (*schema.Chain, error) {
	c, ok := r.Get(chainID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeChainNotFound, "chain %q not found", chainID).
			WithDetails(map[string]any{"chain_id": chainID})
	}
	return c, nil
}
