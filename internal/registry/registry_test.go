package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// memChainStore is an in-memory ChainStore.
type memChainStore struct {
	mu      sync.Mutex
	chains  map[string]*schema.Chain
	saveErr error
}

func newMemStore() *memChainStore {
	return &memChainStore{chains: map[string]*schema.Chain{}}
}

func (m *memChainStore) SaveChain(_ context.Context, c *schema.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.chains[c.ID] = c
	return nil
}

func (m *memChainStore) GetChain(_ context.Context, id string) (*store.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "chain not found")
	}
	return &store.ChainRecord{Chain: c}, nil
}

func (m *memChainStore) ListChains(_ context.Context) ([]*store.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.ChainRecord, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, &store.ChainRecord{Chain: c})
	}
	return out, nil
}

func (m *memChainStore) DeleteChain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, id)
	return nil
}

func (m *memChainStore) ClearChains(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = map[string]*schema.Chain{}
	return nil
}

func echo() engine.ConnectorFunc {
	return func(_ context.Context, _ schema.StepType, inputs map[string]any) (map[string]any, error) {
		return inputs, nil
	}
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	v, err := validation.NewValidator(nil)
	require.NoError(t, err)
	e, err := engine.New(echo(), engine.Config{})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return New(v, e, opts...)
}

func validChain(id string) *schema.Chain {
	return &schema.Chain{
		ID:      id,
		Name:    "chain " + id,
		Version: "1.0.0",
		Steps: schema.NewStepMap(
			schema.ChainStep{
				ID:       "draft",
				StepType: schema.FunctionCall{FunctionName: "draft"},
				Role:     schema.Role{Kind: schema.RoleFunction},
				Inputs:   []schema.InputMapping{{Name: "topic", Source: schema.ChainInputSource{InputName: "topic"}, Required: true}},
				Outputs:  []schema.OutputMapping{{Name: "topic", Target: schema.ChainOutputTarget{OutputName: "topic"}}},
			},
		),
		Variables:     map[string]schema.Variable{},
		ErrorHandling: schema.StopOnError(),
	}
}

func cyclicChain(id string) *schema.Chain {
	c := validChain(id)
	c.Steps.Set("review", schema.ChainStep{ID: "review", StepType: schema.FunctionCall{FunctionName: "review"}})
	c.Dependencies = []schema.StepDependency{
		{DependentStep: "draft", DependencyType: schema.SimpleDependency{RequiredStep: "review"}},
		{DependentStep: "review", DependencyType: schema.SimpleDependency{RequiredStep: "draft"}},
	}
	return c
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validChain("a")))
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	err := r.Register(ctx, validChain("a"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	assert.Len(t, r.List(), 1)
}

func TestRegister_StoresCopy(t *testing.T) {
	r := newRegistry(t)
	c := validChain("a")
	require.NoError(t, r.Register(context.Background(), c))

	c.Name = "renamed"
	c.Steps.Set("extra", schema.ChainStep{ID: "extra", StepType: schema.FunctionCall{FunctionName: "extra"}})

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.NotSame(t, c, got)
	assert.Equal(t, "chain a", got.Name)
	assert.Equal(t, []string{"draft"}, got.Steps.Keys())
}

func TestRegister_InvalidLeavesRegistryUnchanged(t *testing.T) {
	r := newRegistry(t)

	err := r.Register(context.Background(), cyclicChain("bad"))
	require.Error(t, err)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
	assert.NotEmpty(t, schema.IssuesOf(err))
	_, ok := r.Get("bad")
	assert.False(t, ok)

	err = r.Register(context.Background(), nil)
	require.Error(t, err)
}

func TestValidate_NoSideEffects(t *testing.T) {
	r := newRegistry(t)
	c := cyclicChain("bad")

	first := r.Validate(c)
	second := r.Validate(c)
	assert.False(t, first.Valid())
	assert.True(t, first.HasCode(schema.ErrCodeCycleDetected))
	assert.Equal(t, first, second)
	assert.Empty(t, r.List())

	assert.True(t, r.Validate(validChain("ok")).Valid())
}

func TestList_SortedByID(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(context.Background(), validChain(id)))
	}
	var ids []string
	for _, c := range r.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestExecute(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, validChain("a")))

	res, err := r.Execute(ctx, "a", map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, map[string]any{"topic": "go"}, res.Outputs)

	status, err := r.Status(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, status.Status)

	err = r.Cancel(ctx, res.ExecutionID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = r.Execute(ctx, "missing", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeChainNotFound, schema.CodeOf(err))
	assert.Equal(t, schema.KindExecution, schema.KindOf(err))
}

func TestStart(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, validChain("a")))

	h, err := r.Start(ctx, "a", map[string]any{"topic": "go"})
	require.NoError(t, err)
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID, res.ExecutionID)
}

func TestChainStore_PersistAndLoad(t *testing.T) {
	ms := newMemStore()
	r := newRegistry(t, WithChainStore(ms))
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, validChain("a")))
	assert.Contains(t, ms.chains, "a")

	// A stored chain that no longer validates is rejected on load.
	ms.chains["bad"] = cyclicChain("bad")
	ms.chains["b"] = validChain("b")

	fresh := newRegistry(t, WithChainStore(ms))
	loaded, rejected, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 1, rejected)
	_, ok := fresh.Get("b")
	assert.True(t, ok)

	require.NoError(t, fresh.Clear(ctx))
	assert.Empty(t, fresh.List())
	assert.Empty(t, ms.chains)
}

func TestChainStore_SaveFailure(t *testing.T) {
	ms := newMemStore()
	ms.saveErr = errors.New("disk full")
	r := newRegistry(t, WithChainStore(ms))

	err := r.Register(context.Background(), validChain("a"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestChainStore_LibSQL(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	r := newRegistry(t, WithChainStore(s))
	require.NoError(t, r.Register(ctx, validChain("persisted")))

	fresh := newRegistry(t, WithChainStore(s))
	loaded, _, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	got, ok := fresh.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, []string{"draft"}, got.Steps.Keys())
}

func TestForget_DeletesStoredExecution(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "forget.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	v, err := validation.NewValidator(nil)
	require.NoError(t, err)
	e, err := engine.New(echo(), engine.Config{}, engine.WithStore(s))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	r := New(v, e)
	require.NoError(t, r.Register(ctx, validChain("a")))

	res, err := r.Execute(ctx, "a", map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.NoError(t, r.Forget(ctx, res.ExecutionID))

	_, err = s.GetExecution(ctx, res.ExecutionID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = r.Status(ctx, res.ExecutionID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(r.Forget(ctx, res.ExecutionID)))
}

func TestConcurrentRegister(t *testing.T) {
	r := newRegistry(t)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Register(context.Background(), validChain("same")); err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, conflicts)
	assert.Len(t, r.List(), 1)
}
