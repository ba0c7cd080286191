package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types() []string {
	var out []string
	for _, e := range m.Events() {
		out = append(out, e.Type)
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := newExecutionFSM(&emitter{appender: app, executionID: "e1", chainID: "c1"})
	ctx := context.Background()

	assert.Equal(t, schema.ExecutionPending, fsm.Status())
	require.NoError(t, fsm.Transition(ctx, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.ExecutionCompleted, map[string]any{"outputs": 1}))
	assert.Equal(t, schema.ExecutionCompleted, fsm.Status())

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventChainStarted, events[0].Type)
	assert.Equal(t, schema.EventChainCompleted, events[1].Type)
	assert.Equal(t, "e1", events[1].ExecutionID)
	assert.Equal(t, "c1", events[1].ChainID)
	assert.JSONEq(t, `{"outputs":1,"status":"completed"}`, string(events[1].Payload))
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := newExecutionFSM(&emitter{appender: app})
	ctx := context.Background()

	err := fsm.Transition(ctx, schema.ExecutionCompleted, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	assert.Empty(t, app.Events())

	require.NoError(t, fsm.Transition(ctx, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, schema.ExecutionTimedOut, nil))
	assert.Error(t, fsm.Transition(ctx, schema.ExecutionRunning, nil), "terminal states are final")
}

func TestExecutionFSM_AppenderFailureIsNotFatal(t *testing.T) {
	fsm := newExecutionFSM(&emitter{appender: failAppender{}})
	require.NoError(t, fsm.Transition(context.Background(), schema.ExecutionRunning, nil))
	assert.Equal(t, schema.ExecutionRunning, fsm.Status())
}

func TestStepTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.StepStatus
		want     bool
	}{
		{schema.StepPending, schema.StepRunning, true},
		{schema.StepPending, schema.StepSkipped, true},
		{schema.StepPending, schema.StepCompleted, false},
		{schema.StepRunning, schema.StepWaiting, true},
		{schema.StepRetrying, schema.StepRunning, true},
		{schema.StepWaiting, schema.StepCompleted, true},
		{schema.StepWaiting, schema.StepRunning, false},
		{schema.StepCompleted, schema.StepRunning, false},
		{schema.StepSkipped, schema.StepPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionStep(tt.from, tt.to))
		})
	}
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, schema.EventChainFailed, executionEventType(schema.ExecutionCancelled))
	assert.Equal(t, "", executionEventType(schema.ExecutionPending))
	assert.Equal(t, schema.EventStepRetrying, stepEventType(schema.StepRetrying))
	assert.Equal(t, "", stepEventType(schema.StepWaiting))
}
