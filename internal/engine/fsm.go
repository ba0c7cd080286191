package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionTimedOut},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
	schema.ExecutionTimedOut:  {},
}

// ValidStepTransitions defines the allowed state transitions for steps within
// one pass. Loop passes re-arm steps outside this table.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed, schema.StepSkipped, schema.StepRetrying, schema.StepWaiting},
	schema.StepRetrying:  {schema.StepRunning, schema.StepCompleted, schema.StepFailed, schema.StepSkipped, schema.StepWaiting},
	schema.StepWaiting:   {schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// CanTransitionExecution reports whether an execution may move from one status to another.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// CanTransitionStep reports whether a step may move from one status to another.
func CanTransitionStep(from, to schema.StepStatus) bool {
	return slices.Contains(ValidStepTransitions[from], to)
}

// ExecutionFSM guards the lifecycle of one execution and emits the matching
// chain event on every transition.
type ExecutionFSM struct {
	mu      sync.Mutex
	status  schema.ExecutionStatus
	emitter *emitter
}

func newExecutionFSM(em *emitter) *ExecutionFSM {
	return &ExecutionFSM{status: schema.ExecutionPending, emitter: em}
}

// Status returns the current status.
func (f *ExecutionFSM) Status() schema.ExecutionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Transition validates and applies a transition, then emits its event.
func (f *ExecutionFSM) Transition(ctx context.Context, to schema.ExecutionStatus, payload map[string]any) error {
	f.mu.Lock()
	from := f.status
	if !CanTransitionExecution(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeExecution, "invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": f.emitter.executionID, "from": string(from), "to": string(to)})
	}
	f.status = to
	f.mu.Unlock()

	if eventType := executionEventType(to); eventType != "" {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["status"] = string(to)
		f.emitter.emit(ctx, eventType, "", payload)
	}
	return nil
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventChainStarted
	case schema.ExecutionCompleted:
		return schema.EventChainCompleted
	case schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionTimedOut:
		return schema.EventChainFailed
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}
