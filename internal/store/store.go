package store

import (
	"context"

	"github.com/rendis/chainflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	ChainStore

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Step state (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, executionID, stepID string) (*StepState, error)
	ListStepStates(ctx context.Context, executionID string) ([]*StepState, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ChainStore persists chain definitions.
type ChainStore interface {
	SaveChain(ctx context.Context, chain *schema.Chain) error
	GetChain(ctx context.Context, id string) (*ChainRecord, error)
	ListChains(ctx context.Context) ([]*ChainRecord, error)
	DeleteChain(ctx context.Context, id string) error
	ClearChains(ctx context.Context) error
}
