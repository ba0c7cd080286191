package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

// EventLog provides event-log operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. A write is issued first so the transaction holds the write lock
// before the sequence is read.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents folds the event log of an execution into per-step states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepState)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.Type == schema.EventChainRetrying {
			// A retried execution starts over with fresh step state.
			states = make(map[string]*StepState)
			continue
		}
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Status:      schema.StepPending,
			}
			states[e.StepID] = ss
		}

		var payload SnapshotPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &payload)
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepRunning
			ts := e.Timestamp
			ss.StartedAt = &ts
			ss.CompletedAt = nil
			ss.Attempts++

		case schema.EventStepRetrying:
			ss.Status = schema.StepRetrying
			ss.Attempts++

		case schema.EventStepCompleted:
			ss.Status = schema.StepCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = payload.Output
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepFailed
			ss.Error = payload.Error

		case schema.EventStepSkipped:
			ss.Status = schema.StepSkipped
			if len(payload.Error) > 0 {
				ss.Error = payload.Error
			}
		}
	}

	return states, nil
}

// SnapshotPayload is the subset of step event payloads that replay reads.
type SnapshotPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}
