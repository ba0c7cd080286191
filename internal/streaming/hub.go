package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a chain executes.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	ChainID     string    `json:"chain_id"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	ChainID     string   `json:"chain_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
