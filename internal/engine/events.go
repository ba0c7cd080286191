package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// EventAppender is satisfied by the Store and the EventLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// emitter fans execution events out to the event log, the hub and the debug
// log. It is safe for concurrent use: workers emit retry events directly.
type emitter struct {
	appender    EventAppender
	hub         streaming.EventHub
	logger      *zap.Logger
	chainID     string
	executionID string
}

func (e *emitter) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	now := time.Now().UTC()
	// Terminal events are still recorded after the execution was cancelled.
	ctx = context.WithoutCancel(ctx)

	if e.appender != nil {
		var raw json.RawMessage
		if len(payload) > 0 {
			b, err := json.Marshal(payload)
			if err != nil {
				b, _ = json.Marshal(map[string]any{"marshal_error": err.Error()})
			}
			raw = b
		}
		err := e.appender.AppendEvent(ctx, &store.Event{
			ExecutionID: e.executionID,
			ChainID:     e.chainID,
			StepID:      stepID,
			Type:        eventType,
			Payload:     raw,
			Timestamp:   now,
		})
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("append event failed",
				zap.String("event_type", eventType), zap.Error(err))
		}
	}

	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: e.executionID,
			ChainID:     e.chainID,
			StepID:      stepID,
			EventType:   eventType,
			Payload:     payload,
			Timestamp:   now,
		})
	}

	fields := []zap.Field{zap.String("event_type", eventType)}
	if stepID != "" {
		fields = append(fields, zap.String("step_id", stepID))
	}
	logging.LogWith(ctx, e.logger).Debug("event", fields...)
}

// errorPayload renders err for event payloads and persisted records.
func errorPayload(err error) map[string]any {
	if err == nil {
		return nil
	}
	out := map[string]any{"message": err.Error()}
	if ce, ok := schema.AsChainError(err); ok {
		out["code"] = ce.Code
		out["kind"] = string(ce.Kind)
		out["message"] = ce.Message
		if ce.StepID != "" {
			out["step_id"] = ce.StepID
		}
		if len(ce.Details) > 0 {
			out["details"] = ce.Details
		}
		if ce.Cause != nil {
			out["cause"] = ce.Cause.Error()
		}
	}
	return out
}

// toChainError converts err to a ChainError, wrapping plain errors under code.
func toChainError(err error, code string) *schema.ChainError {
	if err == nil {
		return nil
	}
	if ce, ok := schema.AsChainError(err); ok {
		return ce
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
