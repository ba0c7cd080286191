package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	chainIDKey ctxKey = iota
	executionIDKey
	stepIDKey
)

// WithChainID returns a context with the chain ID set.
func WithChainID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chainIDKey, id)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// ChainID extracts the chain ID from the context, or "" if absent.
func ChainID(ctx context.Context) string {
	v, _ := ctx.Value(chainIDKey).(string)
	return v
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// WithIDs sets the chain and execution IDs on the context at once.
func WithIDs(ctx context.Context, chainID, executionID string) context.Context {
	ctx = WithChainID(ctx, chainID)
	return WithExecutionID(ctx, executionID)
}

// Fields returns the correlation IDs present on the context as zap fields.
func Fields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if v := ChainID(ctx); v != "" {
		fields = append(fields, zap.String("chain_id", v))
	}
	if v := ExecutionID(ctx); v != "" {
		fields = append(fields, zap.String("execution_id", v))
	}
	if v := StepID(ctx); v != "" {
		fields = append(fields, zap.String("step_id", v))
	}
	return fields
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := Fields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
