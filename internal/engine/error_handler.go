package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/pkg/schema"
)

// recoverStep applies the step's error handler to an exhausted failure.
// The returned outcome either carries recovered outputs, asks the
// coordinator for the fallback step, or still holds the failure.
func (r *run) recoverStep(ctx context.Context, o outcome, step schema.ChainStep, scope *expressions.Scope, seeded map[string]any, cause error) outcome {
	o.err = cause
	if step.ErrorHandler == nil {
		return o
	}

	kind := step.ErrorHandler.HandlerType()
	r.logger.Info("error handler invoked", zap.String("step_id", step.ID), zap.String("handler", kind), zap.Error(cause))
	r.events.emit(ctx, schema.EventErrorHandlerInvoked, step.ID, map[string]any{
		"handler": kind,
		"error":   errorPayload(cause),
	})

	switch h := step.ErrorHandler.(type) {
	case schema.ContinueWithDefault:
		r.recovered(ctx, &o, step, scope, DefaultOutputs(step, h.DefaultValue))

	case schema.RetryWithParams:
		if isControl(step) {
			return o
		}
		outputs, writes, inputs, err := r.attemptStep(ctx, step, scope, seeded, h.Params)
		o.attempts++
		if inputs != nil {
			o.inputs = inputs
		}
		if err != nil {
			if ctx.Err() != nil {
				o.aborted = true
			}
			o.err = err
			return o
		}
		o.outputs, o.writes, o.err, o.recovered = outputs, writes, nil, true

	case schema.ExecuteFallbackStep:
		o.fallback = true

	case schema.CustomErrorHandler:
		eh, err := r.e.handlers.ErrorHandler(h.Handler)
		if err != nil {
			o.err = schema.NewErrorf(schema.ErrCodeHandler, "error handler %q: %s", h.Handler, err.Error()).
				WithStep(step.ID).WithCause(cause)
			return o
		}
		rec, err := eh.Handle(ctx, handlers.Failure{
			StepID:   step.ID,
			Err:      cause,
			Inputs:   o.inputs,
			Attempts: o.attempts,
		}, h.Config)
		if err != nil {
			o.err = schema.NewErrorf(schema.ErrCodeHandler, "error handler %q: %s", h.Handler, err.Error()).
				WithStep(step.ID).WithCause(cause)
			return o
		}
		if rec.Recovered {
			r.recovered(ctx, &o, step, scope, rec.Outputs)
		}
	}
	return o
}

// recovered turns handler-supplied outputs into a success, provided the
// step's output mappings accept them.
func (r *run) recovered(ctx context.Context, o *outcome, step schema.ChainStep, scope *expressions.Scope, outputs map[string]any) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	writes, err := r.mapper.ComputeWrites(ctx, step, outputs, scope)
	if err != nil {
		o.err = err
		return
	}
	o.outputs, o.writes, o.err, o.recovered = outputs, writes, nil, true
}

// DefaultOutputs builds the outputs a ContinueWithDefault handler
// synthesizes: an object default is the output map itself; any other value
// is bound to every declared output name, or to "output" when there is none.
func DefaultOutputs(step schema.ChainStep, value any) map[string]any {
	value = expressions.Normalize(value)
	if m, ok := value.(map[string]any); ok {
		return m
	}
	out := make(map[string]any, len(step.Outputs))
	for _, o := range step.Outputs {
		out[o.Name] = value
	}
	if len(out) == 0 {
		out["output"] = value
	}
	return out
}

func isControl(step schema.ChainStep) bool {
	switch step.StepType.(type) {
	case schema.ParallelStep, schema.LoopStep, schema.ConditionalStep:
		return true
	}
	return false
}
