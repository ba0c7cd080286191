package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/mapping"
	"github.com/rendis/chainflow/pkg/schema"
)

// runStep executes one dispatched step on a worker: invoke with retries,
// then the step's error handler. A non-nil cause skips invocation.
func (r *run) runStep(ctx context.Context, i int, step schema.ChainStep, scope *expressions.Scope, seeded map[string]any, cause error) outcome {
	o := outcome{index: i}
	if cause == nil {
		policy := step.RetryPolicy
		limit := MaxAttempts(policy)
		for k := 0; ; k++ {
			o.attempts = k + 1
			outputs, writes, inputs, err := r.attemptStep(ctx, step, scope, seeded, nil)
			if inputs != nil {
				o.inputs = inputs
			}
			if err == nil {
				o.outputs, o.writes = outputs, writes
				return o
			}
			if ctx.Err() != nil {
				o.err, o.aborted = err, true
				return o
			}
			cause = r.stepError(err, i, schema.ErrCodeStepFailed)
			if o.attempts >= limit || !IsRetryable(err, policy) {
				break
			}

			delay := ComputeBackoff(policy, k)
			r.retrying(ctx, step.ID, o.attempts, delay, cause)
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				o.err, o.aborted = werr, true
				return o
			}
		}
	}
	return r.recoverStep(ctx, o, step, scope, seeded, cause)
}

// attemptStep performs one invocation: resolve inputs, invoke, and compute
// the output writes. override is merged over the resolved inputs.
func (r *run) attemptStep(ctx context.Context, step schema.ChainStep, scope *expressions.Scope, seeded, override map[string]any) (map[string]any, []mapping.Write, map[string]any, error) {
	inputs, err := r.mapper.ResolveInputs(ctx, step, scope, seeded)
	if err != nil {
		return nil, nil, nil, err
	}
	if override != nil {
		inputs = merge(inputs, override)
	}
	outputs, err := r.invoke(ctx, step, inputs)
	if err != nil {
		return nil, nil, inputs, err
	}
	writes, err := r.mapper.ComputeWrites(ctx, step, outputs, scope)
	if err != nil {
		return nil, nil, inputs, err
	}
	return outputs, writes, inputs, nil
}

// invoke calls the connector or custom handler behind a leaf step under the
// step timeout and the target's circuit breaker.
func (r *run) invoke(ctx context.Context, step schema.ChainStep, inputs map[string]any) (map[string]any, error) {
	callCtx := ctx
	if d := step.Timeout.Std(); d > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var (
		out map[string]any
		err error
	)
	switch st := step.StepType.(type) {
	case schema.CustomStep:
		h, lerr := r.e.handlers.Step(st.Handler)
		if lerr != nil {
			return nil, lerr
		}
		out, err = h.Invoke(callCtx, st.Config, inputs)
		if err != nil && !isChainError(err) && callCtx.Err() == nil {
			err = schema.NewErrorf(schema.ErrCodeHandler, "handler %q: %s", st.Handler, err.Error()).WithCause(err)
		}

	case schema.LLMInference, schema.FunctionCall, schema.ToolUse:
		if r.e.connector == nil {
			return nil, schema.NewConnectorError(schema.ErrCodeConnector, "no connector configured")
		}
		target := Target(st)
		if aerr := r.e.breakers.AllowRequest(target); aerr != nil {
			r.events.emit(ctx, schema.EventCircuitOpen, step.ID, map[string]any{"target": target})
			return nil, aerr
		}
		out, err = r.e.connector.Invoke(callCtx, st, inputs)
		switch {
		case err == nil:
			r.e.breakers.RecordSuccess(target)
		case ctx.Err() == nil:
			if r.e.breakers.RecordFailure(target) == CircuitOpen {
				r.logger.Warn("circuit open", zap.String("target", target), zap.String("step_id", step.ID))
			}
			if !isChainError(err) && callCtx.Err() == nil {
				err = schema.NewConnectorError(schema.ErrCodeConnector, err.Error()).WithCause(err)
			}
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step type %T is not invocable", step.StepType)
	}

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeStepTimeout, "step timed out after %s", step.Timeout.Std()).
				WithStep(step.ID).WithCause(err)
		}
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	if m, ok := expressions.Normalize(out).(map[string]any); ok {
		return m, nil
	}
	return out, nil
}

// retrying records a retry from the worker. The coordinator keeps the step
// running; only the result record and the event stream see the retry.
func (r *run) retrying(ctx context.Context, stepID string, attempt int, delay time.Duration, cause error) {
	r.mu.Lock()
	if sr := r.result.Steps[stepID]; sr != nil {
		sr.Status = schema.StepRetrying
		sr.Attempts = attempt
	}
	r.mu.Unlock()

	r.logger.Info("retrying step", zap.String("step_id", stepID), zap.Int("attempt", attempt),
		zap.Duration("delay", delay), zap.Error(cause))
	r.events.emit(ctx, schema.EventStepRetrying, stepID, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"error":    errorPayload(cause),
	})
}

func isChainError(err error) bool {
	_, ok := schema.AsChainError(err)
	return ok
}
