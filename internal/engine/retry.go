package engine

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// MaxAttempts returns the number of invocations a policy allows: one plus
// max_retries. A nil policy allows exactly one.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxRetries <= 0 {
		return 1
	}
	return 1 + policy.MaxRetries
}

// IsRetryable reports whether err may be retried under policy. Cancellation
// of the execution is never retried. When retry_on_error_codes is non-empty
// the error's code must be listed.
func IsRetryable(err error, policy *schema.RetryPolicy) bool {
	if err == nil || policy == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || schema.CodeOf(err) == schema.ErrCodeCancelled {
		return false
	}
	if len(policy.RetryOnErrorCodes) == 0 {
		return true
	}
	return slices.Contains(policy.RetryOnErrorCodes, schema.CodeOf(err))
}

// ComputeBackoff returns the delay before retry k (0-based):
// retry_interval * retry_backoff_factor^k. A nil interval means no delay.
// A factor of 0 is the unset value, not a multiplier: the interval stays
// constant, as it does for any non-positive factor.
func ComputeBackoff(policy *schema.RetryPolicy, k int) time.Duration {
	if policy == nil || policy.RetryInterval == nil {
		return 0
	}
	base := policy.RetryInterval.Std()
	if base <= 0 {
		return 0
	}
	factor := policy.RetryBackoffFactor
	if factor <= 0 {
		return base
	}
	d := float64(base) * math.Pow(factor, float64(k))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
