package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/toolproto"
)

// ToolInvoker is the narrow Tool Protocol surface the orchestrator needs;
// *toolproto.Client satisfies it directly.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (*toolproto.InvokeResult, error)
}

// RetryPolicy configures the reliability wrapper's retry behavior,
// mirroring spec.md §4.7's `retry.{max_attempts, base_delay, max_delay,
// jitter_ratio}`.
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultRetryPolicy matches internal/infra.RetryConfig's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, JitterRatio: 0.2}
}

// ReliabilityWrapper layers rate limiting, a circuit breaker, and bounded
// retries over a ToolInvoker, grounded on the teacher's
// internal/engine.ReliabilityWrapper (same three-library stack: gobreaker,
// avast/retry-go, golang.org/x/time/rate). Only transient/transport errors
// are retried; non-idempotent failures and capability/policy errors pass
// straight through spec.md §4.7's failure taxonomy.
type ReliabilityWrapper struct {
	next    ToolInvoker
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	policy  RetryPolicy
	metrics *Metrics
}

// NewReliabilityWrapper wraps next with the given retry policy. tool names
// the circuit breaker instance (distinct breakers per tool avoid one flaky
// tool tripping calls to every other tool).
func NewReliabilityWrapper(next ToolInvoker, tool string, policy RetryPolicy, metrics *Metrics) *ReliabilityWrapper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "toolproto:" + tool,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if metrics != nil {
				metrics.BreakerState.WithLabelValues(tool).Set(float64(to))
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(100), 20),
		policy:  policy,
		metrics: metrics,
	}
}

// Invoke calls the wrapped tool, applying rate limiting first, then the
// circuit breaker around the whole retry loop (retries with jittered
// backoff), so one breaker outcome is recorded per Invoke call.
func (w *ReliabilityWrapper) Invoke(ctx context.Context, tool string, params map[string]any) (*toolproto.InvokeResult, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, apperr.Transient("rate_limited", "tool invocation rate limit exceeded", err)
	}

	cbResult, err := w.cb.Execute(func() (any, error) {
		var result *toolproto.InvokeResult

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.policy.MaxAttempts),
			retry.RetryIf(isRetryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return w.backoff(n)
			}),
		)

		retryErr := r.Do(func() error {
			var callErr error
			result, callErr = w.next.Invoke(ctx, tool, params)
			return callErr
		})
		return result, retryErr
	})
	if err != nil {
		return nil, err
	}
	return cbResult.(*toolproto.InvokeResult), nil
}

// backoff computes exponential delay capped at MaxDelay, then applies
// jitter, so a jittered delay can exceed MaxDelay by up to JitterRatio.
func (w *ReliabilityWrapper) backoff(attempt uint) time.Duration {
	base := w.policy.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << attempt
	if w.policy.MaxDelay > 0 && d > w.policy.MaxDelay {
		d = w.policy.MaxDelay
	}
	if w.policy.JitterRatio > 0 {
		jitter := float64(d) * w.policy.JitterRatio
		d += time.Duration(rand.Float64()*2*jitter - jitter)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// isRetryable reports whether err represents a transient condition worth
// retrying: a *toolproto.InvocationError is a tool-level failure and is
// never retried here (spec.md §4.7, "never retry steps whose semantics are
// non-idempotent"); an *apperr.Error is retried only when Transient.
func isRetryable(err error) bool {
	var invErr *toolproto.InvocationError
	if errors.As(err, &invErr) {
		return false
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Kind == apperr.KindTransient
	}
	// Unclassified errors (network/transport failures surfaced directly by
	// gRPC) are treated as transient.
	return true
}

// wrapTransient classifies a raw tool invocation error for the failure
// taxonomy, used when the orchestrator records a step's terminal outcome.
func wrapTransient(tool string, err error) error {
	var invErr *toolproto.InvocationError
	if errors.As(err, &invErr) {
		return apperr.Internal("tool_invocation_failed", fmt.Sprintf("tool %s reported an error", tool), err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Transient("tool_invocation_transient", fmt.Sprintf("tool %s invocation failed", tool), err)
}
