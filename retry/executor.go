// Package retry wraps a single remote call with classification-aware
// retry and exponential backoff. Retryable failures (rate limits,
// timeouts, 5xx) are absorbed up to the policy budget; fatal failures
// (validation, authentication, invalid state) propagate immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/metrics"
	"github.com/BaSui01/agentrun/types"
)

// Policy defines the retry strategy.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	// (0 means try exactly once)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the backoff before the first retry
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the computed backoff
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier grows the delay between retries
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter adds ±10% randomness to computed delays so concurrent
	// clients do not retry in lockstep
	Jitter bool `json:"jitter" yaml:"jitter"`

	// OnRetry is invoked before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-" yaml:"-"`
}

// DefaultPolicy returns the policy used for remote run service calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// jitterFraction is the symmetric jitter applied to computed delays.
const jitterFraction = 0.10

// Executor runs operations under a Policy, feeding attempt counts and
// outcomes to the metrics collector.
type Executor struct {
	policy  *Policy
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewExecutor creates an Executor. A nil policy falls back to
// DefaultPolicy; metrics may be nil.
func NewExecutor(policy *Policy, collector *metrics.Collector, logger *zap.Logger) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		policy:  policy,
		metrics: collector,
		logger:  logger.With(zap.String("component", "retry_executor")),
	}
}

// Do executes fn, retrying retryable failures per the policy. The
// returned error is the last failure wrapped with the total attempt
// count. Cancellation is honored before every sleep and every attempt.
func (e *Executor) Do(ctx context.Context, operation string, fn func() error) error {
	_, err := e.DoWithResult(ctx, operation, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult executes fn and returns its result, retrying per policy.
func (e *Executor) DoWithResult(ctx context.Context, operation string, fn func() (any, error)) (any, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.nextDelay(attempt, lastErr)

			if e.policy.OnRetry != nil {
				e.policy.OnRetry(attempt, lastErr, delay)
			}
			if e.metrics != nil {
				e.metrics.RecordRetry(operation)
			}
			e.logger.Debug("retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, types.NewError(types.ErrCancelled, "retry cancelled").
					WithAttempts(attempts).WithCause(ctx.Err())
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "retry cancelled").
				WithAttempts(attempts).WithCause(err)
		}

		attempts++
		result, err := fn()
		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempts),
				)
			}
			return result, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return nil, withAttempts(err, attempts)
		}
	}

	e.logger.Warn("retry budget exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return nil, withAttempts(lastErr, attempts)
}

// nextDelay computes the sleep before the given retry. A server-supplied
// retry-after hint takes precedence over the exponential backoff.
func (e *Executor) nextDelay(attempt int, lastErr error) time.Duration {
	if hint := types.RetryAfterHint(lastErr); hint > 0 {
		if hint > e.policy.MaxDelay {
			return e.policy.MaxDelay
		}
		return hint
	}

	delay := float64(e.policy.InitialDelay) * math.Pow(e.policy.Multiplier, float64(attempt-1))
	if delay > float64(e.policy.MaxDelay) {
		delay = float64(e.policy.MaxDelay)
	}

	if e.policy.Jitter {
		delay += delay * jitterFraction * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// withAttempts annotates a classified error with the total attempt count,
// or wraps an unclassified one.
func withAttempts(err error, attempts int) error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*types.Error); ok {
		cp := *typed
		cp.Attempts = attempts
		return &cp
	}
	return types.NewError(types.ErrInternal, "operation failed").
		WithAttempts(attempts).WithCause(err)
}

// DoTyped is a type-safe wrapper around Executor.DoWithResult that
// eliminates the type assertion at call sites.
func DoTyped[T any](e *Executor, ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	result, err := e.DoWithResult(ctx, operation, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
