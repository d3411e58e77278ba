package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	e := NewExecutor(fastPolicy(5), nil, zap.NewNop())

	calls := 0
	result, err := e.DoWithResult(context.Background(), "getRun", func() (any, error) {
		calls++
		if calls < 3 {
			return nil, types.NewError(types.ErrServer, "upstream unavailable")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls, "n-1 failures then success must take exactly n attempts")
}

func TestExhaustsBudgetAfterMaxRetriesPlusOne(t *testing.T) {
	const maxRetries = 3
	e := NewExecutor(fastPolicy(maxRetries), nil, zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "getRun", func() error {
		calls++
		return types.NewError(types.ErrTransientNetwork, "timeout")
	})

	require.Error(t, err)
	assert.Equal(t, maxRetries+1, calls)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrTransientNetwork, typed.Code)
	assert.Equal(t, maxRetries+1, typed.Attempts)
}

func TestFatalErrorNotRetried(t *testing.T) {
	e := NewExecutor(fastPolicy(5), nil, zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "createRun", func() error {
		calls++
		return types.NewError(types.ErrValidation, "prompt must not be empty")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestUnclassifiedErrorNotRetried(t *testing.T) {
	e := NewExecutor(fastPolicy(5), nil, zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "getRun", func() error {
		calls++
		return errors.New("plain error")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrInternal, types.GetErrorCode(err))
}

func TestRetryAfterHintTakesPrecedence(t *testing.T) {
	policy := &Policy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	var observed time.Duration
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		observed = delay
	}

	e := NewExecutor(policy, nil, zap.NewNop())
	_ = e.Do(context.Background(), "getRun", func() error {
		return types.NewError(types.ErrRateLimited, "slow down").WithRetryAfter(40 * time.Millisecond)
	})

	assert.Equal(t, 40*time.Millisecond, observed, "server hint must override computed backoff")
}

func TestCancellationStopsRetryLoop(t *testing.T) {
	policy := &Policy{
		MaxRetries:   10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	e := NewExecutor(policy, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := e.Do(ctx, "getRun", func() error {
		calls++
		return types.NewError(types.ErrServer, "boom")
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
	assert.Less(t, calls, 4, "cancellation must stop the loop at the next suspension point")
}

func TestNextDelayBounds(t *testing.T) {
	policy := &Policy{
		MaxRetries:   8,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	e := NewExecutor(policy, nil, zap.NewNop())

	transient := types.NewError(types.ErrServer, "x")
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := e.nextDelay(attempt, transient)
			assert.LessOrEqual(t, d, time.Duration(float64(policy.MaxDelay)*(1+jitterFraction)))
			assert.GreaterOrEqual(t, d, time.Duration(float64(policy.InitialDelay)*(1-jitterFraction)))
		}
	}
}

func TestDoTyped(t *testing.T) {
	e := NewExecutor(fastPolicy(2), nil, zap.NewNop())

	calls := 0
	run, err := DoTyped(e, context.Background(), "getRun", func() (*types.Run, error) {
		calls++
		if calls == 1 {
			return nil, types.NewError(types.ErrServer, "retry me")
		}
		return &types.Run{ID: "run-1"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
}
