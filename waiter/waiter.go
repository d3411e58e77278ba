// Package waiter turns the remote service's asynchronous run lifecycle
// into a blocking call: poll until the run reaches a terminal state, a
// budget expires, or the caller gives up. Giving up never cancels the
// remote run; it keeps executing server-side.
package waiter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// RunGetter is the slice of the client the waiter needs.
type RunGetter interface {
	GetRun(ctx context.Context, id string) (*types.Run, error)
}

// Config holds the default polling parameters.
type Config struct {
	// PollInterval is the delay between status polls (default: 3s)
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Timeout is the overall waiting budget (default: 30m)
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default waiter configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 3 * time.Second,
		Timeout:      30 * time.Minute,
	}
}

// Waiter polls runs to completion.
type Waiter struct {
	client RunGetter
	config Config
	logger *zap.Logger
}

// New creates a Waiter. Zero config fields fall back to defaults.
func New(client RunGetter, config Config, logger *zap.Logger) *Waiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Waiter{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "waiter")),
	}
}

// Wait polls with the configured interval and budget.
func (w *Waiter) Wait(ctx context.Context, id string) (*types.Run, error) {
	return w.WaitForCompletion(ctx, id, w.config.PollInterval, w.config.Timeout)
}

// WaitForCompletion polls run id until it reaches a terminal state. The
// first poll happens immediately, so even a budget shorter than the poll
// interval observes the run at least once. Transient poll failures are
// tolerated and polling continues; fatal errors are returned as-is.
// Budget exhaustion returns a TIMEOUT error, caller cancellation a
// CANCELLED one; in both cases the remote run keeps executing.
func (w *Waiter) WaitForCompletion(ctx context.Context, id string, pollInterval, timeout time.Duration) (*types.Run, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}
	if pollInterval <= 0 {
		pollInterval = w.config.PollInterval
	}
	if timeout <= 0 {
		timeout = w.config.Timeout
	}

	deadline := time.Now().Add(timeout)
	polls := 0

	for {
		run, err := w.client.GetRun(ctx, id)
		polls++
		switch {
		case err == nil:
			if run.Status.IsTerminal() {
				w.logger.Debug("run reached terminal state",
					zap.String("run_id", id),
					zap.String("status", string(run.Status)),
					zap.Int("polls", polls),
				)
				return run, nil
			}
		case types.IsCode(err, types.ErrCancelled):
			return nil, err
		case types.IsRetryable(err) || types.IsCode(err, types.ErrTimeout):
			// The client already retried; keep polling through longer
			// outages as long as the budget allows.
			w.logger.Warn("status poll failed, will poll again",
				zap.String("run_id", id),
				zap.Error(err),
			)
		default:
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, types.NewError(types.ErrTimeout,
				"run "+id+" did not complete within "+timeout.String())
		}

		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, types.NewError(types.ErrCancelled, "wait cancelled").WithCause(ctx.Err())
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			return nil, types.NewError(types.ErrTimeout,
				"run "+id+" did not complete within "+timeout.String())
		}
	}
}
