package client

import (
	"context"

	"github.com/BaSui01/agentrun/types"
)

// Future is the handle returned by the async call adapters. The result
// is computed once in a background goroutine; any number of callers may
// wait on it.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Done returns a channel that closes when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is cancelled. The
// background call keeps running after a cancelled Wait; only its own
// context stops it.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, types.NewError(types.ErrCancelled, "wait cancelled").WithCause(ctx.Err())
	}
}

// Result blocks until the result is available.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// CreateRunAsync starts CreateRun in the background.
func (c *Client) CreateRunAsync(ctx context.Context, req CreateRunRequest) *Future[*types.Run] {
	return newFuture(func() (*types.Run, error) {
		return c.CreateRun(ctx, req)
	})
}

// GetRunAsync starts GetRun in the background.
func (c *Client) GetRunAsync(ctx context.Context, id string) *Future[*types.Run] {
	return newFuture(func() (*types.Run, error) {
		return c.GetRun(ctx, id)
	})
}

// ResumeRunAsync starts ResumeRun in the background.
func (c *Client) ResumeRunAsync(ctx context.Context, id, prompt string) *Future[*types.Run] {
	return newFuture(func() (*types.Run, error) {
		return c.ResumeRun(ctx, id, prompt)
	})
}

// GetLogsAsync starts GetLogs in the background.
func (c *Client) GetLogsAsync(ctx context.Context, id string, opts LogOptions) *Future[[]*types.LogEntry] {
	return newFuture(func() ([]*types.LogEntry, error) {
		return c.GetLogs(ctx, id, opts)
	})
}
