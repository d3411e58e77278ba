// Package testutil provides shared helpers for the package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentrun/types"
)

// TestContext returns a context with a 30s timeout, cancelled at test
// cleanup.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// NewRun builds a run with a fresh id for tests.
func NewRun(status types.RunStatus) *types.Run {
	now := time.Now()
	return &types.Run{
		ID:        "run-" + uuid.NewString(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AssertEventuallyTrue polls condition until it holds or the deadline
// passes.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(append([]any{"condition not met within " + timeout.String()}, msgAndArgs...)...)
}
