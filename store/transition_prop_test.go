package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrun/types"
)

// TestTransitionProperties drives the state machine with random status
// sequences and checks the invariants that every backend must share.
func TestTransitionProperties(t *testing.T) {
	allStatuses := []types.RunStatus{
		types.StatusPending,
		types.StatusActive,
		types.StatusComplete,
		types.StatusError,
		types.StatusCancelled,
	}

	rapid.Check(t, func(rt *rapid.T) {
		s := NewMemoryStore(Config{}, zap.NewNop())
		defer s.Close()
		ctx := context.Background()

		require.NoError(rt, s.RegisterRun(ctx, &types.Run{ID: "run-1"}))
		prev := types.StatusPending

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(allStatuses).Draw(rt, "next")
			err := s.UpdateStatus(ctx, "run-1", next, "")

			run, gerr := s.Get(ctx, "run-1")
			require.NoError(rt, gerr)

			if err != nil {
				// A rejected transition must not move the record.
				require.True(rt, types.IsCode(err, types.ErrInvalidTransition))
				require.Equal(rt, prev, run.Status)
				continue
			}

			require.True(rt, prev == next || prev.CanTransitionTo(next),
				"accepted transition %s -> %s must be legal", prev, next)
			require.Equal(rt, next, run.Status)

			// Error and cancelled are dead ends; once there, we stay.
			if prev == types.StatusError || prev == types.StatusCancelled {
				require.Equal(rt, prev, next)
			}

			// Timestamps track the lifecycle.
			if run.Status == types.StatusActive {
				require.NotNil(rt, run.StartedAt)
				require.Nil(rt, run.CompletedAt)
			}
			if run.Status.IsTerminal() {
				require.NotNil(rt, run.CompletedAt)
			}

			prev = next
		}
	})
}
