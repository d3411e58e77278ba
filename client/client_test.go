package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/ratelimit"
	"github.com/BaSui01/agentrun/retry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// newTestClient wires a client against the fake server with fast retry
// delays and no shared global state.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	policy := &retry.Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000}, zap.NewNop())

	c, err := New(
		Config{BaseURL: srv.URL, Token: "test-token"},
		Deps{
			Retrier: retry.NewExecutor(policy, nil, zap.NewNop()),
			Limiter: limiter,
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRun(w http.ResponseWriter, id string, status types.RunStatus) {
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func TestCreateRun(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/runs", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req CreateRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fix the flaky test", req.Prompt)

		writeJSON(w, http.StatusCreated, map[string]any{"id": "run-1", "status": "pending"})
	}))

	run, err := c.CreateRun(context.Background(), CreateRunRequest{
		Prompt:   "fix the flaky test",
		Repo:     "acme/widgets",
		Metadata: map[string]string{"repo": "acme/widgets"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, types.StatusPending, run.Status)
	assert.Equal(t, "Bearer test-token", gotAuth)

	// The run is registered locally.
	local, err := c.Store().Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, local.Status)
	assert.Equal(t, "acme/widgets", local.Metadata["repo"])

	_, err = c.Store().Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateRunEmptyPrompt(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	_, err := c.CreateRun(context.Background(), CreateRunRequest{Prompt: "   "})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Equal(t, int64(0), calls.Load(), "validation failures never reach the network")
}

func TestGetRunCachesResponses(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeRun(w, "run-1", types.StatusActive)
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		run, err := c.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusActive, run.Status)
	}
	assert.Equal(t, int64(1), calls.Load(), "repeated reads inside the TTL share one upstream call")
}

func TestGetRunSingleflight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		writeRun(w, "run-1", types.StatusActive)
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetRun(ctx, "run-1")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent identical reads collapse into one fetch")
}

func TestResumeRunPreflight(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	ctx := context.Background()

	require.NoError(t, c.Store().RegisterRun(ctx, &types.Run{ID: "run-1", Status: types.StatusActive}))

	_, err := c.ResumeRun(ctx, "run-1", "keep going")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
	assert.Equal(t, int64(0), calls.Load(), "resume pre-flight fails without a network call")
}

func TestResumeRun(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/runs/run-1/resume", r.URL.Path)
		writeRun(w, "run-1", types.StatusActive)
	}))
	ctx := context.Background()

	require.NoError(t, c.Store().RegisterRun(ctx, &types.Run{ID: "run-1", Status: types.StatusComplete}))

	run, err := c.ResumeRun(ctx, "run-1", "one more pass")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, run.Status)

	local, err := c.Store().Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, local.Status, "resume moves complete back to active")
}

func TestCancelRun(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/runs/run-1/cancel", r.URL.Path)
		writeRun(w, "run-1", types.StatusCancelled)
	}))
	ctx := context.Background()

	require.NoError(t, c.Store().RegisterRun(ctx, &types.Run{ID: "run-1", Status: types.StatusActive}))

	run, err := c.CancelRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, run.Status)

	local, err := c.Store().Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, local.Status)
}

func TestListRuns(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"runs": []map[string]any{
				{"id": "run-2", "status": "active"},
				{"id": "run-1", "status": "active"},
			},
			"total": 2,
		})
	}))

	runs, err := c.ListRuns(context.Background(), ListOptions{Status: types.StatusActive, Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	// Listed runs are synced into the store.
	_, err = c.Store().Get(context.Background(), "run-1")
	assert.NoError(t, err)
}

func TestGetLogsFallback(t *testing.T) {
	var primaryCalls, alphaCalls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/runs/run-1/logs":
			primaryCalls.Add(1)
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "not_found", "message": "no such route"},
			})
		case "/v1alpha/runs/run-1/logs":
			alphaCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"entries": []map[string]any{
					{"ordinal": 0, "type": "plan_evaluation", "thought": "read the failing test first"},
					{"ordinal": 1, "type": "action", "tool_name": "bash", "tool_input": "go test ./..."},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	entries, err := c.GetLogs(context.Background(), "run-1", LogOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.LogPlanEvaluation, entries[0].Type)
	assert.Equal(t, "bash", entries[1].ToolName)
	assert.Equal(t, int64(1), primaryCalls.Load())
	assert.Equal(t, int64(1), alphaCalls.Load())
}

func TestGetLogsDropsMalformedEntries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": []map[string]any{
				{"ordinal": 0, "type": "action"}, // missing tool_name
				{"ordinal": 1, "type": "final_answer", "content": "done"},
			},
		})
	}))

	entries, err := c.GetLogs(context.Background(), "run-1", LogOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.LogFinalAnswer, entries[0].Type)
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]string{"code": "rate_limited", "message": "slow down"},
			})
			return
		}
		writeRun(w, "run-429", types.StatusActive)
	}))

	run, err := c.GetRun(context.Background(), "run-429")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, run.Status)
	assert.Equal(t, int64(2), calls.Load(), "429 is retried")
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"code": "internal", "message": "boom"},
		})
	}))

	_, err := c.GetRun(context.Background(), "run-500")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServer))
	assert.Equal(t, int64(4), calls.Load(), "maxRetries=3 means four attempts")

	var structured *types.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, 4, structured.Attempts)
}

func TestAuthErrorIsFatal(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "unauthorized", "message": "bad token"},
		})
	}))

	_, err := c.GetRun(context.Background(), "run-401")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
	assert.Equal(t, int64(1), calls.Load(), "auth failures are never retried")
}

func TestCreateChildRun(t *testing.T) {
	var next atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := fmt.Sprintf("child-%d", next.Add(1))
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "pending"})
	}))
	ctx := context.Background()

	first, err := c.CreateChildRun(ctx, "orc-1", CreateRunRequest{Prompt: "subtask one"})
	require.NoError(t, err)
	assert.Equal(t, "orc-1", first.OrchestratorID)

	_, err = c.CreateChildRun(ctx, "orc-1", CreateRunRequest{Prompt: "subtask two"})
	require.NoError(t, err)

	orc, err := c.Store().GetOrchestrator(ctx, "orc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"child-1", "child-2"}, orc.ChildRunIDs)

	status, err := c.Store().OrchestratorStatus(ctx, "orc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, status, "pending children keep the group active")
}

func TestSyncStoreIgnoresIllegalDrift(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRun(w, "run-1", types.StatusActive)
	}))
	ctx := context.Background()

	require.NoError(t, c.Store().RegisterRun(ctx, &types.Run{ID: "run-1", Status: types.StatusError}))

	// The remote claims active; error is a dead end locally. The caller
	// still sees the remote view, the store keeps its record.
	run, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, run.Status)

	local, err := c.Store().Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, local.Status)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRun(w, "run-1", types.StatusActive)
	}))
	ctx := context.Background()

	_, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)

	h := c.Health(ctx)
	assert.True(t, h.StoreOK)
	require.NotNil(t, h.Runs)
	assert.Equal(t, int64(1), h.Runs.TotalRuns)
	assert.False(t, h.ReportedAt.IsZero())
}

func TestFutureWait(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "run-1", "status": "pending"})
	}))

	f := c.CreateRunAsync(context.Background(), CreateRunRequest{Prompt: "async task"})
	run, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)

	// Result after completion returns the same outcome.
	again, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done must be closed after Wait returns")
	}
}

func TestFutureWaitCancelled(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		writeJSON(w, http.StatusCreated, map[string]any{"id": "run-1", "status": "pending"})
	}))
	t.Cleanup(func() { close(block) })

	f := c.CreateRunAsync(context.Background(), CreateRunRequest{Prompt: "slow task"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCancelled))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
