package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/client"
	"github.com/BaSui01/agentrun/types"
)

// fakeRunAPI serves a scripted log that grows as it is polled and a
// status that flips to terminal once the log is fully published.
type fakeRunAPI struct {
	mu        sync.Mutex
	entries   []*types.LogEntry
	published int
	perPoll   int
	status    types.RunStatus
	logCalls  int
	failNext  error
}

func newFakeRunAPI(perPoll int, entries ...*types.LogEntry) *fakeRunAPI {
	return &fakeRunAPI{entries: entries, perPoll: perPoll, status: types.StatusActive}
}

func (f *fakeRunAPI) GetLogs(ctx context.Context, id string, opts client.LogOptions) ([]*types.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}

	f.published += f.perPoll
	if f.published >= len(f.entries) {
		f.published = len(f.entries)
		f.status = types.StatusComplete
	}

	if opts.Skip >= f.published {
		return nil, nil
	}
	return f.entries[opts.Skip:f.published], nil
}

func (f *fakeRunAPI) GetRun(ctx context.Context, id string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Run{ID: id, Status: f.status}, nil
}

func (f *fakeRunAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logCalls
}

func planEntry(ordinal int, thought string) *types.LogEntry {
	return &types.LogEntry{Ordinal: ordinal, Type: types.LogPlanEvaluation, Thought: thought}
}

func newTestStreamer(api LogFetcher) *Streamer {
	return New(api, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not complete in time")
		}
	}
}

func ordinals(events []Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Entry != nil {
			out = append(out, ev.Entry.Ordinal)
		}
	}
	return out
}

func TestSubscribeReceivesOrderedEntries(t *testing.T) {
	api := newFakeRunAPI(2,
		planEntry(0, "read the issue"),
		planEntry(1, "reproduce locally"),
		planEntry(2, "write the fix"),
		planEntry(3, "run the tests"),
	)
	s := newTestStreamer(api)
	defer s.Close()

	ch, err := s.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)

	events := collect(t, ch)
	assert.Equal(t, []int{0, 1, 2, 3}, ordinals(events))
}

func TestTwoSubscribersSameSequence(t *testing.T) {
	api := newFakeRunAPI(1,
		planEntry(0, "step one"),
		planEntry(1, "step two"),
		planEntry(2, "step three"),
	)
	s := newTestStreamer(api)
	defer s.Close()

	ctx := context.Background()
	ch1, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	ch2, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var got1, got2 []Event
	wg.Add(2)
	go func() { defer wg.Done(); got1 = collect(t, ch1) }()
	go func() { defer wg.Done(); got2 = collect(t, ch2) }()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, ordinals(got1))
	assert.Equal(t, []int{0, 1, 2}, ordinals(got2), "every subscriber sees the same ordered sequence")
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	api := newFakeRunAPI(1,
		planEntry(0, "early entry"),
		planEntry(1, "middle entry"),
		planEntry(2, "late entry"),
	)
	s := newTestStreamer(api)
	defer s.Close()

	ctx := context.Background()
	ch1, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	// Let the poller deliver at least the first entry before joining.
	first := <-ch1
	require.NotNil(t, first.Entry)

	ch2, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	got2 := collect(t, ch2)
	assert.Equal(t, []int{0, 1, 2}, ordinals(got2), "late subscribers start from ordinal zero")
}

func TestSingleUpstreamPollerPerRun(t *testing.T) {
	api := newFakeRunAPI(1,
		planEntry(0, "only entry"),
	)
	s := newTestStreamer(api)
	defer s.Close()

	ctx := context.Background()
	var chans []<-chan Event
	for i := 0; i < 5; i++ {
		ch, err := s.Subscribe(ctx, "run-1")
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	for _, ch := range chans {
		events := collect(t, ch)
		assert.Equal(t, []int{0}, ordinals(events))
	}

	// One logs fetch per cycle plus the terminal drain, regardless of
	// the number of subscribers.
	assert.LessOrEqual(t, api.calls(), 3, "subscribers share one upstream poll loop")
}

func TestTransientFetchErrorIsAnEvent(t *testing.T) {
	api := newFakeRunAPI(1,
		planEntry(0, "before the blip"),
		planEntry(1, "after the blip"),
	)
	api.failNext = types.NewError(types.ErrTransientNetwork, "connection reset")
	s := newTestStreamer(api)
	defer s.Close()

	ch, err := s.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)

	events := collect(t, ch)

	var sawError bool
	for _, ev := range events {
		if ev.Err != nil {
			sawError = true
			assert.True(t, types.IsRetryable(ev.Err))
		}
	}
	assert.True(t, sawError, "fetch failures surface as error events")
	assert.Equal(t, []int{0, 1}, ordinals(events), "the stream recovers and completes after the blip")
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	// More entries than any subscriber channel can buffer.
	entries := make([]*types.LogEntry, 40)
	for i := range entries {
		entries[i] = planEntry(i, "step")
	}
	api := newFakeRunAPI(2, entries...)
	s := New(api, Config{PollInterval: 5 * time.Millisecond, Buffer: 1}, zap.NewNop())
	defer s.Close()

	ctx := context.Background()

	// This subscriber never drains its channel; its context stays live.
	stalled, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	_ = stalled

	reader, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	// The reading subscriber still receives the full ordered sequence
	// and the stream still completes.
	events := collect(t, reader)
	got := ordinals(events)
	require.Len(t, got, 40)
	for i, ord := range got {
		assert.Equal(t, i, ord)
	}
}

func TestSubscriberCancellation(t *testing.T) {
	// A log that never finishes.
	api := newFakeRunAPI(0,
		planEntry(0, "never published"),
	)
	s := newTestStreamer(api)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancellation")
	}
}

func TestSubscribeEmptyID(t *testing.T) {
	s := newTestStreamer(newFakeRunAPI(1))
	defer s.Close()

	_, err := s.Subscribe(context.Background(), "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestSubscribeAfterFinishReplays(t *testing.T) {
	api := newFakeRunAPI(1, planEntry(0, "the whole log"))
	s := newTestStreamer(api)
	defer s.Close()

	ch, err := s.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	first := collect(t, ch)
	require.Equal(t, []int{0}, ordinals(first))

	// The poller is gone; a fresh subscription starts a new one and
	// fetches the log again from the start.
	ch2, err := s.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	second := collect(t, ch2)
	assert.Equal(t, []int{0}, ordinals(second))
}
