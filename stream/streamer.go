// Package stream fans a run's log entries out to any number of
// subscribers while polling the remote service exactly once per run,
// no matter how many subscribers are attached. Entries are delivered in
// ordinal order with duplicates dropped; a subscriber that joins late
// first receives everything delivered so far.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/client"
	"github.com/BaSui01/agentrun/types"
)

// LogFetcher is the slice of the client the streamer needs.
type LogFetcher interface {
	GetRun(ctx context.Context, id string) (*types.Run, error)
	GetLogs(ctx context.Context, id string, opts client.LogOptions) ([]*types.LogEntry, error)
}

// Event is one item in a subscription. Exactly one of Entry and Err is
// set. An Err event does not end the subscription; the channel closes
// only when the run reaches a terminal state or the subscriber's context
// is cancelled.
type Event struct {
	Entry *types.LogEntry
	Err   error
}

// Config holds the streamer configuration.
type Config struct {
	// PollInterval is the delay between upstream log polls (default: 2s)
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Buffer is the minimum subscriber channel capacity (default: 64)
	Buffer int `json:"buffer" yaml:"buffer"`
}

// DefaultConfig returns the default streamer configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Buffer:       64,
	}
}

// Streamer multiplexes per-run log polling.
type Streamer struct {
	client LogFetcher
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	pollers map[string]*runPoller
}

// New creates a Streamer.
func New(client LogFetcher, config Config, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	return &Streamer{
		client:  client,
		config:  config,
		logger:  logger.With(zap.String("component", "streamer")),
		pollers: make(map[string]*runPoller),
	}
}

// Subscribe attaches to the run's log stream. The returned channel
// replays every entry delivered so far, then follows the live tail, and
// closes when the run reaches a terminal state or ctx is cancelled.
// All subscribers of one run share a single upstream poll loop.
func (s *Streamer) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}

	s.mu.Lock()
	p, ok := s.pollers[id]
	if !ok {
		p = newRunPoller(id, s)
		s.pollers[id] = p
	}
	s.mu.Unlock()

	// Register before the loop starts so the first poll cannot outrun
	// the subscription.
	ch := p.subscribe(ctx)
	if !ok {
		go p.loop()
	}
	return ch, nil
}

// Close stops every poller and closes all subscriptions.
func (s *Streamer) Close() {
	s.mu.Lock()
	pollers := make([]*runPoller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		p.shutdown()
	}
}

func (s *Streamer) removePoller(id string) {
	s.mu.Lock()
	delete(s.pollers, id)
	s.mu.Unlock()
}

type subscriber struct {
	ch  chan Event
	ctx context.Context
}

// runPoller is the single upstream poll loop for one run.
type runPoller struct {
	id       string
	streamer *Streamer
	logger   *zap.Logger

	mu       sync.Mutex
	replay   []*types.LogEntry // validated entries delivered so far
	subs     []*subscriber
	finished bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newRunPoller(id string, s *Streamer) *runPoller {
	return &runPoller{
		id:       id,
		streamer: s,
		logger:   s.logger.With(zap.String("run_id", id)),
		stop:     make(chan struct{}),
	}
}

// subscribe registers a new subscriber, pre-loading the replay buffer.
// Subscribing to an already finished stream yields the replay and an
// immediately closed channel.
func (p *runPoller) subscribe(ctx context.Context) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.streamer.config.Buffer
	if need := len(p.replay) + 16; need > capacity {
		capacity = need
	}
	ch := make(chan Event, capacity)
	for _, entry := range p.replay {
		ch <- Event{Entry: entry}
	}

	if p.finished {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, &subscriber{ch: ch, ctx: ctx})
	return ch
}

func (p *runPoller) shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// loop polls logs and run status until the run is terminal or every
// subscriber has left.
func (p *runPoller) loop() {
	defer p.finish()

	ctx := context.Background()
	ticker := time.NewTicker(p.streamer.config.PollInterval)
	defer ticker.Stop()

	for {
		terminal := p.pollOnce(ctx)
		if terminal {
			return
		}
		if p.pruneSubscribers() == 0 {
			p.logger.Debug("last subscriber left, stopping poll loop")
			return
		}

		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches new entries, fans them out, and reports whether the
// run is terminal. One upstream logs call per cycle, shared by all
// subscribers.
func (p *runPoller) pollOnce(ctx context.Context) bool {
	p.mu.Lock()
	skip := len(p.replay)
	p.mu.Unlock()

	entries, err := p.streamer.client.GetLogs(ctx, p.id, client.LogOptions{Skip: skip})
	if err != nil {
		// Fetch errors are events, not stream terminators; the run's own
		// status decides when the sequence ends.
		p.logger.Warn("log poll failed", zap.Error(err))
		p.broadcast(Event{Err: err})
	} else {
		p.deliver(entries)
	}

	run, err := p.streamer.client.GetRun(ctx, p.id)
	if err != nil {
		p.logger.Warn("status poll failed", zap.Error(err))
		return false
	}
	if !run.Status.IsTerminal() {
		return false
	}

	// Drain whatever arrived between the logs fetch and the terminal
	// observation, then end the sequence.
	p.mu.Lock()
	skip = len(p.replay)
	p.mu.Unlock()
	if tail, err := p.streamer.client.GetLogs(ctx, p.id, client.LogOptions{Skip: skip}); err == nil {
		p.deliver(tail)
	}
	return true
}

// deliver appends entries in ordinal order, dropping anything already
// delivered.
func (p *runPoller) deliver(entries []*types.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.nextOrdinalLocked()
	for _, entry := range entries {
		if entry.Ordinal < next {
			continue // duplicate from an overlapping fetch
		}
		p.replay = append(p.replay, entry)
		next = entry.Ordinal + 1
		p.broadcastLocked(Event{Entry: entry})
	}
}

func (p *runPoller) nextOrdinalLocked() int {
	if len(p.replay) == 0 {
		return 0
	}
	return p.replay[len(p.replay)-1].Ordinal + 1
}

func (p *runPoller) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcastLocked(ev)
}

// broadcastLocked never blocks: a subscriber that stops draining its
// channel loses events rather than stalling delivery to everyone else.
// The replay buffer still holds the full sequence, so a fresh
// subscription recovers it.
func (p *runPoller) broadcastLocked(ev Event) {
	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		default:
			p.logger.Warn("subscriber buffer full, dropping event")
		}
	}
}

// pruneSubscribers drops subscribers whose context is done and returns
// how many remain.
func (p *runPoller) pruneSubscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.subs[:0]
	for _, sub := range p.subs {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
		default:
			kept = append(kept, sub)
		}
	}
	p.subs = kept
	return len(p.subs)
}

// finish closes every remaining subscription and unregisters the poller.
func (p *runPoller) finish() {
	p.mu.Lock()
	p.finished = true
	for _, sub := range p.subs {
		close(sub.ch)
	}
	p.subs = nil
	p.mu.Unlock()

	p.streamer.removePoller(p.id)
}
