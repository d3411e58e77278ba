package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// MemoryStore is an in-memory StateStore. Suitable for development and
// testing; data is lost on restart. A single write lock serializes all
// mutations, so concurrent pollers for the same run never interleave
// conflicting writes.
type MemoryStore struct {
	runs          map[string]*types.Run
	orchestrators map[string]*types.Orchestrator
	mu            sync.RWMutex
	closed        bool
	config        Config
	logger        *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore(config Config, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryStore{
		runs:          make(map[string]*types.Run),
		orchestrators: make(map[string]*types.Orchestrator),
		config:        config,
		logger:        logger.With(zap.String("component", "state_store")),
		stopCleanup:   make(chan struct{}),
	}

	if config.Cleanup.Enabled {
		go s.cleanupLoop(config.Cleanup.Interval)
	}
	return s
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// RegisterRun persists a newly created run.
func (s *MemoryStore) RegisterRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}

	record := run.Clone()
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = types.StatusPending
	}

	s.runs[record.ID] = record
	return nil
}

// UpdateStatus moves a run along the state machine.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status types.RunStatus, resultSummary string) error {
	if !status.Valid() {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}

	if run.Status == status {
		return nil
	}
	if !run.Status.CanTransitionTo(status) {
		s.logger.Warn("rejected illegal status transition",
			zap.String("run_id", id),
			zap.String("from", string(run.Status)),
			zap.String("to", string(status)),
		)
		return transitionError(id, run.Status, status)
	}

	applyTransition(run, status, resultSummary)
	return nil
}

// Get retrieves a run by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// All returns every known run.
func (s *MemoryStore) All(ctx context.Context) ([]*types.Run, error) {
	return s.List(ctx, RunFilter{})
}

// List returns runs matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Run, 0)
	for _, run := range s.runs {
		if filter.Matches(run) {
			result = append(result, run.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*types.Run{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// LinkChild appends childID to the orchestrator's children.
func (s *MemoryStore) LinkChild(ctx context.Context, orchestratorID, childID string) error {
	if orchestratorID == "" || childID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	child, ok := s.runs[childID]
	if !ok {
		return ErrNotFound
	}
	if child.OrchestratorID != "" && child.OrchestratorID != orchestratorID {
		return ErrAlreadyLinked
	}

	now := time.Now()
	orc, ok := s.orchestrators[orchestratorID]
	if !ok {
		orc = &types.Orchestrator{ID: orchestratorID, CreatedAt: now}
		s.orchestrators[orchestratorID] = orc
	}

	if orc.HasChild(childID) {
		return nil // idempotent re-link
	}

	orc.ChildRunIDs = append(orc.ChildRunIDs, childID)
	orc.UpdatedAt = now
	child.OrchestratorID = orchestratorID
	child.UpdatedAt = now
	return nil
}

// GetOrchestrator retrieves an orchestrator by id.
func (s *MemoryStore) GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	orc, ok := s.orchestrators[id]
	if !ok {
		return nil, ErrNotFound
	}
	return orc.Clone(), nil
}

// OrchestratorStatus derives the aggregate status of the children.
func (s *MemoryStore) OrchestratorStatus(ctx context.Context, id string) (types.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	orc, ok := s.orchestrators[id]
	if !ok {
		return "", ErrNotFound
	}

	statuses := make([]types.RunStatus, 0, len(orc.ChildRunIDs))
	for _, childID := range orc.ChildRunIDs {
		if child, ok := s.runs[childID]; ok {
			statuses = append(statuses, child.Status)
		}
	}
	return types.AggregateStatus(statuses), nil
}

// RecoverableRuns returns non-terminal runs, oldest first.
func (s *MemoryStore) RecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Run, 0)
	for _, run := range s.runs {
		if run.Status.IsRecoverable() {
			result = append(result, run.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Prune removes terminal records older than the retention window.
// Orchestrators are pruned once all their children are gone.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, run := range s.runs {
		if !run.Status.IsTerminal() {
			continue
		}
		checkTime := run.UpdatedAt
		if run.CompletedAt != nil {
			checkTime = *run.CompletedAt
		}
		if checkTime.Before(cutoff) {
			delete(s.runs, id)
			count++
		}
	}

	for id, orc := range s.orchestrators {
		remaining := 0
		for _, childID := range orc.ChildRunIDs {
			if _, ok := s.runs[childID]; ok {
				remaining++
			}
		}
		if remaining == 0 && orc.UpdatedAt.Before(cutoff) {
			delete(s.orchestrators, id)
		}
	}

	return count, nil
}

// Stats returns statistics about store contents.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		StatusCounts:  make(map[types.RunStatus]int64),
		Orchestrators: int64(len(s.orchestrators)),
	}

	var oldestPending time.Time
	for _, run := range s.runs {
		stats.TotalRuns++
		stats.StatusCounts[run.Status]++
		if run.Status == types.StatusPending {
			if oldestPending.IsZero() || run.CreatedAt.Before(oldestPending) {
				oldestPending = run.CreatedAt
			}
		}
	}
	if !oldestPending.IsZero() {
		stats.OldestPendingAge = time.Since(oldestPending)
	}
	return stats, nil
}

// cleanupLoop runs periodic pruning.
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n, err := s.Prune(context.Background(), s.config.Cleanup.Retention); err == nil && n > 0 {
				s.logger.Debug("pruned terminal runs", zap.Int("count", n))
			}
		}
	}
}

var _ StateStore = (*MemoryStore)(nil)
