package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/types"
)

// fileSnapshot is the on-disk shape of the store. It is an
// implementation detail, not a wire contract.
type fileSnapshot struct {
	Runs          map[string]*types.Run          `json:"runs"`
	Orchestrators map[string]*types.Orchestrator `json:"orchestrators"`
}

// FileStore is a file-backed StateStore for single-node deployments. All
// reads and the state machine live in an embedded MemoryStore; every
// mutation is followed by an atomic snapshot write (temp file + rename),
// so a crash recovers the last consistent state without re-querying the
// remote service.
type FileStore struct {
	mem    *MemoryStore
	path   string
	config Config
	logger *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewFileStore creates a FileStore, loading any existing snapshot.
func NewFileStore(config Config, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir := config.BaseDir
	if baseDir == "" {
		baseDir = DefaultConfig().BaseDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state store directory: %w", err)
	}

	// Pruning must run at this level so the snapshot is rewritten; the
	// embedded store's own loop would prune in memory only.
	memConfig := config
	memConfig.Cleanup.Enabled = false

	s := &FileStore{
		mem:         NewMemoryStore(memConfig, logger),
		path:        filepath.Join(baseDir, "state.json"),
		config:      config,
		logger:      logger.With(zap.String("component", "state_store_file")),
		stopCleanup: make(chan struct{}),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load state from disk: %w", err)
	}
	if config.Cleanup.Enabled {
		go s.cleanupLoop(config.Cleanup.Interval)
	}
	return s, nil
}

// cleanupLoop runs periodic pruning through FileStore.Prune so removals
// reach the snapshot.
func (s *FileStore) cleanupLoop(interval time.Duration) {
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

func (s *FileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // no existing state
	}
	if err != nil {
		return err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if snap.Runs != nil {
		s.mem.runs = snap.Runs
	}
	if snap.Orchestrators != nil {
		s.mem.orchestrators = snap.Orchestrators
	}
	return nil
}

// saveToDisk writes the full snapshot atomically.
func (s *FileStore) saveToDisk() error {
	s.mem.mu.RLock()
	snap := fileSnapshot{
		Runs:          s.mem.runs,
		Orchestrators: s.mem.orchestrators,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.path)
}

// Close flushes the snapshot and closes the store.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	if err := s.saveToDisk(); err != nil {
		return err
	}
	return s.mem.Close()
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	return s.mem.Ping(ctx)
}

// RegisterRun persists a newly created run.
func (s *FileStore) RegisterRun(ctx context.Context, run *types.Run) error {
	if err := s.mem.RegisterRun(ctx, run); err != nil {
		return err
	}
	return s.saveToDisk()
}

// UpdateStatus moves a run along the state machine.
func (s *FileStore) UpdateStatus(ctx context.Context, id string, status types.RunStatus, resultSummary string) error {
	if err := s.mem.UpdateStatus(ctx, id, status, resultSummary); err != nil {
		return err
	}
	return s.saveToDisk()
}

// Get retrieves a run by id.
func (s *FileStore) Get(ctx context.Context, id string) (*types.Run, error) {
	return s.mem.Get(ctx, id)
}

// All returns every known run.
func (s *FileStore) All(ctx context.Context) ([]*types.Run, error) {
	return s.mem.All(ctx)
}

// List returns runs matching the filter.
func (s *FileStore) List(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	return s.mem.List(ctx, filter)
}

// LinkChild appends childID to the orchestrator's children.
func (s *FileStore) LinkChild(ctx context.Context, orchestratorID, childID string) error {
	if err := s.mem.LinkChild(ctx, orchestratorID, childID); err != nil {
		return err
	}
	return s.saveToDisk()
}

// GetOrchestrator retrieves an orchestrator by id.
func (s *FileStore) GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error) {
	return s.mem.GetOrchestrator(ctx, id)
}

// OrchestratorStatus derives the aggregate status of the children.
func (s *FileStore) OrchestratorStatus(ctx context.Context, id string) (types.RunStatus, error) {
	return s.mem.OrchestratorStatus(ctx, id)
}

// RecoverableRuns returns non-terminal runs.
func (s *FileStore) RecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	return s.mem.RecoverableRuns(ctx)
}

// Prune removes terminal records older than the retention window.
func (s *FileStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	count, err := s.mem.Prune(ctx, olderThan)
	if err != nil {
		return count, err
	}
	if count > 0 {
		if err := s.saveToDisk(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Stats returns statistics about store contents.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	return s.mem.Stats(ctx)
}

var _ StateStore = (*FileStore)(nil)
