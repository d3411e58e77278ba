// Package store provides the durable record of every locally known run
// and orchestrator. It is the single source of truth for run status: the
// client layer never mutates records directly, all writes funnel through
// the StateStore API, which serializes per-run updates and rejects
// illegal status transitions.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - File: single-node deployments, atomic snapshot with crash recovery
//   - SQLite: embedded database via GORM
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrAlreadyLinked is returned when a child run is linked to a
	// different orchestrator; a run belongs to at most one.
	ErrAlreadyLinked = errors.New("run already linked to another orchestrator")
)

// Backend represents the type of storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// CleanupConfig defines automatic pruning of terminal records.
type CleanupConfig struct {
	// Enabled determines if automatic pruning is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often pruning runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Retention is how long terminal records are kept (default: 7 days)
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   true,
		Interval:  1 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// Config is the configuration shared by all store backends.
type Config struct {
	// Backend selects the storage implementation
	Backend Backend `json:"backend" yaml:"backend"`

	// BaseDir is the directory for file-backed storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// Cleanup controls automatic pruning
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendMemory,
		BaseDir:    "./data/agentrun",
		SQLitePath: "./data/agentrun/state.db",
		Cleanup:    DefaultCleanupConfig(),
	}
}

// RunFilter narrows List results.
type RunFilter struct {
	// Status keeps runs whose status is in the set (empty keeps all)
	Status []types.RunStatus

	// OrchestratorID keeps children of one orchestrator
	OrchestratorID string

	// Repo keeps runs whose "repo" metadata matches
	Repo string

	// CreatedAfter / CreatedBefore bound the creation time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Offset and Limit paginate the result (0 limit means no bound)
	Offset int
	Limit  int
}

// Matches reports whether run passes the filter.
func (f RunFilter) Matches(run *types.Run) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if run.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OrchestratorID != "" && run.OrchestratorID != f.OrchestratorID {
		return false
	}
	if f.Repo != "" && run.Metadata["repo"] != f.Repo {
		return false
	}
	if f.CreatedAfter != nil && run.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && run.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	TotalRuns        int64                     `json:"total_runs"`
	StatusCounts     map[types.RunStatus]int64 `json:"status_counts"`
	Orchestrators    int64                     `json:"orchestrators"`
	OldestPendingAge time.Duration             `json:"oldest_pending_age"`
}

// StateStore is the durable record of runs and orchestrators.
type StateStore interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// RegisterRun persists a newly created run. The run id must be set
	// (it is assigned by the remote service); registering an existing id
	// fails with ErrAlreadyExists.
	RegisterRun(ctx context.Context, run *types.Run) error

	// UpdateStatus moves a run along the state machine. Illegal
	// transitions are rejected with an INVALID_TRANSITION error; setting
	// the current status again is a no-op. A non-empty resultSummary is
	// recorded alongside the transition.
	UpdateStatus(ctx context.Context, id string, status types.RunStatus, resultSummary string) error

	// Get retrieves a run by id
	Get(ctx context.Context, id string) (*types.Run, error)

	// All returns every known run
	All(ctx context.Context) ([]*types.Run, error)

	// List returns runs matching the filter, newest first
	List(ctx context.Context, filter RunFilter) ([]*types.Run, error)

	// LinkChild appends childID to the orchestrator's children. Linking
	// the same pair twice is a no-op; linking a child that belongs to a
	// different orchestrator fails with ErrAlreadyLinked. The
	// orchestrator record is created on first use.
	LinkChild(ctx context.Context, orchestratorID, childID string) error

	// GetOrchestrator retrieves an orchestrator by id
	GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error)

	// OrchestratorStatus derives the aggregate status of an
	// orchestrator's children
	OrchestratorStatus(ctx context.Context, id string) (types.RunStatus, error)

	// RecoverableRuns returns non-terminal runs to re-watch after a
	// process restart
	RecoverableRuns(ctx context.Context) ([]*types.Run, error)

	// Prune removes terminal records older than the retention window and
	// returns how many were removed. Non-terminal records are never
	// pruned.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns statistics about store contents
	Stats(ctx context.Context) (*Stats, error)
}

// applyTransition mutates run in place for a validated status change.
// Callers hold the store's write lock and have already checked legality.
func applyTransition(run *types.Run, status types.RunStatus, resultSummary string) {
	now := time.Now()
	run.Status = status
	run.UpdatedAt = now

	if resultSummary != "" {
		run.ResultSummary = resultSummary
	}

	switch {
	case status == types.StatusActive:
		// A resumed run may have skipped Active entirely (fast runs can
		// go Pending -> Complete between polls), so both timestamps need
		// attention: record the first activation, and clear the
		// completion mark so the re-opened run is not terminal-stamped.
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.CompletedAt = nil
	case status.IsTerminal() && run.CompletedAt == nil:
		run.CompletedAt = &now
	}
}

// transitionError builds the integrity-violation error for an illegal
// status change.
func transitionError(id string, from, to types.RunStatus) error {
	return types.NewError(types.ErrInvalidTransition,
		"illegal status transition "+string(from)+" -> "+string(to)+" for run "+id)
}
