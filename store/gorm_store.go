package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentrun/types"
)

// runRecord is the GORM model for a run. Metadata is stored as a JSON
// blob; filtering on it happens in memory after the fetch.
type runRecord struct {
	ID             string `gorm:"primaryKey"`
	OrchestratorID string `gorm:"index"`
	Status         string `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ResultSummary  string
	Metadata       string
}

func (runRecord) TableName() string { return "runs" }

// orchestratorRecord is the GORM model for an orchestrator. ChildRunIDs
// is stored as an ordered JSON array.
type orchestratorRecord struct {
	ID          string `gorm:"primaryKey"`
	ChildRunIDs string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (orchestratorRecord) TableName() string { return "orchestrators" }

func toRunRecord(run *types.Run) (*runRecord, error) {
	meta := "{}"
	if len(run.Metadata) > 0 {
		b, err := json.Marshal(run.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	return &runRecord{
		ID:             run.ID,
		OrchestratorID: run.OrchestratorID,
		Status:         string(run.Status),
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		ResultSummary:  run.ResultSummary,
		Metadata:       meta,
	}, nil
}

func (r *runRecord) toRun() (*types.Run, error) {
	run := &types.Run{
		ID:             r.ID,
		OrchestratorID: r.OrchestratorID,
		Status:         types.RunStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		ResultSummary:  r.ResultSummary,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &run.Metadata); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (r *orchestratorRecord) toOrchestrator() (*types.Orchestrator, error) {
	orc := &types.Orchestrator{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ChildRunIDs != "" {
		if err := json.Unmarshal([]byte(r.ChildRunIDs), &orc.ChildRunIDs); err != nil {
			return nil, err
		}
	}
	return orc, nil
}

// GormStore is a StateStore backed by an embedded SQLite database via
// GORM. State survives restarts without re-querying the remote service;
// SQLite's write serialization plus per-update transactions give the
// single-writer discipline.
type GormStore struct {
	db     *gorm.DB
	config Config
	logger *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewGormStore opens (or creates) the SQLite database and migrates the
// schema.
func NewGormStore(config Config, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := config.SQLitePath
	if path == "" {
		path = DefaultConfig().SQLitePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.AutoMigrate(&runRecord{}, &orchestratorRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state schema: %w", err)
	}

	s := &GormStore{
		db:          db,
		config:      config,
		logger:      logger.With(zap.String("component", "state_store_sqlite")),
		stopCleanup: make(chan struct{}),
	}
	if config.Cleanup.Enabled {
		go s.cleanupLoop(config.Cleanup.Interval)
	}
	return s, nil
}

// Close closes the underlying database. Safe to call more than once;
// the defer-plus-shutdown-path combination does exactly that.
func (s *GormStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterRun persists a newly created run.
func (s *GormStore) RegisterRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
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

	rec, err := toRunRecord(record)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	if err != nil {
		// SQLite reports duplicates as a constraint failure, not always
		// as gorm.ErrDuplicatedKey.
		var existing runRecord
		if s.db.WithContext(ctx).First(&existing, "id = ?", record.ID).Error == nil {
			return ErrAlreadyExists
		}
	}
	return err
}

// UpdateStatus moves a run along the state machine inside a transaction.
func (s *GormStore) UpdateStatus(ctx context.Context, id string, status types.RunStatus, resultSummary string) error {
	if !status.Valid() {
		return ErrInvalidInput
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec runRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		run, err := rec.toRun()
		if err != nil {
			return err
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
		updated, err := toRunRecord(run)
		if err != nil {
			return err
		}
		return tx.Save(updated).Error
	})
}

// Get retrieves a run by id.
func (s *GormStore) Get(ctx context.Context, id string) (*types.Run, error) {
	var rec runRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toRun()
}

// All returns every known run.
func (s *GormStore) All(ctx context.Context) ([]*types.Run, error) {
	return s.List(ctx, RunFilter{})
}

// List returns runs matching the filter, newest first. Status and
// orchestrator narrowing happens in SQL; metadata filters in memory.
func (s *GormStore) List(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	q := s.db.WithContext(ctx).Model(&runRecord{}).Order("created_at DESC")

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.OrchestratorID != "" {
		q = q.Where("orchestrator_id = ?", filter.OrchestratorID)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}

	var records []runRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}

	result := make([]*types.Run, 0, len(records))
	for i := range records {
		run, err := records[i].toRun()
		if err != nil {
			return nil, err
		}
		if filter.Repo != "" && run.Metadata["repo"] != filter.Repo {
			continue
		}
		result = append(result, run)
	}

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
func (s *GormStore) LinkChild(ctx context.Context, orchestratorID, childID string) error {
	if orchestratorID == "" || childID == "" {
		return ErrInvalidInput
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var childRec runRecord
		if err := tx.First(&childRec, "id = ?", childID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if childRec.OrchestratorID != "" && childRec.OrchestratorID != orchestratorID {
			return ErrAlreadyLinked
		}

		now := time.Now()
		var orcRec orchestratorRecord
		err := tx.First(&orcRec, "id = ?", orchestratorID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			orcRec = orchestratorRecord{ID: orchestratorID, CreatedAt: now}
		case err != nil:
			return err
		}

		orc, err := orcRec.toOrchestrator()
		if err != nil {
			return err
		}
		if orc.HasChild(childID) {
			return nil // idempotent re-link
		}

		orc.ChildRunIDs = append(orc.ChildRunIDs, childID)
		children, err := json.Marshal(orc.ChildRunIDs)
		if err != nil {
			return err
		}
		orcRec.ChildRunIDs = string(children)
		orcRec.UpdatedAt = now
		if err := tx.Save(&orcRec).Error; err != nil {
			return err
		}

		childRec.OrchestratorID = orchestratorID
		childRec.UpdatedAt = now
		return tx.Save(&childRec).Error
	})
}

// GetOrchestrator retrieves an orchestrator by id.
func (s *GormStore) GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error) {
	var rec orchestratorRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toOrchestrator()
}

// OrchestratorStatus derives the aggregate status of the children.
func (s *GormStore) OrchestratorStatus(ctx context.Context, id string) (types.RunStatus, error) {
	orc, err := s.GetOrchestrator(ctx, id)
	if err != nil {
		return "", err
	}

	var records []runRecord
	if len(orc.ChildRunIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("id IN ?", orc.ChildRunIDs).Find(&records).Error; err != nil {
			return "", err
		}
	}
	statuses := make([]types.RunStatus, 0, len(records))
	for i := range records {
		statuses = append(statuses, types.RunStatus(records[i].Status))
	}
	return types.AggregateStatus(statuses), nil
}

// RecoverableRuns returns non-terminal runs, oldest first.
func (s *GormStore) RecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	var records []runRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(types.StatusPending), string(types.StatusActive)}).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	result := make([]*types.Run, 0, len(records))
	for i := range records {
		run, err := records[i].toRun()
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, nil
}

// Prune removes terminal records older than the retention window.
func (s *GormStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(types.StatusComplete),
			string(types.StatusError),
			string(types.StatusCancelled),
		}).
		Where("updated_at < ?", cutoff).
		Delete(&runRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Stats returns statistics about store contents.
func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{StatusCounts: make(map[types.RunStatus]int64)}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&runRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.StatusCounts[types.RunStatus(c.Status)] = c.Count
		stats.TotalRuns += c.Count
	}

	if err := s.db.WithContext(ctx).Model(&orchestratorRecord{}).Count(&stats.Orchestrators).Error; err != nil {
		return nil, err
	}

	var oldest runRecord
	err = s.db.WithContext(ctx).
		Where("status = ?", string(types.StatusPending)).
		Order("created_at ASC").
		First(&oldest).Error
	if err == nil {
		stats.OldestPendingAge = time.Since(oldest.CreatedAt)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return stats, nil
}

// cleanupLoop runs periodic pruning.
func (s *GormStore) cleanupLoop(interval time.Duration) {
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

var _ StateStore = (*GormStore)(nil)
