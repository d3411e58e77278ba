package store

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a StateStore for the configured backend.
func New(config Config, logger *zap.Logger) (StateStore, error) {
	switch config.Backend {
	case BackendMemory, "":
		return NewMemoryStore(config, logger), nil
	case BackendFile:
		return NewFileStore(config, logger)
	case BackendSQLite:
		return NewGormStore(config, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", config.Backend)
	}
}
