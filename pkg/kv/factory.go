package kv

import (
	"github.com/whaletrack-dev/api/pkg/logging"
	"go.uber.org/zap"
)

// NewStore creates the appropriate store for cached state and run history.
// If path is non-empty, uses the disk-backed leveldb store.
// Otherwise uses the in-memory store (state is lost on restart).
func NewStore(path string) Store {
	if path != "" {
		store, err := NewLevelDBStore(path)
		if err != nil {
			logging.Logger.Warn("Failed to open disk store, falling back to memory store",
				zap.String("path", path),
				zap.Error(err))
			return NewMemoryStore()
		}
		logging.Logger.Info("Initialized disk-backed store",
			zap.String("path", path))
		return store
	}

	logging.Logger.Info("Initialized in-memory store")
	return NewMemoryStore()
}
