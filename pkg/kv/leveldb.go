package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore is a disk-backed implementation of the Store interface.
// Used in production so cached state survives server restarts.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) a leveldb database at path
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}

	return &LevelDBStore{db: db}, nil
}

// Read retrieves a value by key
func (s *LevelDBStore) Read(ctx context.Context, key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leveldb read %q: %w", key, err)
	}
	return value, nil
}

// Write stores a value by key
func (s *LevelDBStore) Write(ctx context.Context, key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("leveldb write %q: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (s *LevelDBStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
