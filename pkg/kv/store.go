package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store is a minimal key/value contract over the persistence backend.
// Read and Write are atomic per key; callers needing read-modify-write
// atomicity across a key serialize above this interface.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
