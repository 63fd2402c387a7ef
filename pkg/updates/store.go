package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/whaletrack-dev/api/pkg/kv"
	"github.com/whaletrack-dev/api/pkg/logging"
	"go.uber.org/zap"
)

// ErrEntryNotFound is returned by Get when no entry exists for a key
var ErrEntryNotFound = errors.New("cache entry not found")

// Store holds the last known good snapshot per key, persisted through the
// key/value store.
//
// The merge/replace distinction is the store's contract, not caller
// discipline: Merge can never erase registry-derived state for items
// outside the incoming snapshot's scope, and Replace is only for full,
// unscoped refreshes. Read-modify-write cycles are serialized per key.
type Store struct {
	store kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a cache store over the given key/value backend
func NewStore(store kv.Store) *Store {
	return &Store{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func cacheKey(key string) string {
	return "cache:" + key
}

// Get returns the entry for a key, or ErrEntryNotFound
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.store.Read(ctx, cacheKey(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, nil
}

// Merge folds a partial snapshot into the existing entry.
//
// Items present in the partial snapshot overwrite the prior item's identity
// and topology fields; their registry-derived fields (latest digest/tag)
// are only overwritten when the partial actually carries them. Items in an
// environment the partial covers but absent from it are dropped (the
// container no longer exists there). Items outside the covered
// environments are left untouched, registry-derived state included.
// Metadata is patched field by field.
func (s *Store) Merge(ctx context.Context, key string, partial Snapshot, patch MetadataPatch) (*Entry, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	prior, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	if prior == nil {
		prior = &Entry{Key: key, Snapshot: Snapshot{UnusedImages: map[string]int{}}}
	}

	merged := mergeSnapshots(prior.Snapshot, partial)

	// A partial merge cannot repair items it does not cover, so an entry
	// that needs backfill stays at its prior schema version until a refresh
	// reaches every cached environment
	version := SchemaVersion
	if prior.SchemaVersion != 0 && prior.NeedsBackfill() && !partial.coversAllOf(prior.Snapshot) {
		version = prior.SchemaVersion
	}

	entry := &Entry{
		Key:           key,
		Snapshot:      merged,
		Metadata:      applyPatch(prior.Metadata, patch),
		SchemaVersion: version,
	}

	if err := s.put(ctx, key, entry); err != nil {
		return nil, err
	}

	logging.Logger.Debug("Merged cache entry",
		zap.String("key", key),
		zap.Strings("environments", partial.Environments),
		zap.Int("items", len(merged.Containers)))
	return entry, nil
}

// Replace overwrites the whole entry. Only valid after a full, unscoped
// refresh.
func (s *Store) Replace(ctx context.Context, key string, snapshot Snapshot, metadata Metadata) (*Entry, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entry := &Entry{
		Key:           key,
		Snapshot:      snapshot,
		Metadata:      metadata,
		SchemaVersion: SchemaVersion,
	}
	if err := s.put(ctx, key, entry); err != nil {
		return nil, err
	}

	logging.Logger.Debug("Replaced cache entry",
		zap.String("key", key),
		zap.Int("items", len(snapshot.Containers)))
	return entry, nil
}

// Clear removes the entry for a key
func (s *Store) Clear(ctx context.Context, key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return s.store.Delete(ctx, cacheKey(key))
}

func (s *Store) put(ctx context.Context, key string, entry *Entry) error {
	// Cleared markers exist only to defeat merge inheritance; they are
	// persisted and served as empty
	for i := range entry.Snapshot.Containers {
		c := &entry.Snapshot.Containers[i]
		if c.LatestDigest == Cleared {
			c.LatestDigest = ""
		}
		if c.LatestTag == Cleared {
			c.LatestTag = ""
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.store.Write(ctx, cacheKey(key), data); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func mergeSnapshots(prior, partial Snapshot) Snapshot {
	priorByID := make(map[string]Container, len(prior.Containers))
	for _, c := range prior.Containers {
		priorByID[c.ID] = c
	}

	merged := Snapshot{
		UnusedImages: map[string]int{},
	}

	// Items the partial carries win, keeping prior registry fields when the
	// partial has none
	seen := make(map[string]bool, len(partial.Containers))
	for _, c := range partial.Containers {
		if old, ok := priorByID[c.ID]; ok {
			if c.LatestDigest == "" {
				c.LatestDigest = old.LatestDigest
			}
			if c.LatestTag == "" {
				c.LatestTag = old.LatestTag
			}
			if c.LocalDigest == "" {
				c.LocalDigest = old.LocalDigest
			}
		}
		merged.Containers = append(merged.Containers, c)
		seen[c.ID] = true
	}

	// Prior items outside the partial's scope survive untouched; items
	// inside the scope but not listed are gone from the engine and drop out
	for _, c := range prior.Containers {
		if seen[c.ID] {
			continue
		}
		if partial.covers(c.Environment) {
			continue
		}
		merged.Containers = append(merged.Containers, c)
	}

	// Stacks and unused counts are authoritative per environment
	for _, st := range prior.Stacks {
		if !partial.covers(st.Environment) {
			merged.Stacks = append(merged.Stacks, st)
		}
	}
	merged.Stacks = append(merged.Stacks, partial.Stacks...)

	for env, count := range prior.UnusedImages {
		if !partial.covers(env) {
			merged.UnusedImages[env] = count
		}
	}
	for env, count := range partial.UnusedImages {
		merged.UnusedImages[env] = count
	}

	merged.Environments = unionEnvironments(prior.Environments, partial.Environments)
	return merged
}

func applyPatch(metadata Metadata, patch MetadataPatch) Metadata {
	if patch.LastContainerRefresh != nil {
		metadata.LastContainerRefresh = *patch.LastContainerRefresh
	}
	if patch.LastRegistryRefresh != nil {
		metadata.LastRegistryRefresh = patch.LastRegistryRefresh
	}
	return metadata
}

func unionEnvironments(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, envs := range [][]string{a, b} {
		for _, env := range envs {
			if !seen[env] {
				seen[env] = true
				out = append(out, env)
			}
		}
	}
	return out
}
