// Package memory implements storage.Backend in process memory; intended
// for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/leased/internal/storage"
)

// Store keeps meta documents in a map guarded by a RWMutex. ETags are
// regenerated on every successful write.
type Store struct {
	mu    sync.RWMutex
	metas map[string]*metaEntry
}

type metaEntry struct {
	data *storage.Meta
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{metas: make(map[string]*metaEntry)}
}

func (s *Store) LoadMeta(ctx context.Context, key string) (storage.LoadMetaResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadMetaResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.metas[key]
	if !ok {
		return storage.LoadMetaResult{}, storage.ErrNotFound
	}
	return storage.LoadMetaResult{Meta: entry.data.Clone(), ETag: entry.etag}, nil
}

func (s *Store) StoreMeta(ctx context.Context, key string, meta *storage.Meta, expectedETag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.metas[key]
	switch {
	case expectedETag == "" && exists:
		return "", storage.ErrCASMismatch
	case expectedETag != "" && !exists:
		return "", storage.ErrCASMismatch
	case expectedETag != "" && entry.etag != expectedETag:
		return "", storage.ErrCASMismatch
	}
	etag := xid.New().String()
	s.metas[key] = &metaEntry{data: meta.Clone(), etag: etag}
	return etag, nil
}

func (s *Store) DeleteMeta(ctx context.Context, key string, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.metas[key]
	if !exists {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.metas, key)
	return nil
}

func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.metas))
	for key := range s.metas {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }
