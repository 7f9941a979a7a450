// Package disk implements storage.Backend on a local filesystem. Meta
// documents are JSON files replaced atomically via temp-file rename; CAS
// is serialized by an in-process mutex, so a disk store must be owned by
// a single process at a time.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/leased/internal/storage"
)

// Config configures the disk store.
type Config struct {
	// Root is the directory holding meta documents. Created when absent.
	Root   string
	Logger pslog.Logger
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	mu      sync.Mutex
	root    string
	metaDir string
	tmpDir  string
	logger  pslog.Logger
}

type metaRecord struct {
	ETag string        `json:"etag"`
	Meta *storage.Meta `json:"meta"`
}

// New prepares the directory layout and returns a ready store.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	metaDir := filepath.Join(root, "meta")
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{metaDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: create %s: %w", dir, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		root:    root,
		metaDir: metaDir,
		tmpDir:  tmpDir,
		logger:  logger,
	}, nil
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.metaDir, url.PathEscape(key)+".json")
}

func (s *Store) LoadMeta(ctx context.Context, key string) (storage.LoadMetaResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadMetaResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readRecord(key)
	if err != nil {
		return storage.LoadMetaResult{}, err
	}
	return storage.LoadMetaResult{Meta: rec.Meta, ETag: rec.ETag}, nil
}

func (s *Store) StoreMeta(ctx context.Context, key string, meta *storage.Meta, expectedETag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readRecord(key)
	switch {
	case err == nil:
		if expectedETag == "" {
			return "", storage.ErrCASMismatch
		}
		if current.ETag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	case errors.Is(err, storage.ErrNotFound):
		if expectedETag != "" {
			return "", storage.ErrCASMismatch
		}
	default:
		return "", err
	}

	rec := metaRecord{ETag: xid.New().String(), Meta: meta.Clone()}
	if err := s.writeRecord(key, rec); err != nil {
		return "", err
	}
	s.logger.Trace("disk.store_meta", "key", key, "etag", rec.ETag)
	return rec.ETag, nil
}

func (s *Store) DeleteMeta(ctx context.Context, key string, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readRecord(key)
	if err != nil {
		return err
	}
	if expectedETag != "" && rec.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(s.metaPath(key)); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: remove meta: %w", err))
	}
	return nil
}

func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: read meta dir: %w", err))
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) readRecord(key string) (metaRecord, error) {
	payload, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return metaRecord{}, storage.ErrNotFound
		}
		return metaRecord{}, storage.NewTransientError(fmt.Errorf("disk: read meta: %w", err))
	}
	var rec metaRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return metaRecord{}, fmt.Errorf("disk: decode meta %s: %w", key, err)
	}
	return rec, nil
}

func (s *Store) writeRecord(key string, rec metaRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disk: encode meta: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "leased-meta-*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: sync temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close temp: %w", err))
	}
	if err := os.Rename(tmpName, s.metaPath(key)); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename meta: %w", err))
	}
	return nil
}
