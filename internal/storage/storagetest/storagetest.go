// Package storagetest runs the conformance suite every storage backend
// must pass: CAS create/replace/delete semantics and key listing.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/leased/internal/storage"
)

// Run exercises backend against the shared CAS contract.
func Run(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := backend.LoadMeta(ctx, "conformance/missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateRequiresAbsence", func(t *testing.T) {
		key := "conformance/create"
		etag, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 1}, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if etag == "" {
			t.Fatalf("expected non-empty etag")
		}
		if _, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 2}, ""); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on blind create, got %v", err)
		}
	})

	t.Run("ReplaceRequiresMatchingETag", func(t *testing.T) {
		key := "conformance/replace"
		etag, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 1}, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 2}, "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on stale etag, got %v", err)
		}
		newETag, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 2}, etag)
		if err != nil {
			t.Fatalf("replace: %v", err)
		}
		if newETag == "" || newETag == etag {
			t.Fatalf("expected fresh etag, got %q (was %q)", newETag, etag)
		}
		loaded, err := backend.LoadMeta(ctx, key)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if loaded.Meta.FencingToken != 2 {
			t.Fatalf("expected fencing token 2, got %d", loaded.Meta.FencingToken)
		}
		if loaded.ETag != newETag {
			t.Fatalf("expected etag %q, got %q", newETag, loaded.ETag)
		}
	})

	t.Run("DeleteHonorsETag", func(t *testing.T) {
		key := "conformance/delete"
		etag, err := backend.StoreMeta(ctx, key, &storage.Meta{}, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := backend.DeleteMeta(ctx, key, "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on stale delete, got %v", err)
		}
		if err := backend.DeleteMeta(ctx, key, etag); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := backend.LoadMeta(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ListKeysSorted", func(t *testing.T) {
		for _, key := range []string{"conformance/list/b", "conformance/list/a"} {
			if _, err := backend.StoreMeta(ctx, key, &storage.Meta{}, ""); err != nil {
				t.Fatalf("seed %s: %v", key, err)
			}
		}
		keys, err := backend.ListKeys(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		seenA, seenB := -1, -1
		for i, key := range keys {
			switch key {
			case "conformance/list/a":
				seenA = i
			case "conformance/list/b":
				seenB = i
			}
		}
		if seenA < 0 || seenB < 0 {
			t.Fatalf("expected both seeded keys in %v", keys)
		}
		if seenA > seenB {
			t.Fatalf("expected lexical order, got a=%d b=%d", seenA, seenB)
		}
	})

	t.Run("ConcurrentCASSingleWinner", func(t *testing.T) {
		key := "conformance/race"
		etag, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: 1}, "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		const contenders = 8
		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(token int64) {
				defer wg.Done()
				if _, err := backend.StoreMeta(ctx, key, &storage.Meta{FencingToken: token}, etag); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(int64(i + 2))
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one CAS winner, got %d", wins)
		}
	})
}
