package s3

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/leased/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "leased-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		AccessKey:      "test",
		SecretKey:      "test",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestS3MetaLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	etag, err := store.StoreMeta(ctx, "alpha", &storage.Meta{FencingToken: 1}, "")
	if err != nil {
		t.Fatalf("store meta create: %v", err)
	}
	loaded, err := store.LoadMeta(ctx, "alpha")
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if loaded.Meta.FencingToken != 1 {
		t.Fatalf("expected fencing token 1, got %d", loaded.Meta.FencingToken)
	}
	if loaded.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, loaded.ETag)
	}

	newETag, err := store.StoreMeta(ctx, "alpha", &storage.Meta{FencingToken: 2}, etag)
	if err != nil {
		t.Fatalf("store meta update: %v", err)
	}
	if _, err := store.StoreMeta(ctx, "alpha", &storage.Meta{FencingToken: 3}, "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteMeta(ctx, "alpha", "wrong"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteMeta(ctx, "alpha", newETag); err != nil {
		t.Fatalf("delete meta: %v", err)
	}
	if _, err := store.LoadMeta(ctx, "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestS3ListKeys(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"orders/2", "orders/1", "billing/1"} {
		if _, err := store.StoreMeta(ctx, key, &storage.Meta{}, ""); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("expected sorted keys, got %v", keys)
		}
	}
}
