package azure

import (
	"strings"
	"testing"
)

func TestNewRequiresAccountAndContainer(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected error without account")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected error without container")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestMetaBlobPaths(t *testing.T) {
	store := &Store{container: "leases", prefix: "prod"}
	got := store.metaBlob("tenant/orders/1")
	if !strings.HasPrefix(got, "prod/meta/") {
		t.Fatalf("expected prefixed blob name, got %q", got)
	}
	if strings.Contains(strings.TrimPrefix(got, "prod/meta/"), "/") {
		t.Fatalf("expected escaped key segment, got %q", got)
	}

	bare := &Store{container: "leases"}
	if got := bare.metaBlob("k"); got != "meta/k.json" {
		t.Fatalf("expected meta/k.json, got %q", got)
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(got, "sv=1") || strings.Contains(got, "??") {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net?existing=1", "sv=2")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(got, "existing=1&sv=2") {
		t.Fatalf("expected merged query, got %q", got)
	}
}
