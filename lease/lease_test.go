package lease

import (
	"errors"
	"testing"
	"time"
)

func TestExpiredAndRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &Lease{ExpiresAt: now.Add(10 * time.Second)}
	if l.Expired(now) {
		t.Fatal("lease should not be expired yet")
	}
	if got := l.Remaining(now); got != 10*time.Second {
		t.Fatalf("remaining: %v", got)
	}
	if !l.Expired(now.Add(10 * time.Second)) {
		t.Fatal("lease should be expired exactly at ExpiresAt")
	}
	if got := l.Remaining(now.Add(time.Minute)); got != 0 {
		t.Fatalf("remaining past expiry should floor at zero, got %v", got)
	}

	var nilLease *Lease
	if !nilLease.Expired(now) {
		t.Fatal("nil lease counts as expired")
	}
	if nilLease.Remaining(now) != 0 {
		t.Fatal("nil lease has no remaining time")
	}
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := error(&ConflictError{
		Key:        "orders/1",
		Owner:      "rival",
		ExpiresAt:  time.Now().Add(time.Minute),
		RetryAfter: time.Minute,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatal("ConflictError must match ErrConflict")
	}
	if errors.Is(err, ErrLost) {
		t.Fatal("ConflictError must not match ErrLost")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Owner != "rival" {
		t.Fatalf("errors.As round trip failed: %+v", conflict)
	}
}

func TestLostErrorMatchesSentinel(t *testing.T) {
	err := error(&LostError{Key: "orders/1", Reason: "lease expired"})
	if !errors.Is(err, ErrLost) {
		t.Fatal("LostError must match ErrLost")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("LostError must not match ErrConflict")
	}
}
