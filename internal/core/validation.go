package core

import (
	"time"

	"pkt.systems/leased/internal/storage"
	"pkt.systems/leased/lease"
)

// validateLease checks that l is still the current lease in meta as of now.
func validateLease(meta *storage.Meta, l *lease.Lease, now time.Time) error {
	if meta.Lease == nil {
		return &lease.LostError{Key: l.Key, Reason: "lease released or expired"}
	}
	if meta.Lease.ID != l.ID {
		return &lease.LostError{Key: l.Key, Reason: "reacquired by another contender"}
	}
	if meta.Lease.ExpiresAtUnix < now.Unix() {
		return &lease.LostError{Key: l.Key, Reason: "lease expired"}
	}
	if meta.Lease.FencingToken != l.FencingToken {
		return &lease.LostError{Key: l.Key, Reason: "fencing token mismatch"}
	}
	return nil
}
