// Package lease defines the provider contract for distributed
// mutual-exclusion leases: time-bounded exclusive ownership grants over
// named resources, fenced by a monotonically increasing token.
package lease

import (
	"context"
	"time"
)

// Lease is a read-mostly snapshot of an exclusive ownership grant. The
// backend remains the source of truth; a holder learns about expiry or
// takeover through a failed Renew or Release.
type Lease struct {
	// Key identifies the contended resource.
	Key string `json:"key"`
	// ID uniquely identifies this grant.
	ID string `json:"lease_id"`
	// Owner is the opaque identity of the holder.
	Owner string `json:"owner"`
	// FencingToken strictly increases across successful acquisitions of
	// the same key and is never reused. Downstream systems use it to
	// reject writes from stale holders.
	FencingToken int64 `json:"fencing_token"`
	// ExpiresAt is the absolute instant after which the lease is
	// abandoned and eligible for takeover.
	ExpiresAt time.Time `json:"expires_at"`
	// Version is the backend concurrency token the provider uses for
	// optimistic compare-and-swap on Renew and Release. Opaque.
	Version string `json:"version,omitempty"`
}

// Expired reports whether the lease snapshot has passed its expiry as of
// now. A false result does not prove ownership; only the backend does.
func (l *Lease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	return !l.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry as of now, floored at zero.
func (l *Lease) Remaining(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	if rem := l.ExpiresAt.Sub(now); rem > 0 {
		return rem
	}
	return 0
}

// Provider grants, extends and relinquishes leases. Implementations must
// rely on an atomic backend operation (compare-and-swap on Version) so
// that at most one unexpired lease exists per key at any instant. All
// operations honor ctx cancellation.
type Provider interface {
	// Acquire obtains an exclusive lease on key for the hold duration.
	// It fails with ErrConflict while another contender holds an
	// unexpired lease.
	Acquire(ctx context.Context, key string, hold time.Duration) (*Lease, error)

	// Renew extends the lease by the provider-configured duration,
	// conditioned on the lease version still matching the backend
	// record. It fails with ErrLost once the lease expired or was taken
	// over; the caller must re-acquire rather than assume continuity.
	Renew(ctx context.Context, lease *Lease) (*Lease, error)

	// Release relinquishes ownership before expiry. Releasing an
	// already-expired lease is a no-op success; releasing after another
	// contender acquired a newer fencing token fails with ErrLost.
	Release(ctx context.Context, lease *Lease) error

	// Break force-expires whatever lease currently covers key,
	// regardless of holder. Administrative recovery; succeeds whenever
	// the backend is reachable, including for unknown keys.
	Break(ctx context.Context, key string) error
}
