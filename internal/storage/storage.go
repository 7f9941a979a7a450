// Package storage defines the compare-and-swap metadata contract shared by
// all lease backends. A backend persists one small meta document per
// resource key and must offer conditional writes on an opaque ETag; that
// single primitive carries the whole mutual-exclusion guarantee.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested key has no meta document.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates the conditional write lost to a concurrent
	// writer. Callers reload and retry.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// Meta is the per-key document backends persist. FencingToken survives
// lease churn so successive acquisitions of the same key always observe
// and increment the latest issued token.
type Meta struct {
	Lease         *LeaseRecord `json:"lease,omitempty"`
	FencingToken  int64        `json:"fencing_token,omitempty"`
	UpdatedAtUnix int64        `json:"updated_at_unix,omitempty"`
}

// LeaseRecord captures the backend-side view of an active lease.
type LeaseRecord struct {
	ID            string `json:"lease_id"`
	Owner         string `json:"owner"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
	FencingToken  int64  `json:"fencing_token,omitempty"`
}

// Clone returns a deep copy so CAS retry loops can mutate freely.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Lease != nil {
		lease := *m.Lease
		clone.Lease = &lease
	}
	return &clone
}

// LoadMetaResult pairs a meta document with its opaque ETag.
type LoadMetaResult struct {
	Meta *Meta
	ETag string
}

// Backend is the storage contract the lease core builds on. Implementations
// must make StoreMeta atomic with respect to concurrent writers: a write
// conditioned on a stale ETag fails with ErrCASMismatch, and an empty
// expectedETag creates the document only when none exists.
type Backend interface {
	// LoadMeta returns the current meta document and its ETag, or
	// ErrNotFound when the key has never been written.
	LoadMeta(ctx context.Context, key string) (LoadMetaResult, error)
	// StoreMeta atomically replaces the document when the stored ETag
	// matches expectedETag and returns the new ETag.
	StoreMeta(ctx context.Context, key string, meta *Meta, expectedETag string) (newETag string, err error)
	// DeleteMeta removes the document, optionally conditioned on ETag.
	DeleteMeta(ctx context.Context, key string, expectedETag string) error
	// ListKeys enumerates all known keys in ascending lexical order.
	ListKeys(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
