package lease

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict indicates another contender holds an unexpired lease.
	// Recoverable by backing off and retrying Acquire.
	ErrConflict = errors.New("lease: already held")
	// ErrLost indicates a renew or release was attempted against a lease
	// that is no longer current for its key. Recoverable by re-acquiring.
	ErrLost = errors.New("lease: lost")
)

// ConflictError carries details about the competing holder. It matches
// ErrConflict under errors.Is.
type ConflictError struct {
	Key        string
	Owner      string
	ExpiresAt  time.Time
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lease: %q already held by %q", e.Key, e.Owner)
	}
	return fmt.Sprintf("lease: %q already held", e.Key)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// LostError explains why a lease stopped being current. It matches ErrLost
// under errors.Is.
type LostError struct {
	Key    string
	Reason string
}

func (e *LostError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("lease: %q lost: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("lease: %q lost", e.Key)
}

func (e *LostError) Is(target error) bool { return target == ErrLost }
