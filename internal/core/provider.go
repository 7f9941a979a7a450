// Package core implements lease.Provider on top of a storage.Backend. All
// mutual exclusion derives from the backend's conditional meta writes; the
// provider itself holds no lease state beyond a per-key creation mutex.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/leased/internal/clock"
	"pkt.systems/leased/internal/correlation"
	"pkt.systems/leased/internal/storage"
	"pkt.systems/leased/lease"
)

// Config assembles a store-backed provider.
type Config struct {
	Store storage.Backend
	// Owner identifies this contender on every acquired lease. Generated
	// when empty.
	Owner string
	// DefaultTTL applies when Acquire is called with a non-positive hold.
	DefaultTTL time.Duration
	// MaxTTL caps caller-supplied hold durations when positive.
	MaxTTL time.Duration
	// RenewExtension is the duration Renew extends a lease by. Defaults
	// to DefaultTTL.
	RenewExtension time.Duration
	// AcquireBlock bounds how long Acquire waits behind a held lease
	// before giving up with ErrConflict. Zero fails fast.
	AcquireBlock time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Provider implements lease.Provider against a storage backend.
type Provider struct {
	store          storage.Backend
	owner          string
	defaultTTL     time.Duration
	maxTTL         time.Duration
	renewExtension time.Duration
	acquireBlock   time.Duration
	clock          clock.Clock
	logger         pslog.Logger

	createLocks sync.Map
}

const defaultTTLFallback = 30 * time.Second

// New constructs a Provider with sane defaults.
func New(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("core: storage backend required")
	}
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		owner = "leased-" + uuid.NewString()
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = defaultTTLFallback
	}
	renewExtension := cfg.RenewExtension
	if renewExtension <= 0 {
		renewExtension = defaultTTL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Provider{
		store:          cfg.Store,
		owner:          owner,
		defaultTTL:     defaultTTL,
		maxTTL:         cfg.MaxTTL,
		renewExtension: renewExtension,
		acquireBlock:   cfg.AcquireBlock,
		clock:          clk,
		logger:         logger,
	}, nil
}

// Owner returns the contender identity stamped on acquired leases.
func (p *Provider) Owner() string { return p.owner }

// Acquire obtains an exclusive lease on key for the hold duration.
func (p *Provider) Acquire(ctx context.Context, key string, hold time.Duration) (*lease.Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: key required")
	}
	ttl := p.resolveTTL(hold)
	logger := p.loggerFrom(ctx)
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate())
	}

	logger.Debug("lease.acquire.begin",
		"key", key,
		"owner", p.owner,
		"ttl", ttl,
		"block", p.acquireBlock,
		"cid", correlation.ID(ctx),
	)

	var deadline time.Time
	if p.acquireBlock > 0 {
		deadline = p.clock.Now().Add(p.acquireBlock)
	}
	leaseID := uuid.NewString()
	backoff := newAcquireBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := p.clock.Now()
		meta, metaETag, err := p.ensureMeta(ctx, key)
		if err != nil {
			return nil, err
		}
		var creationMu *sync.Mutex
		if metaETag == "" {
			creationMu = p.creationMutex(key)
			creationMu.Lock()
		}
		if meta.Lease != nil && meta.Lease.ExpiresAtUnix <= now.Unix() {
			meta.Lease = nil
		}
		if meta.Lease != nil {
			holder := meta.Lease.Owner
			expiresAt := time.Unix(meta.Lease.ExpiresAtUnix, 0).UTC()
			if creationMu != nil {
				creationMu.Unlock()
			}
			if !deadline.IsZero() && now.Before(deadline) {
				limit := expiresAt.Sub(now)
				if remaining := deadline.Sub(now); remaining > 0 && (limit <= 0 || remaining < limit) {
					limit = remaining
				}
				if err := p.sleep(ctx, backoff.Next(limit)); err != nil {
					return nil, err
				}
				continue
			}
			retry := expiresAt.Sub(now)
			if retry < 0 {
				retry = 0
			}
			logger.Debug("lease.acquire.conflict",
				"key", key,
				"holder", holder,
				"expires_at", expiresAt,
			)
			return nil, &lease.ConflictError{
				Key:        key,
				Owner:      holder,
				ExpiresAt:  expiresAt,
				RetryAfter: retry,
			}
		}

		expiresAt := now.Add(ttl)
		newFencing := meta.FencingToken + 1
		meta.FencingToken = newFencing
		meta.Lease = &storage.LeaseRecord{
			ID:            leaseID,
			Owner:         p.owner,
			ExpiresAtUnix: expiresAt.Unix(),
			FencingToken:  newFencing,
		}
		meta.UpdatedAtUnix = now.Unix()

		newETag, err := p.store.StoreMeta(ctx, key, meta, metaETag)
		if creationMu != nil {
			creationMu.Unlock()
		}
		if err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store meta: %w", err)
		}
		logger.Info("lease.acquire.success",
			"key", key,
			"owner", p.owner,
			"fencing", newFencing,
			"expires_at", expiresAt,
		)
		return &lease.Lease{
			Key:          key,
			ID:           leaseID,
			Owner:        p.owner,
			FencingToken: newFencing,
			ExpiresAt:    expiresAt,
			Version:      newETag,
		}, nil
	}
}

// Renew extends the lease by the configured renew extension.
func (p *Provider) Renew(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	if l == nil || strings.TrimSpace(l.Key) == "" || l.ID == "" {
		return nil, fmt.Errorf("core: lease with key and id required")
	}
	logger := p.loggerFrom(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := p.clock.Now()
		meta, metaETag, err := p.loadMeta(ctx, l.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &lease.LostError{Key: l.Key, Reason: "lease record gone"}
			}
			return nil, err
		}
		if err := validateLease(meta, l, now); err != nil {
			return nil, err
		}
		expiresAt := now.Add(p.renewExtension)
		meta.Lease.ExpiresAtUnix = expiresAt.Unix()
		meta.UpdatedAtUnix = now.Unix()

		newETag, err := p.store.StoreMeta(ctx, l.Key, meta, metaETag)
		if err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store meta: %w", err)
		}
		logger.Debug("lease.renew.success",
			"key", l.Key,
			"fencing", l.FencingToken,
			"expires_at", expiresAt,
		)
		renewed := *l
		renewed.ExpiresAt = expiresAt
		renewed.Version = newETag
		return &renewed, nil
	}
}

// Release relinquishes ownership before expiry. Releasing an expired lease
// that nobody reacquired is a no-op success.
func (p *Provider) Release(ctx context.Context, l *lease.Lease) error {
	if l == nil || strings.TrimSpace(l.Key) == "" || l.ID == "" {
		return fmt.Errorf("core: lease with key and id required")
	}
	logger := p.loggerFrom(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := p.clock.Now()
		meta, metaETag, err := p.loadMeta(ctx, l.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if meta.Lease == nil {
			return nil
		}
		if meta.Lease.ID != l.ID {
			return &lease.LostError{Key: l.Key, Reason: "reacquired by another contender"}
		}
		meta.Lease = nil
		meta.UpdatedAtUnix = now.Unix()
		if _, err := p.store.StoreMeta(ctx, l.Key, meta, metaETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return fmt.Errorf("store meta: %w", err)
		}
		logger.Info("lease.release.success", "key", l.Key, "fencing", l.FencingToken)
		return nil
	}
}

// Break force-expires whatever lease currently covers key. Unknown keys
// are a no-op success.
func (p *Provider) Break(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("core: key required")
	}
	logger := p.loggerFrom(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := p.clock.Now()
		meta, metaETag, err := p.loadMeta(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if meta.Lease == nil {
			return nil
		}
		holder := meta.Lease.Owner
		meta.Lease = nil
		meta.UpdatedAtUnix = now.Unix()
		if _, err := p.store.StoreMeta(ctx, key, meta, metaETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return fmt.Errorf("store meta: %w", err)
		}
		logger.Warn("lease.break", "key", key, "previous_holder", holder)
		return nil
	}
}

func (p *Provider) resolveTTL(hold time.Duration) time.Duration {
	if hold <= 0 {
		return p.defaultTTL
	}
	if p.maxTTL > 0 && hold > p.maxTTL {
		return p.maxTTL
	}
	return hold
}

func (p *Provider) loggerFrom(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return p.logger
}

func (p *Provider) creationMutex(key string) *sync.Mutex {
	mu, _ := p.createLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Provider) ensureMeta(ctx context.Context, key string) (*storage.Meta, string, error) {
	meta, etag, err := p.loadMeta(ctx, key)
	if err == nil {
		return meta, etag, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.Meta{}, "", nil
	}
	return nil, "", err
}

func (p *Provider) loadMeta(ctx context.Context, key string) (*storage.Meta, string, error) {
	result, err := p.store.LoadMeta(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("load meta: %w", err)
	}
	return result.Meta, result.ETag, nil
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}

// acquire backoff
const (
	acquireBackoffStart      = 100 * time.Millisecond
	acquireBackoffMax        = 2 * time.Second
	acquireBackoffMin        = 50 * time.Millisecond
	acquireBackoffMultiplier = 1.5
	acquireBackoffJitter     = 25 * time.Millisecond
)

type acquireBackoff struct {
	next time.Duration
}

func newAcquireBackoff() *acquireBackoff {
	return &acquireBackoff{next: acquireBackoffStart}
}

func (b *acquireBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next)*acquireBackoffMultiplier + float64(acquireBackoffJitter))
	if b.next > acquireBackoffMax {
		b.next = acquireBackoffMax
	}
	if b.next < acquireBackoffMin {
		b.next = acquireBackoffMin
	}
	return sleep
}
