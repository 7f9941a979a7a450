// Package retry decorates a storage.Backend with bounded retries of
// transient errors. CAS mismatches and not-found results are returned
// immediately; only errors marked via storage.NewTransientError retry.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leased/internal/clock"
	"pkt.systems/leased/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadMeta(ctx context.Context, key string) (storage.LoadMetaResult, error) {
	var result storage.LoadMetaResult
	err := b.withRetry(ctx, "load_meta", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.LoadMeta(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) StoreMeta(ctx context.Context, key string, meta *storage.Meta, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_meta", key, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreMeta(ctx, key, meta, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) DeleteMeta(ctx context.Context, key string, expectedETag string) error {
	return b.withRetry(ctx, "delete_meta", key, func(ctx context.Context) error {
		return b.inner.DeleteMeta(ctx, key, expectedETag)
	})
}

func (b *backend) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "list_keys", "", func(ctx context.Context) error {
		var err error
		keys, err = b.inner.ListKeys(ctx)
		return err
	})
	return keys, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
