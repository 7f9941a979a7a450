package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"pkt.systems/leased/internal/clock"
	"pkt.systems/leased/internal/storage/memory"
	"pkt.systems/leased/lease"
)

func newTestProvider(t *testing.T, clk clock.Clock) *Provider {
	t.Helper()
	provider, err := New(Config{
		Store:      memory.New(),
		Owner:      "owner-test",
		DefaultTTL: 30 * time.Second,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestAcquireReleaseCycleIncrementsFencing(t *testing.T) {
	ctx := context.Background()
	provider := newTestProvider(t, nil)

	var last int64
	for i := 0; i < 5; i++ {
		l, err := provider.Acquire(ctx, "orders/1", 30*time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if l.FencingToken <= last {
			t.Fatalf("fencing token not increasing: %d after %d", l.FencingToken, last)
		}
		last = l.FencingToken
		if err := provider.Release(ctx, l); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if last != 5 {
		t.Fatalf("expected 5 acquisitions to reach token 5, got %d", last)
	}
}

func TestAcquireConflictWhileHeld(t *testing.T) {
	ctx := context.Background()
	provider := newTestProvider(t, nil)

	held, err := provider.Acquire(ctx, "orders/2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = provider.Acquire(ctx, "orders/2", time.Minute)
	if !errors.Is(err, lease.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *lease.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T", err)
	}
	if conflict.Owner != held.Owner {
		t.Fatalf("expected holder %q, got %q", held.Owner, conflict.Owner)
	}
	if conflict.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", conflict.RetryAfter)
	}
}

func TestAcquireAfterExpiryTakesOver(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	provider := newTestProvider(t, clk)

	first, err := provider.Acquire(ctx, "orders/3", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(11 * time.Second)

	second, err := provider.Acquire(ctx, "orders/3", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if second.FencingToken != first.FencingToken+1 {
		t.Fatalf("expected fencing %d, got %d", first.FencingToken+1, second.FencingToken)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	provider, err := New(Config{
		Store:          memory.New(),
		DefaultTTL:     10 * time.Second,
		RenewExtension: 20 * time.Second,
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	l, err := provider.Acquire(ctx, "orders/4", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(5 * time.Second)
	renewed, err := provider.Renew(ctx, l)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	want := clk.Now().Add(20 * time.Second)
	if !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, renewed.ExpiresAt)
	}
	if renewed.FencingToken != l.FencingToken {
		t.Fatalf("renew must not change fencing token: %d vs %d", renewed.FencingToken, l.FencingToken)
	}
	if renewed.Version == l.Version {
		t.Fatalf("expected version to advance on renew")
	}
}

func TestRenewAfterExpiryFailsLost(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	provider := newTestProvider(t, clk)

	l, err := provider.Acquire(ctx, "orders/5", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := provider.Renew(ctx, l); !errors.Is(err, lease.ErrLost) {
		t.Fatalf("expected ErrLost after expiry, got %v", err)
	}
}

func TestRenewAfterBreakFailsLost(t *testing.T) {
	ctx := context.Background()
	provider := newTestProvider(t, nil)

	l, err := provider.Acquire(ctx, "orders/6", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := provider.Break(ctx, "orders/6"); err != nil {
		t.Fatalf("break: %v", err)
	}
	if _, err := provider.Renew(ctx, l); !errors.Is(err, lease.ErrLost) {
		t.Fatalf("expected ErrLost after break, got %v", err)
	}
}

func TestReleaseExpiredIsNoopSuccess(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	provider := newTestProvider(t, clk)

	l, err := provider.Acquire(ctx, "orders/7", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(time.Minute)
	if err := provider.Release(ctx, l); err != nil {
		t.Fatalf("expected no-op success releasing expired lease, got %v", err)
	}
}

func TestReleaseAfterTakeoverFailsLost(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New()
	provider, err := New(Config{Store: store, Owner: "owner-a", DefaultTTL: 10 * time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	rival, err := New(Config{Store: store, Owner: "owner-b", DefaultTTL: 10 * time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("new rival: %v", err)
	}

	stale, err := provider.Acquire(ctx, "orders/8", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(11 * time.Second)
	fresh, err := rival.Acquire(ctx, "orders/8", 10*time.Second)
	if err != nil {
		t.Fatalf("rival acquire: %v", err)
	}
	if fresh.FencingToken <= stale.FencingToken {
		t.Fatalf("expected rival token above %d, got %d", stale.FencingToken, fresh.FencingToken)
	}
	if err := provider.Release(ctx, stale); !errors.Is(err, lease.ErrLost) {
		t.Fatalf("expected ErrLost releasing taken-over lease, got %v", err)
	}
	if err := rival.Release(ctx, fresh); err != nil {
		t.Fatalf("rival release: %v", err)
	}
}

func TestBreakUnknownKeySucceeds(t *testing.T) {
	provider := newTestProvider(t, nil)
	if err := provider.Break(context.Background(), "never/acquired"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestAcquireContentionSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	const contenders = 16
	var winners int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			provider, err := New(Config{Store: store, DefaultTTL: time.Minute})
			if err != nil {
				t.Errorf("new provider: %v", err)
				return
			}
			if _, err := provider.Acquire(ctx, "contended", time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, lease.ErrConflict) {
				t.Errorf("expected ErrConflict for losers, got %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	holder, err := New(Config{Store: store, Owner: "holder", DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	waiter, err := New(Config{Store: store, Owner: "waiter", DefaultTTL: time.Minute, AcquireBlock: 5 * time.Second})
	if err != nil {
		t.Fatalf("new waiter: %v", err)
	}

	held, err := holder.Acquire(ctx, "blocking", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := waiter.Acquire(ctx, "blocking", time.Minute)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("waiter finished early: %v", err)
	default:
	}
	if err := holder.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking acquire after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking acquire did not finish after release")
	}
}

func TestBlockingAcquireHonorsCancellation(t *testing.T) {
	store := memory.New()
	holder, err := New(Config{Store: store, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	waiter, err := New(Config{Store: store, DefaultTTL: time.Minute, AcquireBlock: time.Minute})
	if err != nil {
		t.Fatalf("new waiter: %v", err)
	}
	if _, err := holder.Acquire(context.Background(), "cancel", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := waiter.Acquire(ctx, "cancel", time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled acquire did not return promptly")
	}
}

func TestFencingTokensStrictlyIncreaseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("fencing strictly increases across acquire cycles", prop.ForAll(
		func(cycles uint8, breakEvery uint8) bool {
			ctx := context.Background()
			provider, err := New(Config{Store: memory.New(), DefaultTTL: time.Minute})
			if err != nil {
				return false
			}
			var last int64
			n := int(cycles%20) + 1
			for i := 0; i < n; i++ {
				l, err := provider.Acquire(ctx, "prop", time.Minute)
				if err != nil {
					return false
				}
				if l.FencingToken <= last {
					return false
				}
				last = l.FencingToken
				if breakEvery > 0 && i%int(breakEvery%5+1) == 0 {
					if err := provider.Break(ctx, "prop"); err != nil {
						return false
					}
				} else if err := provider.Release(ctx, l); err != nil {
					return false
				}
			}
			return true
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
