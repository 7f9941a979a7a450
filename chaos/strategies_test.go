package chaos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDelayFixedBlocksForDuration(t *testing.T) {
	s := NewDelay(100 * time.Millisecond)
	start := time.Now()
	applied, err := s.Apply(context.Background(), Invocation{Op: OpAcquire, Key: "k"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 100*time.Millisecond {
		t.Fatalf("expected reported delay 100ms, got %v", applied)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the configured delay", elapsed)
	}
}

func TestDelayAbortsPromptlyOnCancellation(t *testing.T) {
	s := NewDelay(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := s.Apply(ctx, Invocation{Op: OpAcquire, Key: "k"})
	elapsed := time.Since(start)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsInjected(err) {
		t.Fatal("cancellation must not be tagged as an injected fault")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("cancellation took %v, expected prompt abort", elapsed)
	}
}

func TestDelayRangeStaysWithinBounds(t *testing.T) {
	s := NewDelayRange(time.Millisecond, 5*time.Millisecond, 7)
	for i := 0; i < 20; i++ {
		applied, err := s.Apply(context.Background(), Invocation{})
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if applied < time.Millisecond || applied > 5*time.Millisecond {
			t.Fatalf("delay %v outside [1ms, 5ms]", applied)
		}
	}
}

func TestFaultAbortsImmediately(t *testing.T) {
	s := NewFault(CategoryPermanent, SeverityCritical)
	applied, err := s.Apply(context.Background(), Invocation{Op: OpRenew, Key: "orders/1"})
	if applied != 0 {
		t.Fatalf("expected zero delay, got %v", applied)
	}
	var ie *InjectedError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InjectedError, got %v", err)
	}
	if ie.Category != CategoryPermanent || ie.Severity != SeverityCritical {
		t.Fatalf("unexpected tagging: %+v", ie)
	}
	if ie.Timeout() {
		t.Fatal("permanent fault must not report as timeout")
	}
	if !IsInjected(err) {
		t.Fatal("expected errors.Is(err, ErrInjected) to hold")
	}
}

func TestTimeoutWaitsCeilingThenFails(t *testing.T) {
	s := NewTimeout(50*time.Millisecond, "")
	start := time.Now()
	applied, err := s.Apply(context.Background(), Invocation{Op: OpAcquire, Key: "k"})
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the ceiling elapsed")
	}
	if applied != 50*time.Millisecond {
		t.Fatalf("expected reported delay 50ms, got %v", applied)
	}
	var ie *InjectedError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InjectedError, got %v", err)
	}
	if !ie.Timeout() {
		t.Fatal("timeout fault must report Timeout() true")
	}
	if ie.Category != CategoryTimeout {
		t.Fatalf("expected timeout category, got %s", ie.Category)
	}
}

func TestTimeoutHonorsCancellation(t *testing.T) {
	s := NewTimeout(time.Second, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Apply(ctx, Invocation{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIntermittentFailsEveryNthPerKey(t *testing.T) {
	s := NewIntermittent(3, true, "", "")
	for i := 1; i <= 9; i++ {
		_, err := s.Apply(context.Background(), Invocation{Op: OpAcquire, Key: "a"})
		if i%3 == 0 && err == nil {
			t.Fatalf("application %d: expected fault", i)
		}
		if i%3 != 0 && err != nil {
			t.Fatalf("application %d: unexpected fault %v", i, err)
		}
	}
	// Another key runs its own cadence.
	if _, err := s.Apply(context.Background(), Invocation{Op: OpAcquire, Key: "b"}); err != nil {
		t.Fatalf("fresh key first application should proceed, got %v", err)
	}
}

func TestIntermittentGlobalCounterSharedAcrossKeys(t *testing.T) {
	s := NewIntermittent(2, false, "", "")
	if _, err := s.Apply(context.Background(), Invocation{Key: "a"}); err != nil {
		t.Fatalf("first application: %v", err)
	}
	if _, err := s.Apply(context.Background(), Invocation{Key: "b"}); err == nil {
		t.Fatal("second application should fault regardless of key")
	}
}

func TestIntermittentResetRestartsCadence(t *testing.T) {
	s := NewIntermittent(2, true, "", "")
	ctx := context.Background()
	inv := Invocation{Key: "a"}
	if _, err := s.Apply(ctx, inv); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.Apply(ctx, inv); err == nil {
		t.Fatal("second should fault")
	}
	s.Reset()
	if _, err := s.Apply(ctx, inv); err != nil {
		t.Fatalf("first after reset: %v", err)
	}
}

func TestIntermittentCounterSafeUnderConcurrency(t *testing.T) {
	s := NewIntermittent(2, true, "", "")
	const calls = 200
	var faults int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Apply(context.Background(), Invocation{Key: "hot"}); err != nil {
				mu.Lock()
				faults++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if faults != calls/2 {
		t.Fatalf("expected exactly %d faults from %d applications, got %d", calls/2, calls, faults)
	}
}
