package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	ch := clk.After(100 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", clk.Pending())
	}

	clk.Advance(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	now := clk.Advance(50 * time.Millisecond)
	select {
	case fired := <-ch:
		if !fired.Equal(now) {
			t.Fatalf("expected fire at %v, got %v", now, fired)
		}
	default:
		t.Fatal("timer did not fire after advancing past deadline")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualAfterZeroFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("expected immediate fire for zero duration")
	}
}
