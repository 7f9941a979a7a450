package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/leased/internal/clock"
)

// DelayStrategy sleeps and then lets the call proceed. The delay is either
// fixed or drawn uniformly from [Min, Max] per application.
type DelayStrategy struct {
	fixed    time.Duration
	min, max time.Duration
	rng      *lockedRand
	clock    clock.Clock
}

// NewDelay returns a strategy imposing a fixed delay.
func NewDelay(d time.Duration) *DelayStrategy {
	return &DelayStrategy{fixed: d, clock: clock.Real{}}
}

// NewDelayRange returns a strategy drawing each delay uniformly from
// [min, max]. The seed makes the draw sequence reproducible; pass 0 for a
// time-derived seed.
func NewDelayRange(min, max time.Duration, seed int64) *DelayStrategy {
	if max < min {
		min, max = max, min
	}
	return &DelayStrategy{min: min, max: max, rng: newLockedRand(seed), clock: clock.Real{}}
}

// WithClock substitutes the timer source, for tests.
func (s *DelayStrategy) WithClock(clk clock.Clock) *DelayStrategy {
	s.clock = clk
	return s
}

func (s *DelayStrategy) Name() string { return "delay" }

// Apply blocks for the computed delay and proceeds. Cancellation during
// the sleep aborts immediately with ctx.Err().
func (s *DelayStrategy) Apply(ctx context.Context, _ Invocation) (time.Duration, error) {
	d := s.fixed
	if s.rng != nil {
		span := s.max - s.min
		d = s.min
		if span > 0 {
			d += time.Duration(s.rng.Int63n(int64(span) + 1))
		}
	}
	if d <= 0 {
		return 0, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.clock.After(d):
		return d, nil
	}
}

// FaultStrategy aborts the call immediately with a synthetic error tagged
// by category and severity. No delay.
type FaultStrategy struct {
	category Category
	severity Severity
}

// NewFault returns a strategy raising an immediate synthetic failure.
func NewFault(category Category, severity Severity) *FaultStrategy {
	if category == "" {
		category = CategoryTransient
	}
	if severity == "" {
		severity = SeverityMedium
	}
	return &FaultStrategy{category: category, severity: severity}
}

func (s *FaultStrategy) Name() string { return "fault" }

func (s *FaultStrategy) Apply(_ context.Context, inv Invocation) (time.Duration, error) {
	return 0, &InjectedError{
		Op:       inv.Op,
		Key:      inv.Key,
		Strategy: s.Name(),
		Category: s.category,
		Severity: s.severity,
	}
}

// TimeoutStrategy waits up to a ceiling and then aborts with a fault
// tagged as a timeout, distinct from a generic fault so callers can apply
// timeout-specific retry policy.
type TimeoutStrategy struct {
	ceiling  time.Duration
	severity Severity
	clock    clock.Clock
}

// NewTimeout returns a strategy that burns the full ceiling before
// failing.
func NewTimeout(ceiling time.Duration, severity Severity) *TimeoutStrategy {
	if severity == "" {
		severity = SeverityHigh
	}
	return &TimeoutStrategy{ceiling: ceiling, severity: severity, clock: clock.Real{}}
}

// WithClock substitutes the timer source, for tests.
func (s *TimeoutStrategy) WithClock(clk clock.Clock) *TimeoutStrategy {
	s.clock = clk
	return s
}

func (s *TimeoutStrategy) Name() string { return "timeout" }

func (s *TimeoutStrategy) Apply(ctx context.Context, inv Invocation) (time.Duration, error) {
	if s.ceiling > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.clock.After(s.ceiling):
		}
	}
	return s.ceiling, &InjectedError{
		Op:       inv.Op,
		Key:      inv.Key,
		Strategy: s.Name(),
		Category: CategoryTimeout,
		Severity: s.severity,
	}
}

// IntermittentStrategy simulates flaky infrastructure: it counts its own
// applications and aborts every Nth one, proceeding otherwise. Counting is
// per resource key by default, or global when configured so. This is the
// one strategy with mutable cross-call state; the counter is safe for
// concurrent callers on the same key.
type IntermittentStrategy struct {
	every    int64
	perKey   bool
	category Category
	severity Severity
	counter  keyedCounter
}

// NewIntermittent returns a strategy failing every Nth application. An
// every below 2 fails every application.
func NewIntermittent(every int, perKey bool, category Category, severity Severity) *IntermittentStrategy {
	if every < 1 {
		every = 1
	}
	if category == "" {
		category = CategoryTransient
	}
	if severity == "" {
		severity = SeverityLow
	}
	return &IntermittentStrategy{
		every:    int64(every),
		perKey:   perKey,
		category: category,
		severity: severity,
	}
}

func (s *IntermittentStrategy) Name() string { return "intermittent" }

func (s *IntermittentStrategy) Apply(_ context.Context, inv Invocation) (time.Duration, error) {
	key := ""
	if s.perKey {
		key = inv.Key
	}
	if s.counter.next(key)%s.every != 0 {
		return 0, nil
	}
	return 0, &InjectedError{
		Op:       inv.Op,
		Key:      inv.Key,
		Strategy: s.Name(),
		Category: s.category,
		Severity: s.severity,
	}
}

// Reset clears all application counters.
func (s *IntermittentStrategy) Reset() { s.counter.reset() }

// lockedRand is a seedable rand.Rand safe for concurrent draws.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

func (r *lockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Int63n(n)
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}
