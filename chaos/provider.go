package chaos

import (
	"context"
	"sync"
	"time"

	"pkt.systems/leased/internal/clock"
	"pkt.systems/leased/lease"
)

// Provider decorates an inner lease.Provider with fault injection. It
// holds no lease state and no lease-related locks; it is reentrant and
// safe for unbounded concurrent invocation. The policy reference is
// swappable at runtime for scenario composition.
type Provider struct {
	inner      lease.Provider
	strategies []Strategy
	sinks      observers
	clock      clock.Clock
	attempts   keyedCounter

	mu     sync.RWMutex
	policy Policy
}

// Option adjusts a decorator at construction.
type Option func(*Provider)

// WithObserver appends a sink notified of every decision and outcome.
func WithObserver(o Observer) Option {
	return func(p *Provider) {
		if o != nil {
			p.sinks = append(p.sinks, o)
		}
	}
}

// WithClock substitutes the time source used for elapsed measurement.
func WithClock(clk clock.Clock) Option {
	return func(p *Provider) {
		if clk != nil {
			p.clock = clk
		}
	}
}

// Wrap decorates inner with the given policy and available strategies.
// A nil policy never injects.
func Wrap(inner lease.Provider, policy Policy, strategies []Strategy, opts ...Option) *Provider {
	if policy == nil {
		policy = SkipPolicy{}
	}
	p := &Provider{
		inner:      inner,
		policy:     policy,
		strategies: strategies,
		clock:      clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Inner returns the wrapped provider.
func (p *Provider) Inner() lease.Provider { return p.inner }

// SetPolicy swaps the decision policy. Safe during concurrent calls;
// in-flight calls finish under the policy they started with.
func (p *Provider) SetPolicy(policy Policy) {
	if policy == nil {
		policy = SkipPolicy{}
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// Policy returns the current decision policy.
func (p *Provider) Policy() Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Reset restores the initial state of every resettable policy and
// strategy and rewinds the attempt counters, for test isolation.
func (p *Provider) Reset() {
	if r, ok := p.Policy().(Resettable); ok {
		r.Reset()
	}
	for _, s := range p.strategies {
		if r, ok := s.(Resettable); ok {
			r.Reset()
		}
	}
	p.attempts.reset()
}

// Acquire runs the fault pipeline and then delegates.
func (p *Provider) Acquire(ctx context.Context, key string, hold time.Duration) (*lease.Lease, error) {
	var out *lease.Lease
	err := p.around(ctx, Invocation{Op: OpAcquire, Key: key}, func(ctx context.Context) error {
		var err error
		out, err = p.inner.Acquire(ctx, key, hold)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Renew runs the fault pipeline and then delegates.
func (p *Provider) Renew(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	var out *lease.Lease
	err := p.around(ctx, Invocation{Op: OpRenew, Key: leaseKey(l)}, func(ctx context.Context) error {
		var err error
		out, err = p.inner.Renew(ctx, l)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release runs the fault pipeline and then delegates.
func (p *Provider) Release(ctx context.Context, l *lease.Lease) error {
	return p.around(ctx, Invocation{Op: OpRelease, Key: leaseKey(l)}, func(ctx context.Context) error {
		return p.inner.Release(ctx, l)
	})
}

// Break runs the fault pipeline and then delegates.
func (p *Provider) Break(ctx context.Context, key string) error {
	return p.around(ctx, Invocation{Op: OpBreak, Key: key}, func(ctx context.Context) error {
		return p.inner.Break(ctx, key)
	})
}

// around is the decorator pipeline: decide, notify, apply, delegate,
// notify. An aborting strategy returns its error without touching the
// inner provider; once delegation happens the inner result is returned
// unmodified.
func (p *Provider) around(ctx context.Context, inv Invocation, call func(context.Context) error) error {
	inv.Attempt = p.attempts.next(string(inv.Op) + "\x00" + inv.Key)

	d := normalize(p.Policy().Decide(inv, p.strategies))
	p.sinks.OnDecision(inv, d)

	start := p.clock.Now()
	var delay time.Duration
	if d.Inject {
		var err error
		delay, err = d.Strategy.Apply(ctx, inv)
		if err != nil {
			// Cancellation during a strategy is the caller's doing, not
			// an injected fault, and must propagate as such.
			injected := IsInjected(err)
			p.sinks.OnOutcome(inv, d, Outcome{
				Injected: injected,
				Delay:    delay,
				Err:      err,
				Elapsed:  p.clock.Now().Sub(start),
			})
			return err
		}
	}

	err := call(ctx)
	p.sinks.OnOutcome(inv, d, Outcome{
		Injected: d.Inject,
		Delay:    delay,
		Err:      err,
		Elapsed:  p.clock.Now().Sub(start),
	})
	return err
}

func leaseKey(l *lease.Lease) string {
	if l == nil {
		return ""
	}
	return l.Key
}

var _ lease.Provider = (*Provider)(nil)
