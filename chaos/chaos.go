// Package chaos decorates a lease.Provider with configurable fault
// injection. A policy decides per call whether to disturb it, a strategy
// applies the disturbance (delay, synthetic error, or both), and observers
// receive every decision and outcome. Injection happens strictly before
// delegation, so an aborted call never reaches the inner provider and
// never corrupts backend state.
package chaos

import (
	"context"
	"time"
)

// Operation names a lease lifecycle call as seen by policies, strategies
// and observers.
type Operation string

const (
	OpAcquire Operation = "acquire"
	OpRenew   Operation = "renew"
	OpRelease Operation = "release"
	OpBreak   Operation = "break"
)

// Invocation describes one lifecycle call. Values are call-scoped and
// never shared across concurrent calls; cancellation travels on the ctx
// passed to Apply, not here.
type Invocation struct {
	Op  Operation
	Key string
	// Attempt counts calls of this operation against this key since the
	// decorator was created or last reset, starting at 1.
	Attempt int64
}

// Decision is a policy's verdict for one invocation.
type Decision struct {
	// Inject selects fault injection. When true, Strategy must name the
	// strategy to apply; a nil Strategy downgrades the decision to a skip.
	Inject   bool
	Strategy Strategy
	// Reason justifies the decision for observers. Empty reasons are
	// replaced with DefaultSkipReason before anyone sees them.
	Reason string
}

// DefaultSkipReason fills in for policies that decline without saying why.
const DefaultSkipReason = "Policy decided to skip fault injection"

// Outcome reports how a decorated call ended.
type Outcome struct {
	// Injected is true when a fault was actually applied, delay or error.
	// Cancellation during a strategy leaves it false.
	Injected bool
	// Delay is the disturbance time the strategy spent before the call
	// proceeded or aborted.
	Delay time.Duration
	// Err is the error the caller saw: an injected fault, the inner
	// provider's error, or nil.
	Err     error
	Elapsed time.Duration
}

// Strategy applies one kind of disturbance to a call. Apply returns the
// delay it imposed and, for aborting strategies, the synthetic error that
// stops the call before delegation. Cancellation of ctx during a delay
// must surface ctx.Err(), never a synthetic fault.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, inv Invocation) (time.Duration, error)
}

// Policy decides whether and how to disturb an invocation. Decide must be
// safe for unbounded concurrent use.
type Policy interface {
	Name() string
	Decide(inv Invocation, strategies []Strategy) Decision
}

// Resettable is implemented by policies and strategies that carry
// cross-call state. Reset restores the initial state for test isolation.
type Resettable interface {
	Reset()
}

func normalize(d Decision) Decision {
	if d.Inject && d.Strategy == nil {
		d.Inject = false
		d.Reason = ""
	}
	if d.Reason == "" {
		d.Reason = DefaultSkipReason
	}
	return d
}
