package chaos

import (
	"pkt.systems/pslog"
)

// Observer receives every policy decision and call outcome. Both methods
// are fire-and-forget from the decorator's point of view: a panicking or
// misbehaving sink never affects the decorated call or the other sinks.
type Observer interface {
	OnDecision(inv Invocation, d Decision)
	OnOutcome(inv Invocation, d Decision, o Outcome)
}

// observers broadcasts to a list of sinks with per-sink panic isolation.
type observers []Observer

func (os observers) OnDecision(inv Invocation, d Decision) {
	for _, o := range os {
		notifyDecision(o, inv, d)
	}
}

func (os observers) OnOutcome(inv Invocation, d Decision, out Outcome) {
	for _, o := range os {
		notifyOutcome(o, inv, d, out)
	}
}

func notifyDecision(o Observer, inv Invocation, d Decision) {
	defer func() { _ = recover() }()
	o.OnDecision(inv, d)
}

func notifyOutcome(o Observer, inv Invocation, d Decision, out Outcome) {
	defer func() { _ = recover() }()
	o.OnOutcome(inv, d, out)
}

// LogObserver writes decisions and outcomes as structured log events.
type LogObserver struct {
	logger pslog.Logger
}

// NewLogObserver returns an observer logging through logger.
func NewLogObserver(logger pslog.Logger) *LogObserver {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &LogObserver{logger: logger}
}

func (lo *LogObserver) OnDecision(inv Invocation, d Decision) {
	if !d.Inject {
		lo.logger.Debug("chaos.decision.skip",
			"op", string(inv.Op),
			"key", inv.Key,
			"attempt", inv.Attempt,
			"reason", d.Reason,
		)
		return
	}
	lo.logger.Info("chaos.decision.inject",
		"op", string(inv.Op),
		"key", inv.Key,
		"attempt", inv.Attempt,
		"strategy", d.Strategy.Name(),
		"reason", d.Reason,
	)
}

func (lo *LogObserver) OnOutcome(inv Invocation, _ Decision, o Outcome) {
	fields := []any{
		"op", string(inv.Op),
		"key", inv.Key,
		"attempt", inv.Attempt,
		"injected", o.Injected,
		"delay", o.Delay,
		"elapsed", o.Elapsed,
	}
	if o.Err != nil {
		fields = append(fields, "error", o.Err.Error())
		lo.logger.Warn("chaos.outcome", fields...)
		return
	}
	lo.logger.Debug("chaos.outcome", fields...)
}
