package chaos

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports decision and outcome counters plus an injected
// delay histogram to a Prometheus registry.
type MetricsObserver struct {
	decisions *prometheus.CounterVec
	faults    *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	delays    prometheus.Histogram
}

// NewMetricsObserver registers the chaos metric family with reg and
// returns the observer. Registering twice on the same registry fails.
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leased",
			Subsystem: "chaos",
			Name:      "decisions_total",
			Help:      "Policy decisions by operation and verdict.",
		}, []string{"op", "verdict"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leased",
			Subsystem: "chaos",
			Name:      "injected_faults_total",
			Help:      "Synthetic faults raised, by strategy and category.",
		}, []string{"strategy", "category"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leased",
			Subsystem: "chaos",
			Name:      "outcomes_total",
			Help:      "Decorated call outcomes by operation and result.",
		}, []string{"op", "result"}),
		delays: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leased",
			Subsystem: "chaos",
			Name:      "injected_delay_seconds",
			Help:      "Delay imposed by fault strategies before delegation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.faults, m.outcomes, m.delays} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsObserver) OnDecision(inv Invocation, d Decision) {
	verdict := "skip"
	if d.Inject {
		verdict = "inject"
	}
	m.decisions.WithLabelValues(string(inv.Op), verdict).Inc()
}

func (m *MetricsObserver) OnOutcome(inv Invocation, d Decision, o Outcome) {
	if o.Delay > 0 {
		m.delays.Observe(o.Delay.Seconds())
	}
	result := "ok"
	switch {
	case o.Err == nil:
	case IsInjected(o.Err):
		result = "injected"
		var ie *InjectedError
		if errors.As(o.Err, &ie) {
			m.faults.WithLabelValues(ie.Strategy, string(ie.Category)).Inc()
		}
	default:
		result = "error"
	}
	m.outcomes.WithLabelValues(string(inv.Op), result).Inc()
}
