package chaos

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ProbabilisticPolicy injects with a fixed probability per call, selecting
// the strategy uniformly at random or via configured weights.
type ProbabilisticPolicy struct {
	p       float64
	weights []float64
	rng     *lockedRand
}

// NewProbabilistic returns a policy injecting with probability p in [0,1].
// Optional weights bias strategy selection positionally; missing or
// non-positive entries count as weight zero. The seed makes the decision
// sequence reproducible; pass 0 for a time-derived seed.
func NewProbabilistic(p float64, weights []float64, seed int64) *ProbabilisticPolicy {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &ProbabilisticPolicy{p: p, weights: weights, rng: newLockedRand(seed)}
}

func (pp *ProbabilisticPolicy) Name() string { return "probabilistic" }

func (pp *ProbabilisticPolicy) Decide(_ Invocation, strategies []Strategy) Decision {
	if len(strategies) == 0 || pp.rng.Float64() >= pp.p {
		return Decision{}
	}
	s := pp.pick(strategies)
	if s == nil {
		return Decision{}
	}
	return Decision{
		Inject:   true,
		Strategy: s,
		Reason:   fmt.Sprintf("probability %.3f hit, strategy %s", pp.p, s.Name()),
	}
}

func (pp *ProbabilisticPolicy) pick(strategies []Strategy) Strategy {
	if len(pp.weights) == 0 {
		return strategies[pp.rng.Intn(len(strategies))]
	}
	var total float64
	for i := range strategies {
		if i < len(pp.weights) && pp.weights[i] > 0 {
			total += pp.weights[i]
		}
	}
	if total <= 0 {
		return strategies[pp.rng.Intn(len(strategies))]
	}
	draw := pp.rng.Float64() * total
	for i, s := range strategies {
		if i >= len(pp.weights) || pp.weights[i] <= 0 {
			continue
		}
		draw -= pp.weights[i]
		if draw < 0 {
			return s
		}
	}
	return strategies[len(strategies)-1]
}

// DeterministicPolicy injects on an exact, reproducible schedule over its
// own call index: the first N calls, or an explicit set of indices. Given
// the same call sequence it produces identical decisions on every run.
// Strategy selection rotates through the available strategies by injection
// order so it stays deterministic too.
type DeterministicPolicy struct {
	failFirst int64
	indices   map[int64]struct{}
	calls     atomic.Int64
	injected  atomic.Int64
}

// NewDeterministicFailFirst returns a policy injecting on the first n
// calls and never again until Reset.
func NewDeterministicFailFirst(n int) *DeterministicPolicy {
	if n < 0 {
		n = 0
	}
	return &DeterministicPolicy{failFirst: int64(n)}
}

// NewDeterministicIndices returns a policy injecting exactly on the given
// 1-based call indices.
func NewDeterministicIndices(indices []int64) *DeterministicPolicy {
	set := make(map[int64]struct{}, len(indices))
	for _, i := range indices {
		if i > 0 {
			set[i] = struct{}{}
		}
	}
	return &DeterministicPolicy{indices: set}
}

func (dp *DeterministicPolicy) Name() string { return "deterministic" }

func (dp *DeterministicPolicy) Decide(_ Invocation, strategies []Strategy) Decision {
	idx := dp.calls.Add(1)
	hit := false
	if dp.indices != nil {
		_, hit = dp.indices[idx]
	} else {
		hit = idx <= dp.failFirst
	}
	if !hit || len(strategies) == 0 {
		return Decision{}
	}
	nth := dp.injected.Add(1)
	s := strategies[int((nth-1)%int64(len(strategies)))]
	return Decision{
		Inject:   true,
		Strategy: s,
		Reason:   fmt.Sprintf("scheduled injection at call %d, strategy %s", idx, s.Name()),
	}
}

// Reset rewinds the call index so a schedule replays from the start.
func (dp *DeterministicPolicy) Reset() {
	dp.calls.Store(0)
	dp.injected.Store(0)
}

// Schedule lists the configured injection indices in ascending order, or
// nil for a fail-first schedule.
func (dp *DeterministicPolicy) Schedule() []int64 {
	if dp.indices == nil {
		return nil
	}
	out := make([]int64, 0, len(dp.indices))
	for i := range dp.indices {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ThresholdPolicy injects only once an observed signal crosses a
// configured threshold. The signal defaults to the invocation's attempt
// count; an external signal function (host CPU or memory pressure, say)
// can replace it.
type ThresholdPolicy struct {
	threshold float64
	signal    func(inv Invocation) float64
}

// NewAttemptThreshold returns a policy injecting once the per-key attempt
// count for the operation reaches n.
func NewAttemptThreshold(n int) *ThresholdPolicy {
	return &ThresholdPolicy{
		threshold: float64(n),
		signal:    func(inv Invocation) float64 { return float64(inv.Attempt) },
	}
}

// NewSignalThreshold returns a policy injecting while signal() is at or
// above the threshold.
func NewSignalThreshold(threshold float64, signal func() float64) *ThresholdPolicy {
	return &ThresholdPolicy{
		threshold: threshold,
		signal:    func(Invocation) float64 { return signal() },
	}
}

func (tp *ThresholdPolicy) Name() string { return "threshold" }

func (tp *ThresholdPolicy) Decide(inv Invocation, strategies []Strategy) Decision {
	if len(strategies) == 0 {
		return Decision{}
	}
	value := tp.signal(inv)
	if value < tp.threshold {
		return Decision{}
	}
	s := strategies[0]
	return Decision{
		Inject:   true,
		Strategy: s,
		Reason:   fmt.Sprintf("signal %.2f at or above threshold %.2f, strategy %s", value, tp.threshold, s.Name()),
	}
}

// SkipPolicy never injects. Wrapping a provider with it is behaviorally
// identical to calling the inner provider directly.
type SkipPolicy struct{}

func (SkipPolicy) Name() string { return "skip" }

func (SkipPolicy) Decide(Invocation, []Strategy) Decision { return Decision{} }
