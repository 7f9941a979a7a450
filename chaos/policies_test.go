package chaos

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProbabilisticRateConvergesToP(t *testing.T) {
	const p = 0.3
	const calls = 10000
	policy := NewProbabilistic(p, nil, 42)
	strategies := []Strategy{NewFault("", "")}

	injected := 0
	for i := 0; i < calls; i++ {
		if policy.Decide(Invocation{Op: OpAcquire, Key: "k"}, strategies).Inject {
			injected++
		}
	}
	rate := float64(injected) / calls
	if math.Abs(rate-p) > 0.03 {
		t.Fatalf("empirical rate %.4f outside %.2f +/- 0.03", rate, p)
	}
}

func TestProbabilisticZeroAndOne(t *testing.T) {
	strategies := []Strategy{NewFault("", "")}
	never := NewProbabilistic(0, nil, 1)
	always := NewProbabilistic(1, nil, 1)
	for i := 0; i < 100; i++ {
		if never.Decide(Invocation{}, strategies).Inject {
			t.Fatal("p=0 must never inject")
		}
		if !always.Decide(Invocation{}, strategies).Inject {
			t.Fatal("p=1 must always inject")
		}
	}
}

func TestProbabilisticWeightsBiasSelection(t *testing.T) {
	policy := NewProbabilistic(1, []float64{0, 1}, 42)
	strategies := []Strategy{NewFault("", ""), NewDelay(1)}
	for i := 0; i < 50; i++ {
		d := policy.Decide(Invocation{}, strategies)
		if !d.Inject || d.Strategy.Name() != "delay" {
			t.Fatalf("zero-weight strategy selected on draw %d", i)
		}
	}
}

func TestProbabilisticSkipsWithoutStrategies(t *testing.T) {
	policy := NewProbabilistic(1, nil, 1)
	if policy.Decide(Invocation{}, nil).Inject {
		t.Fatal("cannot inject without strategies")
	}
}

func TestDeterministicFailFirstSchedule(t *testing.T) {
	policy := NewDeterministicFailFirst(3)
	strategies := []Strategy{NewFault("", "")}
	for i := 1; i <= 6; i++ {
		d := policy.Decide(Invocation{}, strategies)
		if want := i <= 3; d.Inject != want {
			t.Fatalf("call %d: inject=%v, want %v", i, d.Inject, want)
		}
	}
}

func TestDeterministicReproducibleAcrossRuns(t *testing.T) {
	strategies := []Strategy{NewFault("", ""), NewDelay(1)}
	run := func() []Decision {
		policy := NewDeterministicIndices([]int64{1, 4, 5})
		out := make([]Decision, 0, 8)
		for i := 0; i < 8; i++ {
			out = append(out, policy.Decide(Invocation{}, strategies))
		}
		return out
	}
	first, second := run(), run()
	for i := range first {
		if first[i].Inject != second[i].Inject || first[i].Reason != second[i].Reason {
			t.Fatalf("call %d diverged between runs: %+v vs %+v", i+1, first[i], second[i])
		}
	}
}

func TestDeterministicResetReplaysSchedule(t *testing.T) {
	policy := NewDeterministicFailFirst(1)
	strategies := []Strategy{NewFault("", "")}
	if !policy.Decide(Invocation{}, strategies).Inject {
		t.Fatal("first call should inject")
	}
	if policy.Decide(Invocation{}, strategies).Inject {
		t.Fatal("second call should skip")
	}
	policy.Reset()
	if !policy.Decide(Invocation{}, strategies).Inject {
		t.Fatal("first call after reset should inject")
	}
}

func TestAttemptThresholdGatesOnAttemptCount(t *testing.T) {
	policy := NewAttemptThreshold(3)
	strategies := []Strategy{NewFault("", "")}
	for attempt := int64(1); attempt <= 5; attempt++ {
		d := policy.Decide(Invocation{Attempt: attempt}, strategies)
		if want := attempt >= 3; d.Inject != want {
			t.Fatalf("attempt %d: inject=%v, want %v", attempt, d.Inject, want)
		}
		if !d.Inject && normalize(d).Reason != DefaultSkipReason {
			t.Fatalf("skip below threshold must carry the default reason, got %q", normalize(d).Reason)
		}
	}
}

func TestSignalThresholdUsesExternalSignal(t *testing.T) {
	value := 10.0
	policy := NewSignalThreshold(50, func() float64 { return value })
	strategies := []Strategy{NewFault("", "")}
	if policy.Decide(Invocation{}, strategies).Inject {
		t.Fatal("below threshold must skip")
	}
	value = 80
	if !policy.Decide(Invocation{}, strategies).Inject {
		t.Fatal("above threshold must inject")
	}
}

func TestSkipPolicyNeverInjects(t *testing.T) {
	d := normalize(SkipPolicy{}.Decide(Invocation{}, []Strategy{NewFault("", "")}))
	if d.Inject {
		t.Fatal("skip policy injected")
	}
	if d.Reason != DefaultSkipReason {
		t.Fatalf("expected default skip reason, got %q", d.Reason)
	}
}

func TestNormalizeDowngradesInjectWithoutStrategy(t *testing.T) {
	d := normalize(Decision{Inject: true})
	if d.Inject {
		t.Fatal("inject without strategy must downgrade to skip")
	}
	if d.Reason != DefaultSkipReason {
		t.Fatalf("expected default skip reason, got %q", d.Reason)
	}
}

func TestProbabilisticRateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	strategies := []Strategy{NewFault("", "")}

	properties.Property("empirical rate tracks p within sampling error", prop.ForAll(
		func(pRaw uint8, seed int64) bool {
			p := float64(pRaw%101) / 100
			policy := NewProbabilistic(p, nil, seed)
			const calls = 2000
			injected := 0
			for i := 0; i < calls; i++ {
				if policy.Decide(Invocation{}, strategies).Inject {
					injected++
				}
			}
			rate := float64(injected) / calls
			// Four standard deviations of a Bernoulli(p) mean over calls.
			tolerance := 4*math.Sqrt(p*(1-p)/calls) + 1e-9
			return math.Abs(rate-p) <= tolerance
		},
		gen.UInt8(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
