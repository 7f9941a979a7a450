package chaos

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/leased/internal/sysload"
)

// Config is the declarative surface of the chaos layer.
type Config struct {
	// Enabled is the master switch. When false the decorator is not
	// installed at all and calls reach the inner provider untouched.
	Enabled bool `yaml:"enabled"`
	// Seed makes probabilistic draws reproducible. Zero derives a seed
	// from the wall clock.
	Seed       int64            `yaml:"seed"`
	Policy     PolicyConfig     `yaml:"policy"`
	Strategies []StrategyConfig `yaml:"strategies"`
	// Observers names the sinks to attach: "log", "metrics".
	Observers []string `yaml:"observers"`
}

// PolicyConfig selects and parameterizes a decision policy.
type PolicyConfig struct {
	// Kind is a registered policy: "probabilistic", "deterministic",
	// "threshold", "skip".
	Kind string `yaml:"kind"`

	// Probabilistic.
	Probability float64   `yaml:"probability"`
	Weights     []float64 `yaml:"weights"`
	Seed        int64     `yaml:"seed"`

	// Deterministic.
	FailFirst   int     `yaml:"fail_first"`
	FailIndices []int64 `yaml:"fail_indices"`

	// Threshold. Signal is "attempts" (default), "cpu" or "memory"; the
	// host signals sample through gopsutil at SampleInterval.
	Threshold      float64  `yaml:"threshold"`
	Signal         string   `yaml:"signal"`
	SampleInterval Duration `yaml:"sample_interval"`
}

// StrategyConfig selects and parameterizes a fault strategy.
type StrategyConfig struct {
	// Kind is a registered strategy: "delay", "fault", "timeout",
	// "intermittent".
	Kind string `yaml:"kind"`

	// Delay.
	Delay    Duration `yaml:"delay"`
	MinDelay Duration `yaml:"min_delay"`
	MaxDelay Duration `yaml:"max_delay"`
	Seed     int64    `yaml:"seed"`

	// Timeout.
	Ceiling Duration `yaml:"ceiling"`

	// Intermittent.
	Every  int   `yaml:"every"`
	PerKey *bool `yaml:"per_key"`

	// Fault tagging, also used by timeout and intermittent.
	Category string `yaml:"category"`
	Severity string `yaml:"severity"`
}

// Duration parses yaml scalars like "150ms" or integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("chaos: bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("chaos: duration must be a string or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads a Config from a yaml file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chaos: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("chaos: parse config: %w", err)
	}
	return &cfg, nil
}

// Build materializes the configured policy and strategies through the
// kind registries.
func (c *Config) Build() (Policy, []Strategy, error) {
	strategies := make([]Strategy, 0, len(c.Strategies))
	for i, sc := range c.Strategies {
		if sc.Seed == 0 {
			sc.Seed = c.Seed
		}
		s, err := NewStrategy(sc)
		if err != nil {
			return nil, nil, fmt.Errorf("chaos: strategy %d: %w", i, err)
		}
		strategies = append(strategies, s)
	}
	pc := c.Policy
	if pc.Kind == "" {
		pc.Kind = "skip"
	}
	if pc.Seed == 0 {
		pc.Seed = c.Seed
	}
	policy, err := NewPolicy(pc)
	if err != nil {
		return nil, nil, err
	}
	return policy, strategies, nil
}

func init() {
	RegisterStrategy("delay", func(cfg StrategyConfig) (Strategy, error) {
		if cfg.MinDelay > 0 || cfg.MaxDelay > 0 {
			return NewDelayRange(cfg.MinDelay.Std(), cfg.MaxDelay.Std(), cfg.Seed), nil
		}
		if cfg.Delay <= 0 {
			return nil, fmt.Errorf("delay strategy needs delay or min_delay/max_delay")
		}
		return NewDelay(cfg.Delay.Std()), nil
	})
	RegisterStrategy("fault", func(cfg StrategyConfig) (Strategy, error) {
		return NewFault(Category(cfg.Category), Severity(cfg.Severity)), nil
	})
	RegisterStrategy("timeout", func(cfg StrategyConfig) (Strategy, error) {
		if cfg.Ceiling <= 0 {
			return nil, fmt.Errorf("timeout strategy needs a positive ceiling")
		}
		return NewTimeout(cfg.Ceiling.Std(), Severity(cfg.Severity)), nil
	})
	RegisterStrategy("intermittent", func(cfg StrategyConfig) (Strategy, error) {
		if cfg.Every < 1 {
			return nil, fmt.Errorf("intermittent strategy needs every >= 1")
		}
		perKey := true
		if cfg.PerKey != nil {
			perKey = *cfg.PerKey
		}
		return NewIntermittent(cfg.Every, perKey, Category(cfg.Category), Severity(cfg.Severity)), nil
	})

	RegisterPolicy("probabilistic", func(cfg PolicyConfig) (Policy, error) {
		if cfg.Probability < 0 || cfg.Probability > 1 {
			return nil, fmt.Errorf("probabilistic policy needs probability in [0,1]")
		}
		return NewProbabilistic(cfg.Probability, cfg.Weights, cfg.Seed), nil
	})
	RegisterPolicy("deterministic", func(cfg PolicyConfig) (Policy, error) {
		if len(cfg.FailIndices) > 0 {
			return NewDeterministicIndices(cfg.FailIndices), nil
		}
		return NewDeterministicFailFirst(cfg.FailFirst), nil
	})
	RegisterPolicy("threshold", func(cfg PolicyConfig) (Policy, error) {
		switch cfg.Signal {
		case "", "attempts":
			return NewAttemptThreshold(int(cfg.Threshold)), nil
		case "cpu":
			sampler := sysload.NewSampler(cfg.SampleInterval.Std())
			return NewSignalThreshold(cfg.Threshold, sampler.CPUSignal()), nil
		case "memory":
			sampler := sysload.NewSampler(cfg.SampleInterval.Std())
			return NewSignalThreshold(cfg.Threshold, sampler.MemorySignal()), nil
		default:
			return nil, fmt.Errorf("threshold policy: unknown signal %q", cfg.Signal)
		}
	})
	RegisterPolicy("skip", func(PolicyConfig) (Policy, error) {
		return SkipPolicy{}, nil
	})
}
