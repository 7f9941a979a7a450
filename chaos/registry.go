package chaos

import (
	"fmt"
	"sync"
)

// StrategyFactory builds a strategy from its configuration.
type StrategyFactory func(cfg StrategyConfig) (Strategy, error)

// PolicyFactory builds a policy from its configuration. The strategies
// the decorator will offer are passed for factories that need them.
type PolicyFactory func(cfg PolicyConfig) (Policy, error)

var (
	registryMu        sync.RWMutex
	strategyFactories = map[string]StrategyFactory{}
	policyFactories   = map[string]PolicyFactory{}
)

// RegisterStrategy makes a strategy kind constructible from configuration.
// Later registrations of the same kind win, so applications can override
// the built-ins.
func RegisterStrategy(kind string, f StrategyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	strategyFactories[kind] = f
}

// RegisterPolicy makes a policy kind constructible from configuration.
func RegisterPolicy(kind string, f PolicyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	policyFactories[kind] = f
}

// NewStrategy builds a strategy by registered kind.
func NewStrategy(cfg StrategyConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := strategyFactories[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chaos: unknown strategy kind %q", cfg.Kind)
	}
	return f(cfg)
}

// NewPolicy builds a policy by registered kind.
func NewPolicy(cfg PolicyConfig) (Policy, error) {
	registryMu.RLock()
	f, ok := policyFactories[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chaos: unknown policy kind %q", cfg.Kind)
	}
	return f(cfg)
}

// StrategyKinds lists the registered strategy kinds.
func StrategyKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(strategyFactories))
	for k := range strategyFactories {
		kinds = append(kinds, k)
	}
	return kinds
}
