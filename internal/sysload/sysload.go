// Package sysload samples host load so threshold fault policies can key
// injection off real pressure instead of synthetic counters.
package sysload

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot captures one observation of host pressure.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	Load1         float64
	CollectedAt   time.Time
}

// Sampler produces Snapshots, caching results for the configured interval
// so hot call paths never block on /proc reads.
type Sampler struct {
	mu       sync.Mutex
	interval time.Duration
	last     Snapshot
}

// NewSampler returns a Sampler that refreshes at most once per interval.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval}
}

// Sample returns the cached snapshot, refreshing it when stale. Collection
// failures leave the affected field at its previous value.
func (s *Sampler) Sample() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.last.CollectedAt) < s.interval {
		return s.last
	}
	snap := s.last
	snap.CollectedAt = now
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		snap.Load1 = avg.Load1
	}
	s.last = snap
	return snap
}

// CPUSignal returns a signal function reporting cached CPU utilization in
// percent, suitable for a threshold fault policy.
func (s *Sampler) CPUSignal() func() float64 {
	return func() float64 { return s.Sample().CPUPercent }
}

// MemorySignal returns a signal function reporting cached memory
// utilization in percent.
func (s *Sampler) MemorySignal() func() float64 {
	return func() float64 { return s.Sample().MemoryPercent }
}
