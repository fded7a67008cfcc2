// Package monitor samples system resource usage and classifies each dimension
// against configured limits. The latest snapshot gates job admission and feeds
// the optimization advisor.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atelier/pkg/config"
	"atelier/pkg/logger"

	"go.uber.org/zap"
)

// Snapshot is a point-in-time view of system resources. Snapshots are immutable;
// each sample publishes a new value and readers receive copies.
type Snapshot struct {
	MemoryUsed  uint64 `json:"memory_used"`
	MemoryFree  uint64 `json:"memory_free"`
	MemoryTotal uint64 `json:"memory_total"`

	DiskUsed  uint64 `json:"disk_used"`
	DiskFree  uint64 `json:"disk_free"`
	DiskTotal uint64 `json:"disk_total"`

	ProcessCount int     `json:"process_count"`
	CPULoad      float64 `json:"cpu_load"`

	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`

	MemoryOverLimit  bool `json:"memory_over_limit"`
	DiskOverLimit    bool `json:"disk_over_limit"`
	ProcessOverLimit bool `json:"process_over_limit"`

	// Stale marks a snapshot carried over from the previous sample after a
	// sampling error.
	Stale     bool      `json:"stale"`
	SampledAt time.Time `json:"sampled_at"`
}

// OverLimit reports whether any dimension exceeds its configured limit.
func (s Snapshot) OverLimit() bool {
	return s.MemoryOverLimit || s.DiskOverLimit || s.ProcessOverLimit
}

// OverLimitReasons lists the dimensions currently over limit, for admission
// denial messages.
func (s Snapshot) OverLimitReasons() []string {
	var reasons []string
	if s.MemoryOverLimit {
		reasons = append(reasons, fmt.Sprintf("memory at %.1f%%", s.MemoryPercent))
	}
	if s.DiskOverLimit {
		reasons = append(reasons, fmt.Sprintf("disk at %.1f%%", s.DiskPercent))
	}
	if s.ProcessOverLimit {
		reasons = append(reasons, fmt.Sprintf("%d processes", s.ProcessCount))
	}
	return reasons
}

// Monitor periodically samples resources through a Probe and publishes the
// latest Snapshot. Readers never block the sampler.
type Monitor struct {
	cfg   config.MonitorConfig
	probe Probe

	mu      sync.RWMutex
	last    Snapshot
	running bool
}

// New creates a monitor. A nil probe selects the system probe.
func New(cfg config.MonitorConfig, probe Probe) *Monitor {
	if probe == nil {
		probe = SystemProbe{}
	}
	return &Monitor{cfg: cfg, probe: probe}
}

// Start runs the sampling loop until ctx is cancelled. An initial sample runs
// immediately so admission never sees a zero snapshot. Blocking.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Warn("resource monitor is already running")
		return
	}
	m.running = true
	m.mu.Unlock()

	logger.Info("resource monitor started",
		zap.Duration("sample_interval", m.cfg.SampleInterval),
		zap.Float64("memory_threshold", m.cfg.MemoryThreshold),
		zap.Float64("disk_threshold", m.cfg.DiskThreshold),
		zap.Int("max_processes", m.cfg.MaxProcesses),
	)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.SampleNow(ctx)

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			logger.Info("resource monitor stopped")
			return
		case <-ticker.C:
			m.SampleNow(ctx)
		}
	}
}

// Snapshot returns the latest sample without blocking.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// SampleNow takes a fresh sample and publishes it. On probe failure the
// previous snapshot is republished with Stale set, so consumers keep working
// with the last known values.
func (m *Monitor) SampleNow(ctx context.Context) Snapshot {
	snap, err := m.sample()
	if err != nil {
		logger.WarnCtx(ctx, "resource sampling failed, keeping previous snapshot: %v", err)
		m.mu.Lock()
		m.last.Stale = true
		snap = m.last
		m.mu.Unlock()
		return snap
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	if snap.OverLimit() {
		logger.Warn("resources over limit",
			zap.Float64("memory_percent", snap.MemoryPercent),
			zap.Float64("disk_percent", snap.DiskPercent),
			zap.Int("process_count", snap.ProcessCount),
		)
	}
	return snap
}

// IsRunning returns whether the sampling loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) sample() (Snapshot, error) {
	memUsed, memFree, memTotal, err := m.probe.Memory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory probe: %w", err)
	}

	diskUsed, diskFree, diskTotal, err := m.probe.Disk(m.cfg.DiskPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("disk probe: %w", err)
	}

	procs, err := m.probe.ProcessCount()
	if err != nil {
		return Snapshot{}, fmt.Errorf("process probe: %w", err)
	}

	load, err := m.probe.LoadAverage()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load probe: %w", err)
	}

	snap := Snapshot{
		MemoryUsed:   memUsed,
		MemoryFree:   memFree,
		MemoryTotal:  memTotal,
		DiskUsed:     diskUsed,
		DiskFree:     diskFree,
		DiskTotal:    diskTotal,
		ProcessCount: procs,
		CPULoad:      load,
		SampledAt:    time.Now(),
	}
	snap.MemoryPercent = percent(memUsed, memTotal)
	snap.DiskPercent = percent(diskUsed, diskTotal)
	snap.MemoryOverLimit = snap.MemoryPercent > m.cfg.MemoryThreshold
	snap.DiskOverLimit = snap.DiskPercent > m.cfg.DiskThreshold
	snap.ProcessOverLimit = procs > m.cfg.MaxProcesses
	return snap, nil
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
