package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"atelier/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe returns scripted readings and can be flipped into a failing state.
type fakeProbe struct {
	mu sync.Mutex

	memUsed, memTotal   uint64
	diskUsed, diskTotal uint64
	processes           int
	load                float64
	failing             bool
}

func (p *fakeProbe) set(memUsed, memTotal, diskUsed, diskTotal uint64, processes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memUsed, p.memTotal = memUsed, memTotal
	p.diskUsed, p.diskTotal = diskUsed, diskTotal
	p.processes = processes
}

func (p *fakeProbe) setFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

func (p *fakeProbe) Memory() (uint64, uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, 0, 0, fmt.Errorf("probe unavailable")
	}
	return p.memUsed, p.memTotal - p.memUsed, p.memTotal, nil
}

func (p *fakeProbe) Disk(path string) (uint64, uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, 0, 0, fmt.Errorf("probe unavailable")
	}
	return p.diskUsed, p.diskTotal - p.diskUsed, p.diskTotal, nil
}

func (p *fakeProbe) ProcessCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, fmt.Errorf("probe unavailable")
	}
	return p.processes, nil
}

func (p *fakeProbe) LoadAverage() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, fmt.Errorf("probe unavailable")
	}
	return p.load, nil
}

func testMonitorConfig() config.MonitorConfig {
	cfg := config.DefaultMonitorConfig()
	cfg.MaxProcesses = 100
	return cfg
}

func TestMonitor_SampleNow(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(50, 100, 30, 100, 10)

	m := New(testMonitorConfig(), probe)
	snap := m.SampleNow(context.Background())

	assert.Equal(t, 50.0, snap.MemoryPercent)
	assert.Equal(t, 30.0, snap.DiskPercent)
	assert.Equal(t, 10, snap.ProcessCount)
	assert.False(t, snap.OverLimit())
	assert.False(t, snap.Stale)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestMonitor_OverLimitClassification(t *testing.T) {
	tests := []struct {
		name        string
		memUsed     uint64
		diskUsed    uint64
		processes   int
		wantMemory  bool
		wantDisk    bool
		wantProcess bool
	}{
		{
			name:      "all within limits",
			memUsed:   84,
			diskUsed:  89,
			processes: 99,
		},
		{
			name:       "memory over threshold",
			memUsed:    86,
			diskUsed:   10,
			processes:  10,
			wantMemory: true,
		},
		{
			name:      "disk over threshold",
			memUsed:   10,
			diskUsed:  95,
			processes: 10,
			wantDisk:  true,
		},
		{
			name:        "process count over cap",
			memUsed:     10,
			diskUsed:    10,
			processes:   101,
			wantProcess: true,
		},
		{
			name:      "usage exactly at threshold is not over limit",
			memUsed:   85,
			diskUsed:  90,
			processes: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &fakeProbe{}
			probe.set(tt.memUsed, 100, tt.diskUsed, 100, tt.processes)

			m := New(testMonitorConfig(), probe)
			snap := m.SampleNow(context.Background())

			assert.Equal(t, tt.wantMemory, snap.MemoryOverLimit)
			assert.Equal(t, tt.wantDisk, snap.DiskOverLimit)
			assert.Equal(t, tt.wantProcess, snap.ProcessOverLimit)
			assert.Equal(t, tt.wantMemory || tt.wantDisk || tt.wantProcess, snap.OverLimit())
		})
	}
}

func TestMonitor_FailedSampleKeepsPreviousSnapshot(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(40, 100, 20, 100, 5)

	m := New(testMonitorConfig(), probe)
	first := m.SampleNow(context.Background())
	require.False(t, first.Stale)

	probe.setFailing(true)
	second := m.SampleNow(context.Background())

	assert.True(t, second.Stale)
	assert.Equal(t, first.MemoryPercent, second.MemoryPercent)
	assert.Equal(t, first.DiskPercent, second.DiskPercent)

	// Recovery clears staleness.
	probe.setFailing(false)
	probe.set(60, 100, 20, 100, 5)
	third := m.SampleNow(context.Background())
	assert.False(t, third.Stale)
	assert.Equal(t, 60.0, third.MemoryPercent)
}

func TestMonitor_SnapshotIsCopy(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(40, 100, 20, 100, 5)

	m := New(testMonitorConfig(), probe)
	m.SampleNow(context.Background())

	snap := m.Snapshot()
	snap.MemoryPercent = 999

	assert.Equal(t, 40.0, m.Snapshot().MemoryPercent)
}

func TestMonitor_OverLimitReasons(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(90, 100, 95, 100, 200)

	m := New(testMonitorConfig(), probe)
	snap := m.SampleNow(context.Background())

	reasons := snap.OverLimitReasons()
	require.Len(t, reasons, 3)
	assert.Contains(t, reasons[0], "memory")
	assert.Contains(t, reasons[1], "disk")
	assert.Contains(t, reasons[2], "processes")
}
