package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/model"
	"atelier/internal/orchestrator"
	"atelier/pkg/advisor"
	"atelier/pkg/breaker"
	"atelier/pkg/config"
	"atelier/pkg/matcache"
	"atelier/pkg/monitor"
)

// fakeProbe feeds the monitor deterministic readings. Memory() counts calls
// so tests can observe forced re-samples.
type fakeProbe struct {
	mu        sync.Mutex
	memUsed   uint64
	memTotal  uint64
	diskUsed  uint64
	diskTotal uint64
	processes int
	load      float64
	samples   int
}

func (p *fakeProbe) Memory() (uint64, uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++
	return p.memUsed, p.memTotal - p.memUsed, p.memTotal, nil
}

func (p *fakeProbe) Disk(path string) (uint64, uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diskUsed, p.diskTotal - p.diskUsed, p.diskTotal, nil
}

func (p *fakeProbe) ProcessCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processes, nil
}

func (p *fakeProbe) LoadAverage() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load, nil
}

func (p *fakeProbe) sampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

func (p *fakeProbe) setMemory(used, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memUsed, p.memTotal = used, total
}

type metricsFixture struct {
	svc   *MetricsService
	orch  *orchestrator.Orchestrator
	cache *matcache.Cache
	probe *fakeProbe
}

func newMetricsFixture(t *testing.T) *metricsFixture {
	t.Helper()

	probe := &fakeProbe{
		memUsed:   40,
		memTotal:  100,
		diskUsed:  50,
		diskTotal: 100,
		processes: 120,
		load:      1.2,
	}
	monCfg := config.MonitorConfig{
		SampleInterval:  time.Hour,
		MemoryThreshold: 85,
		DiskThreshold:   90,
		MaxProcesses:    800,
		DiskPath:        "/",
	}
	mon := monitor.New(monCfg, probe)
	mon.SampleNow(context.Background())

	cache := matcache.New(config.CacheConfig{Capacity: 100, TargetLatency: 100 * time.Millisecond})
	breakers := breaker.NewRegistry(config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute})
	orch := orchestrator.New(
		config.ExecutorConfig{Workers: 2, MaxRetries: 1, BackoffBase: time.Millisecond, MaterialTimeout: time.Minute},
		config.QueueConfig{ReadmitInterval: time.Hour, Retention: time.Hour},
		mon, breakers, cache, &stubRenderer{},
	)
	adv := advisor.New(
		config.AdvisorConfig{RetryRateThreshold: 30},
		monCfg,
		mon, breakers, cache, NewPipelineStatsSource(orch),
	)

	return &metricsFixture{
		svc:   NewMetricsService(mon, orch, breakers, cache, adv),
		orch:  orch,
		cache: cache,
		probe: probe,
	}
}

// A healthy system yields composed metrics and no recommendations.
func TestGetSystemMetrics_Healthy(t *testing.T) {
	f := newMetricsFixture(t)

	_, err := f.orch.Submit(context.Background(), &model.SubmitGenerationRequest{
		ProductID: "sofa-oslo",
		Materials: []string{"leather-tan"},
	})
	require.NoError(t, err)

	m := f.svc.GetSystemMetrics(context.Background())
	assert.InDelta(t, 40.0, m.Resources.MemoryPercent, 0.1)
	assert.Equal(t, int64(1), m.Generation.TotalJobs)
	assert.Equal(t, 1, m.Generation.QueueSize, "admitted job without workers counts as queued")
	assert.Equal(t, "closed", m.Generation.CircuitBreakerState)
	assert.Equal(t, 100, m.Cache.Capacity)
	assert.Empty(t, m.Recommendations)
	assert.False(t, m.CollectedAt.IsZero())
}

// Resource pressure surfaces advisor recommendations in the metrics view.
func TestGetSystemMetrics_PressureRecommendations(t *testing.T) {
	f := newMetricsFixture(t)

	f.probe.setMemory(95, 100)
	f.svc.RefreshResources(context.Background())

	m := f.svc.GetSystemMetrics(context.Background())
	require.NotEmpty(t, m.Recommendations)

	var found *advisor.Recommendation
	for i := range m.Recommendations {
		if m.Recommendations[i].Type == advisor.TypeEvictCache {
			found = &m.Recommendations[i]
		}
	}
	require.NotNil(t, found, "memory pressure should recommend cache eviction")
	assert.Equal(t, advisor.SeverityCritical, found.Severity)
	assert.True(t, found.AutoFixAvailable)
}

// Material health reflects cache occupancy and the latency SLO.
func TestGetMaterialHealth(t *testing.T) {
	f := newMetricsFixture(t)

	bundle := &model.AssetBundle{
		ProductID:  "sofa-oslo",
		MaterialID: "leather-tan",
		Encodings: map[string]model.AssetFile{
			"webp": {URI: "/assets/sofa-oslo/leather-tan.webp", SizeBytes: 2048},
		},
	}
	f.cache.Put(context.Background(), "sofa-oslo", "leather-tan", bundle, model.PriorityMedium)
	_, ok := f.cache.Get(context.Background(), "sofa-oslo", "leather-tan")
	require.True(t, ok)

	health := f.svc.GetMaterialHealth(context.Background())
	assert.Equal(t, 1, health.MaterialsLoaded)
	assert.Equal(t, 100, health.CacheSize)
	assert.Equal(t, int64(2048), health.MemoryUsageBytes)
	assert.InDelta(t, 100.0, health.SLOCompliance, 0.01, "in-memory hit should be inside the latency target")
}

// Automatic fixes run and trigger a confirming re-sample; manual types are
// reported as not applied.
func TestApplyOptimization(t *testing.T) {
	f := newMetricsFixture(t)

	applied, err := f.svc.ApplyOptimization(context.Background(), advisor.TypeInvestigateRenderer)
	require.NoError(t, err)
	assert.False(t, applied)

	f.cache.Put(context.Background(), "sofa-oslo", "leather-tan", &model.AssetBundle{
		ProductID:  "sofa-oslo",
		MaterialID: "leather-tan",
	}, model.PriorityLow)

	before := f.probe.sampleCount()
	applied, err = f.svc.ApplyOptimization(context.Background(), advisor.TypeEvictCache)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0, f.cache.Size())
	assert.Greater(t, f.probe.sampleCount(), before, "fix should force a re-sample")
}

// RefreshResources bypasses the ticker and returns the fresh reading.
func TestRefreshResources(t *testing.T) {
	f := newMetricsFixture(t)

	f.probe.setMemory(70, 100)
	snap := f.svc.RefreshResources(context.Background())
	assert.InDelta(t, 70.0, snap.MemoryPercent, 0.1)
	assert.InDelta(t, 70.0, f.svc.GetSystemMetrics(context.Background()).Resources.MemoryPercent, 0.1)
}

// The stats adapter exposes finished-run and retry counters to the advisor.
func TestPipelineStatsSource(t *testing.T) {
	f := newMetricsFixture(t)
	require.NoError(t, f.orch.Start(context.Background()))
	t.Cleanup(f.orch.Stop)

	src := NewPipelineStatsSource(f.orch)
	assert.Equal(t, int64(0), src.PipelineStats().FinishedJobs)

	_, err := f.orch.Submit(context.Background(), &model.SubmitGenerationRequest{
		ProductID: "sofa-oslo",
		Materials: []string{"leather-tan"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return src.PipelineStats().FinishedJobs == 1
	}, svcWaitFor, svcTick)
}
