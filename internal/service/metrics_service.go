package service

import (
	"context"
	"time"

	"atelier/internal/orchestrator"
	"atelier/pkg/advisor"
	"atelier/pkg/breaker"
	"atelier/pkg/matcache"
	"atelier/pkg/monitor"
)

// GenerationMetrics is the pipeline block of the metrics response. QueueSize
// folds pending and admitted-but-not-started jobs into the single number the
// dashboard plots; the full breakdown stays available in the embedded fields.
type GenerationMetrics struct {
	orchestrator.Metrics
	QueueSize           int    `json:"queue_size"`
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

// SystemMetrics is the full system health view.
type SystemMetrics struct {
	Resources       monitor.Snapshot         `json:"resources"`
	Generation      GenerationMetrics        `json:"generation"`
	Breakers        []breaker.Stats          `json:"breakers"`
	Cache           matcache.Stats           `json:"cache"`
	Recommendations []advisor.Recommendation `json:"recommendations"`
	CollectedAt     time.Time                `json:"collected_at"`
}

// MaterialHealth is the cache health view behind the materials endpoint.
type MaterialHealth struct {
	MaterialsLoaded     int     `json:"materials_loaded"`
	AverageSwitchTimeMS float64 `json:"average_switch_time_ms"`
	SLOCompliance       float64 `json:"slo_compliance"`
	CacheSize           int     `json:"cache_size"`
	MemoryUsageBytes    int64   `json:"memory_usage_bytes"`
}

// MetricsService composes monitor, pipeline, breaker, cache and advisor
// state into the read-only views behind the metrics endpoints.
type MetricsService struct {
	monitor  *monitor.Monitor
	orch     *orchestrator.Orchestrator
	breakers *breaker.Registry
	cache    *matcache.Cache
	advisor  *advisor.Advisor
}

// NewMetricsService creates a new metrics service
func NewMetricsService(mon *monitor.Monitor, orch *orchestrator.Orchestrator, breakers *breaker.Registry, cache *matcache.Cache, adv *advisor.Advisor) *MetricsService {
	return &MetricsService{
		monitor:  mon,
		orch:     orch,
		breakers: breakers,
		cache:    cache,
		advisor:  adv,
	}
}

// GetSystemMetrics collects the current resource snapshot, pipeline counters,
// breaker and cache state, and a fresh advisor evaluation.
func (s *MetricsService) GetSystemMetrics(ctx context.Context) *SystemMetrics {
	pipeline := s.orch.Metrics()

	return &SystemMetrics{
		Resources: s.monitor.Snapshot(),
		Generation: GenerationMetrics{
			Metrics:             pipeline,
			QueueSize:           pipeline.PendingJobs + pipeline.QueuedJobs,
			CircuitBreakerState: s.breakers.Get(orchestrator.BreakerClass).State().String(),
		},
		Breakers:        s.breakers.Stats(),
		Cache:           s.cache.Stats(),
		Recommendations: s.advisor.Evaluate(ctx),
		CollectedAt:     time.Now(),
	}
}

// GetMaterialHealth reports cache occupancy and switch latency health.
func (s *MetricsService) GetMaterialHealth(ctx context.Context) *MaterialHealth {
	stats := s.cache.Stats()
	return &MaterialHealth{
		MaterialsLoaded:     stats.Size,
		AverageSwitchTimeMS: stats.AverageSwitchMS,
		SLOCompliance:       stats.SLOCompliance,
		CacheSize:           stats.Capacity,
		MemoryUsageBytes:    stats.MemoryBytes,
	}
}

// ApplyOptimization runs the automatic remediation for a recommendation type
// and re-samples resources to confirm the effect.
func (s *MetricsService) ApplyOptimization(ctx context.Context, fixType string) (bool, error) {
	return s.advisor.ApplyFix(ctx, fixType)
}

// RefreshResources forces a blocking resource sample, bypassing the ticker.
func (s *MetricsService) RefreshResources(ctx context.Context) monitor.Snapshot {
	return s.monitor.SampleNow(ctx)
}

// PipelineStatsSource adapts orchestrator counters to the advisor's view of
// pipeline health. Cancelled jobs count as finished runs.
type PipelineStatsSource struct {
	orch *orchestrator.Orchestrator
}

// NewPipelineStatsSource creates the adapter for advisor wiring.
func NewPipelineStatsSource(orch *orchestrator.Orchestrator) *PipelineStatsSource {
	return &PipelineStatsSource{orch: orch}
}

// PipelineStats implements advisor.StatsSource.
func (p *PipelineStatsSource) PipelineStats() advisor.PipelineStats {
	m := p.orch.Metrics()
	return advisor.PipelineStats{
		FinishedJobs: m.CompletedJobs + m.PartialJobs + m.FailedJobs + m.CancelledJobs,
		RetryCount:   m.RetryCount,
	}
}
