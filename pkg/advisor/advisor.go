// Package advisor turns system aggregates into optimization recommendations
// and applies the automatic remediations.
package advisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"atelier/pkg/breaker"
	"atelier/pkg/config"
	"atelier/pkg/logger"
	"atelier/pkg/matcache"
	"atelier/pkg/monitor"

	"github.com/google/uuid"
)

// Severity grades a recommendation.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recommendation types. The first three carry an automatic fix.
const (
	TypeEvictCache          = "evict-cache"
	TypeDiskCleanup         = "disk-cleanup"
	TypePreloadCache        = "preload-cache"
	TypeReduceConcurrency   = "reduce-concurrency"
	TypeInvestigateRenderer = "investigate-renderer"
)

// Recommendation is one piece of advice derived from current system state.
type Recommendation struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
	AutoFixAvailable bool      `json:"auto_fix_available"`
	CreatedAt        time.Time `json:"created_at"`
}

// ResourceSampler is the monitor view the advisor needs: the latest sample
// plus an on-demand refresh to confirm a fix took effect.
type ResourceSampler interface {
	Snapshot() monitor.Snapshot
	SampleNow(ctx context.Context) monitor.Snapshot
}

// PipelineStats is the executor counter view used for retry-rate advice.
type PipelineStats struct {
	FinishedJobs int64
	RetryCount   int64
}

// StatsSource supplies pipeline counters.
type StatsSource interface {
	PipelineStats() PipelineStats
}

// Advisor evaluates resource, breaker, cache and pipeline state.
type Advisor struct {
	cfg      config.AdvisorConfig
	monCfg   config.MonitorConfig
	sampler  ResourceSampler
	breakers *breaker.Registry
	cache    *matcache.Cache
	stats    StatsSource
	preload  func(ctx context.Context) int
}

// New creates an advisor. Any dependency may be nil; the matching rules are
// skipped.
func New(cfg config.AdvisorConfig, monCfg config.MonitorConfig, sampler ResourceSampler, breakers *breaker.Registry, cache *matcache.Cache, stats StatsSource) *Advisor {
	def := config.DefaultAdvisorConfig()
	if cfg.RetryRateThreshold <= 0 {
		cfg.RetryRateThreshold = def.RetryRateThreshold
	}
	if monCfg.MemoryThreshold <= 0 {
		monCfg.MemoryThreshold = config.DefaultMonitorConfig().MemoryThreshold
	}
	if monCfg.DiskThreshold <= 0 {
		monCfg.DiskThreshold = config.DefaultMonitorConfig().DiskThreshold
	}
	return &Advisor{
		cfg:      cfg,
		monCfg:   monCfg,
		sampler:  sampler,
		breakers: breakers,
		cache:    cache,
		stats:    stats,
	}
}

// WithPreloader wires the cache preload trigger used by the preload fix.
func (a *Advisor) WithPreloader(fn func(ctx context.Context) int) *Advisor {
	a.preload = fn
	return a
}

// Evaluate derives recommendations from the current snapshot, breaker
// states, pipeline counters and cache statistics.
func (a *Advisor) Evaluate(ctx context.Context) []Recommendation {
	recs := []Recommendation{}
	now := time.Now()

	if a.sampler != nil {
		snap := a.sampler.Snapshot()
		if snap.MemoryOverLimit {
			recs = append(recs, Recommendation{
				ID:       uuid.New().String(),
				Type:     TypeEvictCache,
				Severity: severityOver(snap.MemoryPercent, a.monCfg.MemoryThreshold),
				Description: fmt.Sprintf("memory at %.1f%% exceeds the %.0f%% limit; evicting cold cache entries frees heap",
					snap.MemoryPercent, a.monCfg.MemoryThreshold),
				AutoFixAvailable: true,
				CreatedAt:        now,
			})
		}
		if snap.DiskOverLimit {
			recs = append(recs, Recommendation{
				ID:       uuid.New().String(),
				Type:     TypeDiskCleanup,
				Severity: severityOver(snap.DiskPercent, a.monCfg.DiskThreshold),
				Description: fmt.Sprintf("disk at %.1f%% exceeds the %.0f%% limit; pruning render temp directories reclaims space",
					snap.DiskPercent, a.monCfg.DiskThreshold),
				AutoFixAvailable: true,
				CreatedAt:        now,
			})
		}
		if snap.ProcessOverLimit {
			recs = append(recs, Recommendation{
				ID:               uuid.New().String(),
				Type:             TypeReduceConcurrency,
				Severity:         SeverityHigh,
				Description:      fmt.Sprintf("%d processes exceed the configured cap; lower executor workers", snap.ProcessCount),
				AutoFixAvailable: false,
				CreatedAt:        now,
			})
		}
	}

	if a.breakers != nil {
		for _, st := range a.breakers.Stats() {
			if st.State == breaker.StateClosed.String() {
				continue
			}
			recs = append(recs, Recommendation{
				ID:       uuid.New().String(),
				Type:     TypeInvestigateRenderer,
				Severity: SeverityHigh,
				Description: fmt.Sprintf("circuit for %s is %s after %d consecutive failures; renderer needs attention",
					st.Class, st.State, st.ConsecutiveFailures),
				AutoFixAvailable: false,
				CreatedAt:        now,
			})
		}
	}

	if a.stats != nil {
		ps := a.stats.PipelineStats()
		if ps.FinishedJobs > 0 {
			rate := float64(ps.RetryCount) / float64(ps.FinishedJobs) * 100
			if rate > a.cfg.RetryRateThreshold {
				sev := SeverityMedium
				if rate > a.cfg.RetryRateThreshold*2 {
					sev = SeverityHigh
				}
				recs = append(recs, Recommendation{
					ID:       uuid.New().String(),
					Type:     TypeReduceConcurrency,
					Severity: sev,
					Description: fmt.Sprintf("retry rate at %.0f%% of finished jobs exceeds %.0f%%; fewer concurrent renders would ease the farm",
						rate, a.cfg.RetryRateThreshold),
					AutoFixAvailable: false,
					CreatedAt:        now,
				})
			}
		}
	}

	if a.cache != nil {
		cs := a.cache.Stats()
		if cs.Size > 0 && cs.SLOCompliance < 95 {
			sev := SeverityMedium
			if cs.SLOCompliance < 80 {
				sev = SeverityHigh
			}
			recs = append(recs, Recommendation{
				ID:       uuid.New().String(),
				Type:     TypePreloadCache,
				Severity: sev,
				Description: fmt.Sprintf("switch latency meets the %dms target only %.0f%% of the time; preloading popular materials lifts the hit path",
					cs.TargetLatencyMS, cs.SLOCompliance),
				AutoFixAvailable: a.preload != nil,
				CreatedAt:        now,
			})
		}
	}

	return recs
}

// ApplyFix runs the automatic remediation for fixType, then refreshes the
// resource sample so callers observe the effect. Manual and unknown types
// return applied=false without error.
func (a *Advisor) ApplyFix(ctx context.Context, fixType string) (bool, error) {
	var detail string

	switch fixType {
	case TypeEvictCache:
		if a.cache == nil {
			return false, nil
		}
		n := a.cache.EvictLeastValuable(a.evictBatch())
		detail = fmt.Sprintf("evicted %d cache entries", n)

	case TypeDiskCleanup:
		removed, failed := a.pruneTempDirs()
		if removed == 0 && failed > 0 {
			return false, fmt.Errorf("disk cleanup removed nothing, %d removals failed", failed)
		}
		detail = fmt.Sprintf("removed %d temp files", removed)

	case TypePreloadCache:
		if a.preload == nil {
			return false, nil
		}
		loaded := a.preload(ctx)
		detail = fmt.Sprintf("preloaded %d material bundles", loaded)

	default:
		return false, nil
	}

	if a.sampler != nil {
		after := a.sampler.SampleNow(ctx)
		logger.InfoCtx(ctx, "optimization applied, type: %s, %s, memory: %.1f%%, disk: %.1f%%",
			fixType, detail, after.MemoryPercent, after.DiskPercent)
	} else {
		logger.InfoCtx(ctx, "optimization applied, type: %s, %s", fixType, detail)
	}
	return true, nil
}

// evictBatch sizes the eviction fix at a tenth of capacity, at least one.
func (a *Advisor) evictBatch() int {
	n := a.cache.Stats().Capacity / 10
	if n < 1 {
		n = 1
	}
	return n
}

// pruneTempDirs removes regular files from the configured temp directories.
func (a *Advisor) pruneTempDirs() (removed, failed int) {
	for _, dir := range a.cfg.TempDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warnf("temp dir not readable, dir: %s, error: %v", dir, err)
			failed++
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				failed++
				continue
			}
			removed++
		}
	}
	return removed, failed
}

func severityOver(value, limit float64) Severity {
	if value > limit+5 {
		return SeverityCritical
	}
	return SeverityHigh
}
