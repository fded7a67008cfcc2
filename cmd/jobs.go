package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"atelier/internal/jobs"
	"atelier/internal/orchestrator"
	"atelier/pkg/advisor"
	"atelier/pkg/config"
	"atelier/pkg/logger"
	"atelier/pkg/matcache"
	"atelier/pkg/render"
	mysqlstore "atelier/pkg/store/mysql"
	redisstore "atelier/pkg/store/redis"
)

func (app *Application) initJobs() error {
	if app.orch == nil || app.advisor == nil {
		logger.WarnCtx(app.ctx, "Generation pipeline not fully initialized yet, skipping background task registration")
		return nil
	}

	manager := jobs.NewManager(app.ctx)

	// Distributed locks keep maintenance passes that touch shared state
	// (MySQL rows, the Redis cache tier) from running on every replica
	// at once. Without Redis the locks degrade to single-instance mode.
	var redisClient *redis.Client
	if app.redisClient != nil {
		redisClient = app.redisClient.GetClient()
	}

	// The advisor sweep and queue purge read per-instance state, so every
	// replica runs them unlocked.
	manager.Register(newAdvisorSweepJob(app.config.Advisor.Interval, app.advisor))
	manager.Register(newQueuePurgeJob(15*time.Minute, app.orch, app.config.Queue.Retention))

	if app.mysqlRepo != nil {
		auditRetentionLock := redisstore.NewDistributedLock(redisClient, "cleanup:audit-retention-lock")
		manager.Register(newAuditRetentionJob(24*time.Hour, app.mysqlRepo, app.config.MySQL.RetentionDays, auditRetentionLock))
	}

	if len(app.config.Cache.Preload) > 0 {
		preloadLock := redisstore.NewDistributedLock(redisClient, "cache:preload-lock")
		manager.Register(newPreloadJob(time.Hour, app.materialCache, app.config.Cache.Preload, app.renderer, preloadLock))
	}

	app.jobsManager = manager
	return nil
}

// advisorSweepJob periodically evaluates the pipeline and surfaces
// recommendations in the log so operators see pressure building before
// admissions start getting throttled.
type advisorSweepJob struct {
	interval time.Duration
	advisor  *advisor.Advisor
}

func newAdvisorSweepJob(interval time.Duration, adv *advisor.Advisor) jobs.Job {
	return &advisorSweepJob{
		interval: interval,
		advisor:  adv,
	}
}

func (j *advisorSweepJob) Name() string {
	return "advisor-sweep"
}

func (j *advisorSweepJob) Interval() time.Duration {
	return j.interval
}

func (j *advisorSweepJob) Run(ctx context.Context) error {
	if j.advisor == nil {
		return fmt.Errorf("advisor not configured")
	}

	recs := j.advisor.Evaluate(ctx)
	for _, rec := range recs {
		switch rec.Severity {
		case advisor.SeverityCritical, advisor.SeverityHigh:
			logger.WarnCtx(ctx, "advisor recommendation [%s/%s]: %s (auto-fix: %v)",
				rec.Severity, rec.Type, rec.Description, rec.AutoFixAvailable)
		default:
			logger.InfoCtx(ctx, "advisor recommendation [%s/%s]: %s",
				rec.Severity, rec.Type, rec.Description)
		}
	}
	return nil
}

// queuePurgeJob drops terminal jobs that have aged out of the in-memory
// retention window. Runs per instance; each replica owns its own queue.
type queuePurgeJob struct {
	interval  time.Duration
	orch      *orchestrator.Orchestrator
	retention time.Duration
}

func newQueuePurgeJob(interval time.Duration, orch *orchestrator.Orchestrator, retention time.Duration) jobs.Job {
	return &queuePurgeJob{
		interval:  interval,
		orch:      orch,
		retention: retention,
	}
}

func (j *queuePurgeJob) Name() string {
	return "queue-purge"
}

func (j *queuePurgeJob) Interval() time.Duration {
	return j.interval
}

func (j *queuePurgeJob) Run(ctx context.Context) error {
	if j.orch == nil {
		return fmt.Errorf("orchestrator not configured")
	}

	logger.DebugCtx(ctx, "running queue purge job")
	j.orch.PurgeTerminal(j.retention)
	return nil
}

// auditRetentionJob cleans up old audit data (jobs, job_events) daily.
type auditRetentionJob struct {
	interval        time.Duration
	repo            *mysqlstore.Repository
	retentionDays   int
	distributedLock redisstore.Lock
}

func newAuditRetentionJob(interval time.Duration, repo *mysqlstore.Repository, retentionDays int, lock redisstore.Lock) jobs.Job {
	return &auditRetentionJob{interval: interval, repo: repo, retentionDays: retentionDays, distributedLock: lock}
}

func (j *auditRetentionJob) Name() string { return "audit-retention-cleanup" }

func (j *auditRetentionJob) Interval() time.Duration { return j.interval }

func (j *auditRetentionJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running audit retention cleanup, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	olderThan := time.Duration(j.retentionDays) * 24 * time.Hour

	jobRows, _ := j.repo.Job.DeleteOld(ctx, olderThan)
	if jobRows > 0 {
		logger.InfoCtx(ctx, "cleaned up %d old job records (older than %d days)", jobRows, j.retentionDays)
	}

	eventRows, _ := j.repo.JobEvent.DeleteOldEvents(ctx, olderThan)
	if eventRows > 0 {
		logger.InfoCtx(ctx, "cleaned up %d old job events (older than %d days)", eventRows, j.retentionDays)
	}

	return nil
}

// preloadJob keeps the configured popular material pairs warm. The first
// pass at startup fills the cache before traffic arrives; later passes
// repair entries lost to pressure eviction. Only one replica renders; the
// others pick the bundles up from the Redis tier on first request.
type preloadJob struct {
	interval        time.Duration
	cache           *matcache.Cache
	pairs           []config.PreloadEntry
	renderer        render.Renderer
	distributedLock redisstore.Lock
}

func newPreloadJob(interval time.Duration, cache *matcache.Cache, pairs []config.PreloadEntry, renderer render.Renderer, lock redisstore.Lock) jobs.Job {
	return &preloadJob{
		interval:        interval,
		cache:           cache,
		pairs:           pairs,
		renderer:        renderer,
		distributedLock: lock,
	}
}

func (j *preloadJob) Name() string { return "material-preload" }

func (j *preloadJob) Interval() time.Duration { return j.interval }

func (j *preloadJob) Run(ctx context.Context) error {
	if j.cache == nil || j.renderer == nil {
		return fmt.Errorf("material cache not configured")
	}
	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running material preload, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	logger.DebugCtx(ctx, "running material preload job")
	j.cache.Preload(ctx, j.pairs, j.renderer.Render)
	return nil
}
