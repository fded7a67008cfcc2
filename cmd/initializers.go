package main

import (
	"context"
	"fmt"
	"net/http"

	"atelier/app/handler"
	"atelier/app/router"
	"atelier/internal/orchestrator"
	"atelier/internal/service"
	"atelier/pkg/advisor"
	"atelier/pkg/breaker"
	"atelier/pkg/config"
	"atelier/pkg/logger"
	"atelier/pkg/matcache"
	"atelier/pkg/monitor"
	"atelier/pkg/notification"
	"atelier/pkg/render"
	mysqlstore "atelier/pkg/store/mysql"
	redisstore "atelier/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
		logger.InfoCtx(app.ctx, "Logging system has been closed")
	})
	return nil
}

// initMySQL initializes the job audit store. Optional: the orchestrator runs
// fully in memory when disabled.
func (app *Application) initMySQL() error {
	if !app.config.MySQL.Enabled {
		logger.InfoCtx(app.ctx, "MySQL disabled, job history will not be persisted")
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		app.config.MySQL.User,
		app.config.MySQL.Password,
		app.config.MySQL.Host,
		app.config.MySQL.Port,
		app.config.MySQL.Database,
	)

	repo, err := mysqlstore.NewRepository(dsn)
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initRedis initializes the shared cache tier and lock client. Optional.
func (app *Application) initRedis() error {
	if !app.config.Redis.Enabled {
		logger.InfoCtx(app.ctx, "Redis disabled, cache runs memory-only and locks degrade to single-instance mode")
		return nil
	}

	client, err := redisstore.NewRedisClient(&app.config.Redis)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initRenderer initializes the render backend client
func (app *Application) initRenderer() error {
	renderer, err := render.New(app.config.Render)
	if err != nil {
		return err
	}
	app.renderer = renderer
	return nil
}

// initPipeline wires the resource monitor, circuit breaker registry,
// material cache and generation orchestrator.
func (app *Application) initPipeline() error {
	app.resourceMonitor = monitor.New(app.config.Monitor, monitor.SystemProbe{})
	app.breakers = breaker.NewRegistry(app.config.Breaker)

	app.materialCache = matcache.New(app.config.Cache)
	if app.redisClient != nil {
		app.materialCache.WithRedis(app.redisClient.GetClient())
		logger.InfoCtx(app.ctx, "material cache using Redis second tier")
	}

	app.orch = orchestrator.New(
		app.config.Executor,
		app.config.Queue,
		app.resourceMonitor,
		app.breakers,
		app.materialCache,
		app.renderer,
	)

	app.advisor = advisor.New(
		app.config.Advisor,
		app.config.Monitor,
		app.resourceMonitor,
		app.breakers,
		app.materialCache,
		service.NewPipelineStatsSource(app.orch),
	).WithPreloader(func(ctx context.Context) int {
		return app.materialCache.Preload(ctx, app.config.Cache.Preload, app.renderer.Render)
	})

	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.generationService = service.NewGenerationService(
		app.orch,
		app.mysqlRepo,
		notification.NewJobNotifier(),
	)
	app.orch.SetEventSink(app.generationService)

	app.metricsService = service.NewMetricsService(
		app.resourceMonitor,
		app.orch,
		app.breakers,
		app.materialCache,
		app.advisor,
	)

	app.assetService = service.NewAssetService(app.materialCache)

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.generationHandler = handler.NewGenerationHandler(app.generationService)
	app.assetHandler = handler.NewAssetHandler(app.assetService)
	app.metricsHandler = handler.NewMetricsHandler(app.metricsService)
	app.optimizationHandler = handler.NewOptimizationHandler(app.metricsService)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(
		app.generationHandler,
		app.assetHandler,
		app.metricsHandler,
		app.optimizationHandler,
	)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}
