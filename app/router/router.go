package router

import (
	"net/http"

	"atelier/app/handler"
	"atelier/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	generationHandler   *handler.GenerationHandler
	assetHandler        *handler.AssetHandler
	metricsHandler      *handler.MetricsHandler
	optimizationHandler *handler.OptimizationHandler
}

// NewRouter creates a new Router
func NewRouter(generationHandler *handler.GenerationHandler, assetHandler *handler.AssetHandler, metricsHandler *handler.MetricsHandler, optimizationHandler *handler.OptimizationHandler) *Router {
	return &Router{
		generationHandler:   generationHandler,
		assetHandler:        assetHandler,
		metricsHandler:      metricsHandler,
		optimizationHandler: optimizationHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware())
	{
		// Generation job lifecycle
		generations := api.Group("/generations")
		{
			generations.POST("", r.generationHandler.Submit)
			generations.GET("", r.generationHandler.List)
			generations.GET("/:id", r.generationHandler.Status)
			generations.POST("/:id/cancel", r.generationHandler.Cancel)
			generations.GET("/:id/events", r.generationHandler.Timeline)
			generations.GET("/:id/progress/ws", r.generationHandler.ProgressWS)
		}

		// Asset serving for the storefront customization view
		api.GET("/assets/:product/:material", r.assetHandler.Serve)

		// Health views for the performance monitor
		api.GET("/metrics", r.metricsHandler.GetSystemMetrics)
		api.POST("/metrics/resources/refresh", r.metricsHandler.RefreshResources)
		api.GET("/materials/health", r.metricsHandler.GetMaterialHealth)

		// Advisor remediations
		api.POST("/optimizations/:type/apply", r.optimizationHandler.Apply)
	}
}
