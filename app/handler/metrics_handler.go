package handler

import (
	"net/http"

	"atelier/internal/service"

	"github.com/gin-gonic/gin"
)

// MetricsHandler exposes the system health views consumed by the
// performance monitor dashboard.
type MetricsHandler struct {
	metricsService *service.MetricsService
}

// NewMetricsHandler creates metrics handler
func NewMetricsHandler(metricsService *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{
		metricsService: metricsService,
	}
}

// GetSystemMetrics gets the full system metrics view
// @Summary Get system metrics
// @Description Resource snapshot, pipeline counters, breaker and cache state plus current recommendations
// @Tags metrics
// @Produce json
// @Success 200 {object} service.SystemMetrics
// @Router /api/v1/metrics [get]
func (h *MetricsHandler) GetSystemMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metricsService.GetSystemMetrics(c.Request.Context()))
}

// GetMaterialHealth gets cache health
// @Summary Get material cache health
// @Description Cache occupancy, switch latency and SLO compliance
// @Tags metrics
// @Produce json
// @Success 200 {object} service.MaterialHealth
// @Router /api/v1/materials/health [get]
func (h *MetricsHandler) GetMaterialHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.metricsService.GetMaterialHealth(c.Request.Context()))
}

// RefreshResources forces a resource sample
// @Summary Refresh resource snapshot
// @Description Blocking resource re-sample, bypassing the monitor ticker
// @Tags metrics
// @Produce json
// @Success 200 {object} monitor.Snapshot
// @Router /api/v1/metrics/resources/refresh [post]
func (h *MetricsHandler) RefreshResources(c *gin.Context) {
	c.JSON(http.StatusOK, h.metricsService.RefreshResources(c.Request.Context()))
}
