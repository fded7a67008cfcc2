package handler

import (
	"net/http"

	"atelier/internal/service"
	"atelier/pkg/logger"

	"github.com/gin-gonic/gin"
)

// OptimizationHandler triggers advisor remediations.
type OptimizationHandler struct {
	metricsService *service.MetricsService
}

// NewOptimizationHandler creates optimization handler
func NewOptimizationHandler(metricsService *service.MetricsService) *OptimizationHandler {
	return &OptimizationHandler{
		metricsService: metricsService,
	}
}

// Apply runs the automatic fix for a recommendation type
// @Summary Apply optimization
// @Description Run the automatic remediation for a recommendation type. Manual-only types report applied=false.
// @Tags optimizations
// @Produce json
// @Param type path string true "Recommendation type"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/optimizations/{type}/apply [post]
func (h *OptimizationHandler) Apply(c *gin.Context) {
	fixType := c.Param("type")
	if fixType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type required"})
		return
	}

	applied, err := h.metricsService.ApplyOptimization(c.Request.Context(), fixType)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to apply optimization, type: %s, error: %v", fixType, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type":    fixType,
		"applied": applied,
	})
}
