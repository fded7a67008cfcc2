package handler

import (
	"net/http"

	"atelier/internal/service"

	"github.com/gin-gonic/gin"
)

// AssetHandler serves rendered material bundles to the storefront. This is
// the latency-critical path behind the live product customization view.
type AssetHandler struct {
	assetService *service.AssetService
}

// NewAssetHandler creates asset handler
func NewAssetHandler(assetService *service.AssetService) *AssetHandler {
	return &AssetHandler{
		assetService: assetService,
	}
}

// Serve returns the cached bundle for a (product, material) pair
// @Summary Serve asset bundle
// @Description Serve the rendered bundle for a product and material. Returns 202 not_ready while generation is still pending; callers retry shortly.
// @Tags assets
// @Produce json
// @Param product path string true "Product ID"
// @Param material path string true "Material ID"
// @Success 200 {object} model.AssetBundle
// @Success 202 {object} map[string]string
// @Router /api/v1/assets/{product}/{material} [get]
func (h *AssetHandler) Serve(c *gin.Context) {
	productID := c.Param("product")
	materialID := c.Param("material")
	if productID == "" || materialID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product and material required"})
		return
	}

	bundle, ok := h.assetService.ServeAsset(c.Request.Context(), productID, materialID)
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, bundle)
}
