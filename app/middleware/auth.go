package middleware

import (
	"net/http"
	"strings"

	"atelier/pkg/config"
	"atelier/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware simple token authentication middleware. Requests pass
// through unauthenticated while no API key is configured.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expectedAPIKey := ""
		if config.GlobalConfig != nil {
			expectedAPIKey = config.GlobalConfig.Server.APIKey
		}

		if expectedAPIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		authHeader = strings.TrimPrefix(authHeader, "Bearer ")

		if authHeader != expectedAPIKey {
			logger.WarnCtx(c.Request.Context(), "unauthorized request, path: %s", c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
