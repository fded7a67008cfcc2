package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"atelier/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// Logger tags every request with an id and logs method, path, status and
// latency after completion. POST bodies are compacted and truncated.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		startTime := time.Now()

		var bodyStr string
		if c.Request.Method == http.MethodPost {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		if c.Writer.Status() == http.StatusNotFound {
			return
		}

		logMsg := fmt.Sprintf("[GIN] %s | %3d | %13v | %15s | %s %s",
			requestID,
			c.Writer.Status(),
			time.Since(startTime),
			c.ClientIP(),
			c.Request.Method,
			c.Request.RequestURI,
		)
		if bodyStr != "" {
			logMsg += fmt.Sprintf(" | body: %s", bodyStr)
		}

		logger.Infof("%s", logMsg)
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		// Reset request body since reading it clears it
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody strips whitespace from a JSON body and truncates it.
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > 1000 {
		return string(compressed[:1000]) + "..."
	}
	return string(compressed)
}
