package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborview/backoffice/pkg/logger"
)

// Logger logs every HTTP request with latency and status.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		zl := log.Zerolog().With().
			Str("request_id", RequestIDFrom(c)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Logger()

		switch {
		case status >= 500:
			zl.Error().Msg("request failed")
		case status >= 400:
			zl.Warn().Msg("request rejected")
		default:
			zl.Info().Msg("request served")
		}
	}
}
