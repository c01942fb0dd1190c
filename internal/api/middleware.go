package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"healthchat/internal/metrics"
)

// requestLogger logs each request with zerolog and records HTTP metrics.
func requestLogger(logger zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		m.RecordHTTP(c.Request.Method, route, strconv.Itoa(status), duration)

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		}
		event.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration_ms", duration).
			Msg("request completed")
	}
}
