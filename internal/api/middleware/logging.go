package middleware

import (
	"time"

	"roadside-backend/pkg/logger"
	"roadside-backend/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	RequestIDHeader = "X-Request-ID"
	contextLogger   = "logger"
)

// RequestContext assigns a request id (reusing a well-formed inbound one),
// attaches a request-scoped logger, and logs and measures every request.
// httpMetrics may be nil.
func RequestContext(httpMetrics *metrics.HTTP) gin.HandlerFunc {
	base := logger.New("http")
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		log := base.With().Str("request_id", id).Logger()
		c.Set(contextLogger, log)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		if httpMetrics != nil {
			httpMetrics.Observe(c.Request.Method, route, status, elapsed)
		}

		ev := log.Info()
		if status >= 500 {
			ev = log.Error()
		} else if status >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("user_id", c.GetString(ContextUserID)).
			Msg("request")
	}
}

// RequestLogger returns the request-scoped logger, or a component logger
// when RequestContext is not installed.
func RequestLogger(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(contextLogger); ok {
		if log, ok := v.(zerolog.Logger); ok {
			return &log
		}
	}
	log := logger.New("http")
	return &log
}
