package handlers

import (
	"context"
	"net/http"
	"time"

	"roadside-backend/pkg/cache"
	"roadside-backend/pkg/redis"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Connectivity is implemented by clients that track their own connection,
// such as the NATS client.
type Connectivity interface {
	IsConnected() bool
}

// CacheStatsReporter exposes profile cache counters.
type CacheStatsReporter interface {
	CacheStats(ctx context.Context) cache.CacheStats
}

type HealthHandler struct {
	mongo Pinger
	redis *redis.Client
	nats  Connectivity
	cache CacheStatsReporter
}

// NewHealthHandler builds a health handler. redisClient and nats may be nil
// when those dependencies are not configured.
func NewHealthHandler(mongo Pinger, redisClient *redis.Client, nats Connectivity) *HealthHandler {
	return &HealthHandler{
		mongo: mongo,
		redis: redisClient,
		nats:  nats,
	}
}

// WithProfileCache adds profile cache stats to the redis status.
func (h *HealthHandler) WithProfileCache(c CacheStatsReporter) *HealthHandler {
	h.cache = c
	return h
}

type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Services  map[string]map[string]any `json:"services"`
}

// HealthCheck reports 200 when the alert store and Redis are reachable. The
// event bus is informational: alerts keep working without it.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]map[string]any),
	}

	healthy := true

	mongoStatus := h.checkMongoDB(c.Request.Context())
	response.Services["mongodb"] = mongoStatus
	if !mongoStatus["healthy"].(bool) {
		healthy = false
	}

	if h.redis != nil {
		redisStatus := h.checkRedis()
		if h.cache != nil {
			redisStatus["profileCache"] = h.cache.CacheStats(c.Request.Context())
		}
		response.Services["redis"] = redisStatus
		if !redisStatus["healthy"].(bool) {
			healthy = false
		}
	}

	if h.nats != nil {
		natsStatus := map[string]any{
			"service": "nats",
			"healthy": h.nats.IsConnected(),
		}
		if r, ok := h.nats.(interface{ Reconnects() int64 }); ok {
			natsStatus["reconnects"] = r.Reconnects()
		}
		response.Services["nats"] = natsStatus
	}

	if healthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
		return
	}
	response.Status = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, response)
}

func (h *HealthHandler) checkMongoDB(ctx context.Context) map[string]any {
	status := map[string]any{
		"service": "mongodb",
		"healthy": false,
	}
	if h.mongo == nil {
		status["error"] = "Database client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.mongo.Ping(ctx); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["responseTime"] = time.Since(start).String()
	return status
}

func (h *HealthHandler) checkRedis() map[string]any {
	health := h.redis.HealthCheck()
	status := map[string]any{
		"service":         "redis",
		"healthy":         health.IsConnected,
		"responseTime":    health.ResponseTime.String(),
		"lastPing":        health.LastPing,
		"connectionStats": h.redis.GetConnectionStats(),
	}
	if health.Error != "" {
		status["error"] = health.Error
	}
	return status
}
