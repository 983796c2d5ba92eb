package routes

import (
	"roadside-backend/internal/api/handlers"
	"roadside-backend/internal/api/middleware"
	"roadside-backend/internal/models"
	"roadside-backend/pkg/jwt"
	"roadside-backend/pkg/metrics"
	"roadside-backend/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds everything the router serves. Limiter may be nil to disable
// rate limiting; Gatherer may be nil to leave /metrics unmounted.
type Deps struct {
	Alerts       *handlers.AlertHandler
	Verification *handlers.VerificationHandler
	WebSocket    *handlers.WebSocketHandler
	Health       *handlers.HealthHandler

	Tokens         *jwt.JWTUtil
	Limiter        ratelimit.RateLimiter
	HTTPMetrics    *metrics.HTTP
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// NewRouter builds the gin engine with its middleware stack and routes.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestContext(deps.HTTPMetrics))
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	SetupRoutes(router, deps)
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Window", "Retry-After"},
	}

	// Credentials cannot be combined with a wildcard origin.
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", deps.Health.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	driver := string(models.RoleDriver)
	mechanic := string(models.RoleMechanic)
	admin := string(models.RoleAdmin)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.Tokens, false))
	if deps.Limiter != nil {
		api.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}

	alerts := api.Group("/alerts")
	{
		alerts.POST("", middleware.RequireRole(driver, admin), deps.Alerts.CreateAlert)
		alerts.POST("/accept", middleware.RequireRole(mechanic, admin), deps.Alerts.AcceptAlert)
		alerts.POST("/complete", middleware.RequireRole(mechanic, admin), deps.Alerts.CompleteAlert)
		alerts.POST("/:id/cancel", deps.Alerts.CancelAlert)
		alerts.POST("/:id/communication/retry", middleware.RequireRole(mechanic, admin), deps.Alerts.RetryCommunication)
		alerts.POST("/:id/billing/retry", middleware.RequireRole(admin), deps.Alerts.RetryBilling)

		alerts.GET("", deps.Alerts.ListAlerts)
		alerts.GET("/active", deps.Alerts.ListActive)
		alerts.GET("/status/:id", deps.Alerts.GetStatus)
		alerts.GET("/:id", deps.Alerts.GetAlert)
		alerts.GET("/:id/active", deps.Alerts.ListActiveForMechanic)
	}

	verification := api.Group("/verification")
	{
		verification.POST("/codes", deps.Verification.SendCode)
		verification.POST("/verify", deps.Verification.VerifyCode)
	}

	ws := router.Group("/ws")
	ws.Use(middleware.AuthMiddleware(deps.Tokens, true))
	{
		ws.GET("/alerts", deps.WebSocket.HandleWebSocket)
		ws.GET("/clients", middleware.RequireRole(admin), deps.WebSocket.GetConnectedClients)
	}
}
