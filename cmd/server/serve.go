package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roadside-backend/internal/api/handlers"
	"roadside-backend/internal/api/routes"
	"roadside-backend/internal/reconcile"
	"roadside-backend/pkg/database"
	"roadside-backend/pkg/jwt"
	"roadside-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket stream and billing reconciliation",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tokens, err := jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return err
	}

	if err := a.hub.Start(); err != nil {
		return err
	}
	defer a.hub.Stop()

	limits := ratelimit.DefaultConfig()
	limits.Enabled = cfg.RateLimitEnabled

	deps := routes.Deps{
		Alerts:         handlers.NewAlertHandler(a.dispatch),
		Verification:   handlers.NewVerificationHandler(a.verification),
		WebSocket:      handlers.NewWebSocketHandler(a.hub),
		Tokens:         tokens,
		Limiter:        ratelimit.NewRedisRateLimiter(a.redis, limits),
		HTTPMetrics:    a.httpMetrics,
		Gatherer:       a.registry,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	mongoPing := handlers.PingFunc(func(ctx context.Context) error { return database.Health(ctx, a.db) })
	if a.nats != nil {
		deps.Health = handlers.NewHealthHandler(mongoPing, a.redis, a.nats)
	} else {
		deps.Health = handlers.NewHealthHandler(mongoPing, a.redis, nil)
	}
	deps.Health.WithProfileCache(a.profiles)

	scheduler, err := reconcile.New(a.dispatch, cfg.Billing.ReconcileSchedule, cfg.Billing.ReconcileGrace, cfg.Billing.ReconcileBatch)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.log.Error().Err(err).Msg("server failed")
		}
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
