package main

import (
	"context"
	"errors"
	"fmt"

	"roadside-backend/internal/clients"
	"roadside-backend/internal/config"
	"roadside-backend/internal/events"
	"roadside-backend/internal/repository"
	"roadside-backend/internal/services"
	"roadside-backend/internal/websocket"
	"roadside-backend/pkg/cache"
	"roadside-backend/pkg/codestore"
	"roadside-backend/pkg/database"
	"roadside-backend/pkg/logger"
	"roadside-backend/pkg/metrics"
	"roadside-backend/pkg/redis"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// app is the wired dependency graph shared by serve and the one-shot
// commands.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	db     *mongo.Database
	redis  *redis.Client
	nats   *events.Client
	hub    *websocket.Manager
	alerts *repository.AlertRepository

	registry    *prometheus.Registry
	httpMetrics *metrics.HTTP

	profiles     *clients.CachedDirectory
	dispatch     *services.DispatchService
	verification *services.VerificationService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.New("main")}

	db, err := database.Connect(cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	a.db = db
	a.alerts = repository.NewAlertRepository(db)
	if err := a.alerts.CreateIndexes(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("create alert indexes: %w", err)
	}

	a.redis = redis.NewClient(cfg.Redis)
	if status := a.redis.HealthCheck(); status.IsConnected {
		a.log.Info().Str("addr", status.ConnectionInfo).Msg("redis connected")
	} else {
		a.log.Warn().Str("error", status.Error).Msg("redis unavailable, will retry in the background")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dispatchMetrics, err := metrics.NewDispatch(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("dispatch metrics: %w", err)
	}
	if a.httpMetrics, err = metrics.NewHTTP(a.registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("http metrics: %w", err)
	}

	a.hub = websocket.NewManager(cfg.AllowedOrigins)
	publisher, err := a.eventBus()
	if err != nil {
		a.Close()
		return nil, err
	}

	collab := cfg.Collaborators
	directory := clients.NewDirectoryClient(collab.UserServiceURL, collab.Timeout)
	profileCache := cache.DefaultCacheConfig()
	profileCache.ProfileTTL = cfg.Dispatch.ProfileCacheTTL
	a.profiles = clients.NewCachedDirectory(directory, cache.NewCacheManager(a.redis, profileCache), cfg.Dispatch.ProfileCacheTTL, logger.New("profile-cache"))
	notifier := clients.NewHTTPNotifier(collab.NotificationServiceURL, collab.Timeout)

	a.dispatch = services.NewDispatchService(services.DispatchDeps{
		Alerts: a.alerts,
		// Matching always reads live mechanic status.
		Matcher:     services.NewMatcher(directory, logger.New("matcher")),
		Profiles:    a.profiles,
		Notifier:    notifier,
		Provisioner: clients.NewHTTPProvisioner(collab.CommunicationServiceURL, collab.Timeout),
		Billing:     clients.NewHTTPBillingEmitter(collab.PaymentServiceURL, collab.Timeout),
		Events:      publisher,
		Metrics:     dispatchMetrics,
	}, services.DispatchOptions{
		Pricing: services.Pricing{
			BaseRatePerMinute: cfg.Dispatch.BaseRatePerMinute,
			MinimumCharge:     cfg.Dispatch.MinimumCharge,
		},
		NotifyPolicy:        cfg.Dispatch.NotifyPolicy,
		CollaboratorTimeout: collab.Timeout,
	}, logger.New("dispatch"))

	a.verification = services.NewVerificationService(
		codestore.NewRedisStore(a.redis, ""),
		notifier,
		cfg.VerificationCodeTTL,
		logger.New("verification"),
	)

	return a, nil
}

// eventBus relays lifecycle events over NATS when configured, so every
// instance's websocket hub sees every alert. Without NATS events stay in
// process.
func (a *app) eventBus() (services.EventPublisher, error) {
	if a.cfg.NATSURL == "" {
		local := events.NewLocal()
		local.Subscribe(a.hub.Deliver)
		a.log.Info().Msg("NATS_URL not set, lifecycle events stay in process")
		return local, nil
	}

	client, err := events.NewClient(events.Config{URL: a.cfg.NATSURL})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.nats = client
	if err := client.SubscribeAlerts(a.hub.Deliver); err != nil {
		return nil, fmt.Errorf("subscribe alert events: %w", err)
	}
	return events.NewPublisher(client), nil
}

func (a *app) Close() {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, database.Disconnect(a.db.Client()))
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error().Err(err).Msg("shutdown")
	}
}
