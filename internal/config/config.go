package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Notification policies for a freshly created alert.
const (
	NotifyFirst = "first"
	NotifyAll   = "all"
)

type Config struct {
	Env            string
	LogLevel       string
	Port           string
	MongoURI       string
	JWTSecret      string
	JWTExpiry      time.Duration
	AllowedOrigins []string
	NATSURL        string

	Redis         RedisConfig
	Collaborators CollaboratorConfig
	Dispatch      DispatchConfig
	Billing       BillingConfig

	VerificationCodeTTL time.Duration
	RateLimitEnabled    bool
}

// RedisConfig holds connection and pool settings for pkg/redis.
type RedisConfig struct {
	URL                string
	Host               string
	Port               string
	Password           string
	DB                 int
	PoolSize           int
	MinIdleConns       int
	MaxRetries         int
	RetryDelay         time.Duration
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PoolTimeout        time.Duration
	IdleTimeout        time.Duration
	IdleCheckFrequency time.Duration
}

// CollaboratorConfig points at the services the dispatch engine calls out to.
type CollaboratorConfig struct {
	UserServiceURL          string
	NotificationServiceURL  string
	CommunicationServiceURL string
	PaymentServiceURL       string
	Timeout                 time.Duration
}

type DispatchConfig struct {
	BaseRatePerMinute decimal.Decimal
	MinimumCharge     decimal.Decimal
	NotifyPolicy      string
	ProfileCacheTTL   time.Duration
}

type BillingConfig struct {
	ReconcileSchedule string
	ReconcileGrace    time.Duration
	ReconcileBatch    int
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by CONFIG_FILE, and finally the process environment. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg, err := fromKoanf(k)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	baseRate, err := decimal.NewFromString(str(k, "base_rate_per_minute", "10"))
	if err != nil {
		return nil, fmt.Errorf("base_rate_per_minute: %w", err)
	}
	minimum, err := decimal.NewFromString(str(k, "minimum_charge", "20"))
	if err != nil {
		return nil, fmt.Errorf("minimum_charge: %w", err)
	}

	origins := strings.Split(str(k, "allowed_origins", "http://localhost:5173"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Env:            str(k, "app_env", "production"),
		LogLevel:       str(k, "log_level", "info"),
		Port:           str(k, "port", "8080"),
		MongoURI:       k.String("mongo_uri"),
		JWTSecret:      k.String("jwt_secret"),
		JWTExpiry:      duration(k, "jwt_expiry", 24*time.Hour),
		AllowedOrigins: origins,
		NATSURL:        k.String("nats_url"),
		Redis: RedisConfig{
			URL:                k.String("redis_url"),
			Host:               str(k, "redis_host", "localhost"),
			Port:               str(k, "redis_port", "6379"),
			Password:           k.String("redis_password"),
			DB:                 k.Int("redis_db"),
			PoolSize:           integer(k, "redis_pool_size", 10),
			MinIdleConns:       integer(k, "redis_min_idle_conns", 2),
			MaxRetries:         integer(k, "redis_max_retries", 3),
			RetryDelay:         duration(k, "redis_retry_delay", time.Second),
			DialTimeout:        duration(k, "redis_dial_timeout", 5*time.Second),
			ReadTimeout:        duration(k, "redis_read_timeout", 3*time.Second),
			WriteTimeout:       duration(k, "redis_write_timeout", 3*time.Second),
			PoolTimeout:        duration(k, "redis_pool_timeout", 4*time.Second),
			IdleTimeout:        duration(k, "redis_idle_timeout", 5*time.Minute),
			IdleCheckFrequency: duration(k, "redis_idle_check_frequency", time.Minute),
		},
		Collaborators: CollaboratorConfig{
			UserServiceURL:          str(k, "user_service_url", "http://localhost:3001"),
			NotificationServiceURL:  str(k, "notification_service_url", "http://localhost:3005"),
			CommunicationServiceURL: str(k, "communication_service_url", "http://localhost:3006"),
			PaymentServiceURL:       str(k, "payment_service_url", "http://localhost:3004"),
			Timeout:                 duration(k, "collaborator_timeout", 8*time.Second),
		},
		Dispatch: DispatchConfig{
			BaseRatePerMinute: baseRate,
			MinimumCharge:     minimum,
			NotifyPolicy:      str(k, "notify_policy", NotifyFirst),
			ProfileCacheTTL:   duration(k, "profile_cache_ttl", time.Minute),
		},
		Billing: BillingConfig{
			ReconcileSchedule: str(k, "billing_reconcile_schedule", "*/5 * * * *"),
			ReconcileGrace:    duration(k, "billing_reconcile_grace", 2*time.Minute),
			ReconcileBatch:    integer(k, "billing_reconcile_batch", 100),
		},
		VerificationCodeTTL: duration(k, "verification_code_ttl", 10*time.Minute),
		RateLimitEnabled:    str(k, "rate_limit_enabled", "true") == "true",
	}, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return errors.New("MONGO_URI is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if !c.Dispatch.BaseRatePerMinute.IsPositive() {
		return errors.New("BASE_RATE_PER_MINUTE must be positive")
	}
	if c.Dispatch.MinimumCharge.IsNegative() {
		return errors.New("MINIMUM_CHARGE must not be negative")
	}
	if c.Dispatch.NotifyPolicy != NotifyFirst && c.Dispatch.NotifyPolicy != NotifyAll {
		return fmt.Errorf("NOTIFY_POLICY must be %q or %q, got %q", NotifyFirst, NotifyAll, c.Dispatch.NotifyPolicy)
	}
	if c.Collaborators.Timeout <= 0 {
		return errors.New("COLLABORATOR_TIMEOUT must be positive")
	}
	if c.Billing.ReconcileBatch <= 0 {
		return errors.New("BILLING_RECONCILE_BATCH must be positive")
	}
	return nil
}

// IsDev reports whether the service runs with developer-friendly output.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Env, "dev")
}

func str(k *koanf.Koanf, key, def string) string {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		return v
	}
	return def
}

func integer(k *koanf.Koanf, key string, def int) int {
	if !k.Exists(key) {
		return def
	}
	return k.Int(key)
}

func duration(k *koanf.Koanf, key string, def time.Duration) time.Duration {
	if !k.Exists(key) {
		return def
	}
	if d := k.Duration(key); d > 0 {
		return d
	}
	return def
}
