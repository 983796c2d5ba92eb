package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside-backend/internal/config"
	"roadside-backend/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Client struct {
	client        *redis.Client
	config        config.RedisConfig
	mu            sync.RWMutex
	isConnected   bool
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	log           zerolog.Logger
}

type HealthStatus struct {
	IsConnected    bool          `json:"isConnected"`
	LastPing       time.Time     `json:"lastPing"`
	ResponseTime   time.Duration `json:"responseTime"`
	ConnectionInfo string        `json:"connectionInfo"`
	Error          string        `json:"error,omitempty"`
}

// NewClient creates a new Redis client with connection pooling and starts
// the health and reconnect loops.
func NewClient(cfg config.RedisConfig) *Client {
	c := newClient(cfg)
	c.connect()
	go c.healthCheckLoop()
	go c.reconnectLoop()
	return c
}

// Wrap adopts an existing go-redis client. No background loops are started.
func Wrap(rc *redis.Client) *Client {
	c := newClient(config.RedisConfig{Host: "wrapped"})
	c.client = rc
	c.isConnected = true
	return c
}

func newClient(cfg config.RedisConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:        cfg,
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		log:           logger.New("redis"),
	}
}

func (c *Client) connect() {
	if c.config.URL != "" {
		opt, err := redis.ParseURL(c.config.URL)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid redis url, falling back to host:port")
			c.connectWithHostPort()
		} else {
			opt.PoolSize = c.config.PoolSize
			opt.MinIdleConns = c.config.MinIdleConns
			opt.MaxRetries = c.config.MaxRetries
			opt.MinRetryBackoff = c.config.RetryDelay
			opt.DialTimeout = c.config.DialTimeout
			opt.ReadTimeout = c.config.ReadTimeout
			opt.WriteTimeout = c.config.WriteTimeout
			opt.PoolTimeout = c.config.PoolTimeout
			opt.ConnMaxIdleTime = c.config.IdleTimeout

			c.mu.Lock()
			c.client = redis.NewClient(opt)
			c.mu.Unlock()
		}
	} else {
		c.connectWithHostPort()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := c.GetClient()
	if client == nil {
		return
	}
	err := client.Ping(ctx).Err()
	c.mu.Lock()
	c.isConnected = err == nil
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Str("addr", c.addr()).Msg("redis connection test failed")
	} else {
		c.log.Info().Str("addr", c.addr()).Msg("redis connected")
	}
}

func (c *Client) connectWithHostPort() {
	opt := &redis.Options{
		Addr:            c.addr(),
		Password:        c.config.Password,
		DB:              c.config.DB,
		PoolSize:        c.config.PoolSize,
		MinIdleConns:    c.config.MinIdleConns,
		MaxRetries:      c.config.MaxRetries,
		MinRetryBackoff: c.config.RetryDelay,
		DialTimeout:     c.config.DialTimeout,
		ReadTimeout:     c.config.ReadTimeout,
		WriteTimeout:    c.config.WriteTimeout,
		PoolTimeout:     c.config.PoolTimeout,
		ConnMaxIdleTime: c.config.IdleTimeout,
	}

	c.mu.Lock()
	c.client = redis.NewClient(opt)
	c.mu.Unlock()
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%s", c.config.Host, c.config.Port)
}

// GetClient returns the Redis client instance (thread-safe)
func (c *Client) GetClient() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// HealthCheck pings Redis and schedules a reconnect on failure.
func (c *Client) HealthCheck() HealthStatus {
	client := c.GetClient()

	status := HealthStatus{
		IsConnected:    c.IsConnected(),
		ConnectionInfo: c.addr(),
	}
	if client == nil {
		status.Error = "Redis client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	status.ResponseTime = time.Since(start)
	status.LastPing = time.Now()

	c.mu.Lock()
	c.isConnected = err == nil
	c.mu.Unlock()

	if err != nil {
		status.IsConnected = false
		status.Error = err.Error()
		c.triggerReconnect()
	} else {
		status.IsConnected = true
	}
	return status
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if status := c.HealthCheck(); !status.IsConnected {
				c.log.Warn().Str("error", status.Error).Msg("redis health check failed")
			}
		}
	}
}

// reconnectLoop reconnects with exponential backoff capped at 30s.
func (c *Client) reconnectLoop() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			if c.IsConnected() {
				continue
			}

			c.log.Info().Msg("attempting to reconnect to redis")
			c.mu.Lock()
			if c.client != nil {
				c.client.Close()
			}
			c.mu.Unlock()

			c.connect()

			if !c.IsConnected() {
				c.log.Warn().Dur("backoff", backoff).Msg("redis reconnect failed")
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				c.triggerReconnect()
			} else {
				backoff = time.Second
			}
		}
	}
}

func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetConnectionStats returns connection pool statistics.
func (c *Client) GetConnectionStats() map[string]interface{} {
	client := c.GetClient()
	if client == nil {
		return map[string]interface{}{"error": "Redis client not initialized"}
	}

	stats := client.PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"totalConns":  stats.TotalConns,
		"idleConns":   stats.IdleConns,
		"staleConns":  stats.StaleConns,
		"isConnected": c.IsConnected(),
	}
}
