package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roadside-backend/internal/models"
	"roadside-backend/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix namespaces alert events on the broker. Subjects look like
// "roadside.alert.created".
const SubjectPrefix = "roadside"

var ErrNotConnected = errors.New("nats: not connected")

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Client wraps a NATS connection with JSON publishing and tracked
// subscriptions.
type Client struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	mu         sync.Mutex
	reconnects atomic.Int64
	log        zerolog.Logger
}

// NewClient connects to the broker. The connection reconnects on its own;
// lifecycle changes are logged.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "roadside-backend"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	client := &Client{
		subs: make(map[string]*nats.Subscription),
		log:  logger.New("nats"),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			client.reconnects.Add(1)
			client.log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			client.log.Warn().Err(err).Msg("disconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	client.conn = conn
	return client, nil
}

// Publish marshals data as JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data any) error {
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[subject] = sub
	return nil
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// Subject returns the broker subject for an event type.
func Subject(t models.AlertEventType) string {
	return SubjectPrefix + "." + string(t)
}

// Publisher sends alert events to the broker.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, event models.AlertEvent) error {
	return p.client.Publish(ctx, Subject(event.Type), event)
}

// SubscribeAlerts delivers every alert event published by any instance to h.
func (c *Client) SubscribeAlerts(h Handler) error {
	return c.Subscribe(SubjectPrefix+".alert.>", decode(h, c.log))
}

func decode(h Handler, log zerolog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event models.AlertEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			return
		}
		if event.Type == "" {
			event.Type = models.AlertEventType(strings.TrimPrefix(msg.Subject, SubjectPrefix+"."))
		}
		h(event)
	}
}
