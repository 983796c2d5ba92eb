package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"roadside-backend/internal/models"

	"github.com/gorilla/websocket"
)

// AlertFilters selects which alert events a client receives. DriverID and
// MechanicID are bound from the caller's identity; AlertIDs and EventTypes
// can be changed by the client at runtime.
type AlertFilters struct {
	DriverID   string                  `json:"driverId,omitempty"`
	MechanicID string                  `json:"mechanicId,omitempty"`
	AlertIDs   []string                `json:"alertIds,omitempty"`
	EventTypes []models.AlertEventType `json:"eventTypes,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan models.AlertEvent
	LastPing time.Time // guarded by the manager's mutex

	// inactive is set once the send buffer overflows.
	inactive atomic.Bool

	mu      sync.RWMutex
	filters AlertFilters
}

func (c *Client) IsActive() bool { return !c.inactive.Load() }

func (c *Client) Filters() AlertFilters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters
}

// narrow replaces the client-controlled filters, keeping identity bindings.
func (c *Client) narrow(f AlertFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters.AlertIDs = f.AlertIDs
	c.filters.EventTypes = f.EventTypes
}

// Hub fans alert events out to connected clients.
type Hub interface {
	RegisterClient(clientID string, conn *websocket.Conn, filters AlertFilters) error
	UnregisterClient(clientID string) error
	BroadcastAlertEvent(event models.AlertEvent) error
	GetConnectedClients() int
	Start() error
	Stop() error
	GetClientStats() ClientStats
}

// ClientStats provides statistics about connected clients
type ClientStats struct {
	TotalClients    int `json:"totalClients"`
	ActiveClients   int `json:"activeClients"`
	InactiveClients int `json:"inactiveClients"`
}

// Message types for WebSocket communication
const (
	MessageTypeAlertEvent    = "alert_event"
	MessageTypeUpdateFilters = "update_filters"
	MessageTypeError         = "error"
)
