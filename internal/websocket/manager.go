package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"roadside-backend/internal/models"
	"roadside-backend/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	staleAfter   = 90 * time.Second
)

// Manager implements Hub
type Manager struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.AlertEvent
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	done       chan struct{}
	stopOnce   sync.Once
	log        zerolog.Logger
}

// NewManager creates a hub that accepts upgrades from the given origins.
// An empty list or "*" accepts any origin.
func NewManager(allowedOrigins []string) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.AlertEvent, 1000),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
		log:  logger.New("websocket"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Start begins the hub's main loop
func (m *Manager) Start() error {
	go m.run()
	m.log.Info().Msg("websocket hub started")
	return nil
}

// Stop closes every client connection. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mutex.Lock()
		for id, client := range m.clients {
			delete(m.clients, id)
			close(client.Send)
			if client.Conn != nil {
				client.Conn.Close()
			}
		}
		m.mutex.Unlock()

		m.log.Info().Msg("websocket hub stopped")
	})
	return nil
}

func (m *Manager) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			if old, ok := m.clients[client.ID]; ok {
				close(old.Send)
				if old.Conn != nil {
					old.Conn.Close()
				}
			}
			m.clients[client.ID] = client
			m.mutex.Unlock()
			m.log.Debug().Str("client_id", client.ID).Msg("client registered")
			if client.Conn != nil {
				go m.handleClient(client)
			}

		case client := <-m.unregister:
			m.mutex.Lock()
			if current, ok := m.clients[client.ID]; ok && current == client {
				delete(m.clients, client.ID)
				close(client.Send)
				if client.Conn != nil {
					client.Conn.Close()
				}
			}
			m.mutex.Unlock()
			m.log.Debug().Str("client_id", client.ID).Msg("client unregistered")

		case event := <-m.broadcast:
			m.broadcastToClients(event)

		case <-ticker.C:
			m.healthCheck()

		case <-m.done:
			return
		}
	}
}

// RegisterClient registers a new client. A client re-registering under an
// existing ID replaces the previous connection.
func (m *Manager) RegisterClient(clientID string, conn *websocket.Conn, filters AlertFilters) error {
	client := &Client{
		ID:       clientID,
		Conn:     conn,
		Send:     make(chan models.AlertEvent, 256),
		LastPing: time.Now(),
		filters:  filters,
	}

	select {
	case m.register <- client:
		return nil
	case <-m.done:
		return fmt.Errorf("websocket hub stopped")
	}
}

// UnregisterClient removes a client
func (m *Manager) UnregisterClient(clientID string) error {
	m.mutex.RLock()
	client, exists := m.clients[clientID]
	m.mutex.RUnlock()

	if exists {
		select {
		case m.unregister <- client:
		case <-m.done:
		}
	}
	return nil
}

// BroadcastAlertEvent queues an event for delivery. It never blocks; a full
// queue drops the event.
func (m *Manager) BroadcastAlertEvent(event models.AlertEvent) error {
	select {
	case m.broadcast <- event:
		return nil
	default:
		return fmt.Errorf("broadcast channel full, dropping %s for alert %s", event.Type, event.AlertID)
	}
}

// Deliver adapts BroadcastAlertEvent to an event subscriber callback.
func (m *Manager) Deliver(event models.AlertEvent) {
	if err := m.BroadcastAlertEvent(event); err != nil {
		m.log.Warn().Err(err).Msg("alert event dropped")
	}
}

// GetConnectedClients returns the number of connected clients
func (m *Manager) GetConnectedClients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// GetClientStats returns detailed client statistics
func (m *Manager) GetClientStats() ClientStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := ClientStats{
		TotalClients: len(m.clients),
	}

	for _, client := range m.clients {
		if client.IsActive() {
			stats.ActiveClients++
		} else {
			stats.InactiveClients++
		}
	}

	return stats
}

// GetUpgrader returns the WebSocket upgrader for external use
func (m *Manager) GetUpgrader() *websocket.Upgrader {
	return &m.upgrader
}

func (m *Manager) broadcastToClients(event models.AlertEvent) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, client := range m.clients {
		if !shouldSendToClient(client.Filters(), event) {
			continue
		}
		select {
		case client.Send <- event:
		default:
			client.inactive.Store(true)
			m.log.Warn().Str("client_id", client.ID).Msg("client send buffer full, marking inactive")
		}
	}
}

// shouldSendToClient applies identity filters first: a driver sees only their
// own alerts, a mechanic sees alerts they were matched to or assigned.
func shouldSendToClient(f AlertFilters, event models.AlertEvent) bool {
	if f.DriverID != "" && f.DriverID != event.DriverID {
		return false
	}
	if f.MechanicID != "" && f.MechanicID != event.MechanicID &&
		!slices.Contains(event.MatchedMechanicIDs, f.MechanicID) {
		return false
	}
	if len(f.AlertIDs) > 0 && !slices.Contains(f.AlertIDs, event.AlertID) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, event.Type) {
		return false
	}
	return true
}

func (m *Manager) handleClient(client *Client) {
	defer func() {
		select {
		case m.unregister <- client:
		case <-m.done:
		}
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		m.mutex.Lock()
		client.LastPing = time.Now()
		m.mutex.Unlock()
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go m.writeMessages(client)

	for {
		var message struct {
			Type    string          `json:"type"`
			Filters json.RawMessage `json:"filters"`
		}
		if err := client.Conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Warn().Err(err).Str("client_id", client.ID).Msg("websocket read failed")
			}
			return
		}

		if message.Type != MessageTypeUpdateFilters || len(message.Filters) == 0 {
			continue
		}
		var f AlertFilters
		if err := json.Unmarshal(message.Filters, &f); err != nil {
			m.log.Debug().Err(err).Str("client_id", client.ID).Msg("ignoring malformed filter update")
			continue
		}
		client.narrow(f)
	}
}

func (m *Manager) writeMessages(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(map[string]any{
				"type": MessageTypeAlertEvent,
				"data": event,
			}); err != nil {
				m.log.Warn().Err(err).Str("client_id", client.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// healthCheck drops clients that have not answered a ping recently.
func (m *Manager) healthCheck() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for clientID, client := range m.clients {
		if now.Sub(client.LastPing) > staleAfter {
			m.log.Info().Str("client_id", clientID).Msg("client timed out")
			delete(m.clients, clientID)
			close(client.Send)
			if client.Conn != nil {
				client.Conn.Close()
			}
		}
	}
}
