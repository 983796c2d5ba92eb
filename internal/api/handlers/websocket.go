package handlers

import (
	"net/http"
	"strings"

	"roadside-backend/internal/api/middleware"
	"roadside-backend/internal/models"
	"roadside-backend/internal/websocket"
	"roadside-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WebSocketHandler streams alert lifecycle events to drivers, mechanics and
// admins.
type WebSocketHandler struct {
	manager *websocket.Manager
}

func NewWebSocketHandler(manager *websocket.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// HandleWebSocket upgrades an authenticated request. Drivers are bound to
// their own alerts and mechanics to alerts they were matched to or assigned;
// admins see everything. alertIds and eventTypes query parameters narrow the
// stream further.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID, role := caller(c)

	filters := websocket.AlertFilters{AlertIDs: splitQuery(c, "alertIds")}
	for _, t := range splitQuery(c, "eventTypes") {
		filters.EventTypes = append(filters.EventTypes, models.AlertEventType(t))
	}

	switch models.Role(role) {
	case models.RoleAdmin:
	case models.RoleMechanic:
		filters.MechanicID = userID
	default:
		filters.DriverID = userID
	}

	conn, err := h.manager.GetUpgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		middleware.RequestLogger(c).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	if err := h.manager.RegisterClient(clientID, conn, filters); err != nil {
		middleware.RequestLogger(c).Error().Err(err).Msg("websocket register failed")
		conn.Close()
		return
	}

	middleware.RequestLogger(c).Info().
		Str("client_id", clientID).
		Str("user_id", userID).
		Str("role", role).
		Msg("websocket client connected")
}

func (h *WebSocketHandler) GetConnectedClients(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connected clients", gin.H{
		"connectedClients": h.manager.GetConnectedClients(),
		"stats":            h.manager.GetClientStats(),
	})
}

// splitQuery accepts both repeated and comma separated values.
func splitQuery(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
