package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"roadside-backend/internal/models"
	"roadside-backend/internal/services"
	"roadside-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Dispatcher is the alert lifecycle surface. *services.DispatchService
// implements it.
type Dispatcher interface {
	CreateAlert(ctx context.Context, req services.CreateAlertRequest) (*services.CreateAlertResult, error)
	AcceptAlert(ctx context.Context, req services.AcceptAlertRequest) (*services.AcceptAlertResult, error)
	CompleteAlert(ctx context.Context, req services.CompleteAlertRequest) (*services.CompleteAlertResult, error)
	CancelAlert(ctx context.Context, req services.CancelAlertRequest) (*services.CancelAlertResult, error)
	RetryCommunication(ctx context.Context, alertID string) (*services.AcceptAlertResult, error)
	RetryBilling(ctx context.Context, alertID string) (*services.CompleteAlertResult, error)
	GetStatus(ctx context.Context, alertID string) (*services.AlertStatusView, error)
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	ListActive(ctx context.Context) ([]*models.EnrichedAlert, error)
	ListActiveForMechanic(ctx context.Context, mechanicID string) ([]*models.EnrichedAlert, error)
	ListAll(ctx context.Context, q services.ListAlertsQuery) (*services.AlertPage, error)
}

type AlertHandler struct {
	dispatch Dispatcher
}

func NewAlertHandler(dispatch Dispatcher) *AlertHandler {
	return &AlertHandler{dispatch: dispatch}
}

// CreateAlert raises a breakdown alert. Drivers may only raise alerts for
// themselves; an omitted driverId defaults to the caller.
func (h *AlertHandler) CreateAlert(c *gin.Context) {
	var req services.CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	userID, role := caller(c)
	if role != string(models.RoleAdmin) {
		if req.DriverID == "" {
			req.DriverID = userID
		}
		if req.DriverID != userID {
			forbidden(c)
			return
		}
	}

	result, err := h.dispatch.CreateAlert(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "Failed to create alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Alert created successfully", result)
}

// AcceptAlert claims an active alert. Exactly one concurrent caller wins;
// the rest get 409.
func (h *AlertHandler) AcceptAlert(c *gin.Context) {
	var req services.AcceptAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	userID, role := caller(c)
	if role != string(models.RoleAdmin) {
		if req.MechanicID == "" {
			req.MechanicID = userID
		}
		if req.MechanicID != userID {
			forbidden(c)
			return
		}
	}

	result, err := h.dispatch.AcceptAlert(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "Failed to accept alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert accepted successfully", result)
}

func (h *AlertHandler) CompleteAlert(c *gin.Context) {
	var req services.CompleteAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if !h.assignedOrAdmin(c, req.AlertID) {
		return
	}

	result, err := h.dispatch.CompleteAlert(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "Failed to complete alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert completed successfully", result)
}

// CancelAlert may be called by the alert's driver, its assigned mechanic or
// an admin.
func (h *AlertHandler) CancelAlert(c *gin.Context) {
	var req services.CancelAlertRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
			return
		}
	}
	req.AlertID = c.Param("id")

	userID, role := caller(c)
	req.ActorID = userID
	if role != string(models.RoleAdmin) {
		alert, err := h.dispatch.GetAlert(c.Request.Context(), req.AlertID)
		if err != nil {
			respondServiceError(c, "Failed to cancel alert", err)
			return
		}
		if alert.DriverID != userID && (alert.MechanicID == nil || *alert.MechanicID != userID) {
			forbidden(c)
			return
		}
	}

	result, err := h.dispatch.CancelAlert(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "Failed to cancel alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert cancelled successfully", result)
}

func (h *AlertHandler) RetryCommunication(c *gin.Context) {
	alertID := c.Param("id")
	if !h.assignedOrAdmin(c, alertID) {
		return
	}

	result, err := h.dispatch.RetryCommunication(c.Request.Context(), alertID)
	if err != nil {
		respondServiceError(c, "Failed to set up communication", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Communication retried", result)
}

func (h *AlertHandler) RetryBilling(c *gin.Context) {
	result, err := h.dispatch.RetryBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, "Failed to bill alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Billing retried", result)
}

func (h *AlertHandler) GetStatus(c *gin.Context) {
	view, err := h.dispatch.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, "Failed to get alert status", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert status retrieved successfully", view)
}

func (h *AlertHandler) GetAlert(c *gin.Context) {
	alert, err := h.dispatch.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, "Failed to get alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert retrieved successfully", alert)
}

// ListActive lists active alerts, narrowed to one mechanic's matches when a
// mechanicId query parameter is given.
func (h *AlertHandler) ListActive(c *gin.Context) {
	if mechanicID, ok := c.GetQuery("mechanicId"); ok {
		h.listForMechanic(c, mechanicID)
		return
	}

	alerts, err := h.dispatch.ListActive(c.Request.Context())
	if err != nil {
		respondServiceError(c, "Failed to list active alerts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Active alerts retrieved successfully", alerts)
}

func (h *AlertHandler) ListActiveForMechanic(c *gin.Context) {
	h.listForMechanic(c, c.Param("id"))
}

func (h *AlertHandler) listForMechanic(c *gin.Context, mechanicID string) {
	alerts, err := h.dispatch.ListActiveForMechanic(c.Request.Context(), mechanicID)
	if err != nil {
		respondServiceError(c, "Failed to list active alerts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Active alerts retrieved successfully", alerts)
}

// ListAlerts pages through alerts. from/to accept RFC 3339 timestamps or
// plain dates; a plain "to" date includes the whole day.
func (h *AlertHandler) ListAlerts(c *gin.Context) {
	q := services.ListAlertsQuery{Status: models.AlertStatus(c.Query("status"))}

	var err error
	if q.Page, err = intQuery(c, "page"); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid page", err)
		return
	}
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if q.From, err = timeQuery(c, "from", false); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid from", err)
		return
	}
	if q.To, err = timeQuery(c, "to", true); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid to", err)
		return
	}

	page, err := h.dispatch.ListAll(c.Request.Context(), q)
	if err != nil {
		respondServiceError(c, "Failed to list alerts", err)
		return
	}

	utils.PaginatedResponse(c, http.StatusOK, "Alerts retrieved successfully", page.Alerts, utils.Pagination{
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
		Pages: page.Pages,
	})
}

// assignedOrAdmin lets admins through and otherwise requires the caller to
// be the alert's assigned mechanic. It writes the response when it refuses.
func (h *AlertHandler) assignedOrAdmin(c *gin.Context, alertID string) bool {
	userID, role := caller(c)
	if role == string(models.RoleAdmin) {
		return true
	}
	if alertID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Alert ID is required", nil)
		return false
	}

	alert, err := h.dispatch.GetAlert(c.Request.Context(), alertID)
	if err != nil {
		respondServiceError(c, "Failed to load alert", err)
		return false
	}
	if alert.MechanicID == nil || *alert.MechanicID != userID {
		forbidden(c)
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func timeQuery(c *gin.Context, key string, endOfDay bool) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return &t, nil
}
