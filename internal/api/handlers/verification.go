package handlers

import (
	"context"
	"net/http"

	"roadside-backend/internal/models"
	"roadside-backend/internal/services"
	"roadside-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Verifier issues and checks one-time codes. *services.VerificationService
// implements it.
type Verifier interface {
	SendCode(ctx context.Context, req services.SendCodeRequest) (*services.SendCodeResult, error)
	VerifyCode(ctx context.Context, req services.VerifyCodeRequest) error
}

type VerificationHandler struct {
	verifier Verifier
}

func NewVerificationHandler(verifier Verifier) *VerificationHandler {
	return &VerificationHandler{verifier: verifier}
}

func (h *VerificationHandler) SendCode(c *gin.Context) {
	var req services.SendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if !h.bindUser(c, &req.UserID) {
		return
	}

	result, err := h.verifier.SendCode(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, "Failed to send verification code", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Verification code sent", result)
}

func (h *VerificationHandler) VerifyCode(c *gin.Context) {
	var req services.VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if !h.bindUser(c, &req.UserID) {
		return
	}

	if err := h.verifier.VerifyCode(c.Request.Context(), req); err != nil {
		respondServiceError(c, "Verification failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Code verified", gin.H{"verified": true})
}

// bindUser defaults the user to the caller and stops non-admins from acting
// for someone else.
func (h *VerificationHandler) bindUser(c *gin.Context, userID *string) bool {
	callerID, role := caller(c)
	if *userID == "" {
		*userID = callerID
	}
	if *userID != callerID && role != string(models.RoleAdmin) {
		forbidden(c)
		return false
	}
	return true
}
