package handlers

import (
	"errors"
	"net/http"

	"roadside-backend/internal/api/middleware"
	"roadside-backend/internal/services"
	"roadside-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// statusFor maps a service error kind to an HTTP status.
func statusFor(kind services.Kind) int {
	switch kind {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict, services.KindInvalidState:
		return http.StatusConflict
	case services.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError writes err with the status its kind maps to. Field
// validation failures are listed per field. Internal and unavailable causes
// are logged but not echoed to the caller.
func respondServiceError(c *gin.Context, message string, err error) {
	kind := services.KindOf(err)
	status := statusFor(kind)

	var fields validator.ValidationErrors
	if kind == services.KindValidation && errors.As(err, &fields) {
		utils.ValidationErrorResponse(c, fields)
		return
	}

	if status >= http.StatusInternalServerError {
		middleware.RequestLogger(c).Error().Err(err).Str("kind", kind.String()).Msg(message)
		utils.ErrorResponse(c, status, message, nil)
		return
	}
	utils.ErrorResponse(c, status, message, err)
}

func forbidden(c *gin.Context) {
	utils.ErrorResponse(c, http.StatusForbidden, "Insufficient permissions", nil)
}

func caller(c *gin.Context) (userID, role string) {
	return c.GetString(middleware.ContextUserID), c.GetString(middleware.ContextRole)
}
