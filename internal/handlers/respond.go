package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("handlers")

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// StatusFor maps the error taxonomy onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidSegment),
		errors.Is(err, models.ErrInvalidSplit),
		errors.Is(err, models.ErrInitialization):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrFunding):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrGatewayError), errors.Is(err, models.ErrReconciliation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DomainError responds with the status for err. Internal errors are logged
// and not echoed to the caller.
func DomainError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "path", c.FullPath(), "err", err)
		ErrorResponse(c, status, "Internal error")
		return
	}
	ErrorResponse(c, status, err.Error())
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
