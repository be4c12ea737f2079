package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

// statusClientClosedRequest is the nginx convention for caller-cancelled
// requests; Go's net/http has no constant for it.
const statusClientClosedRequest = 499

// errorResponse is the wire shape of every error.
type errorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// respondError maps a service-layer error to its HTTP status and writes the
// JSON error envelope.
func respondError(c *gin.Context, err error) {
	status, label := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     label,
		Details:   err.Error(),
		Timestamp: models.Now().Format(time.RFC3339Nano),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errs.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, errs.ErrCancelled), errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// respondInvalid rejects a malformed request body or parameter.
func respondInvalid(c *gin.Context, err error) {
	respondError(c, errs.Invalidf("%v", err))
}
