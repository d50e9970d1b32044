package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"verifyhub/internal/middleware"
	"verifyhub/internal/services"
)

var logger = loggo.GetLogger("verifyhub.handlers")

// currentUser reads the caller set by the auth middleware. Routes without
// it are a wiring bug, so the request is rejected.
func currentUser(c *gin.Context) (int64, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// writeError maps the service error taxonomy onto HTTP statuses. Provider
// and breaker details never reach the client.
func writeError(c *gin.Context, area, op string, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, services.ErrInsufficientFunds):
		status, msg = http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, services.ErrSuspended):
		status, msg = http.StatusForbidden, "account suspended"
	case errors.Is(err, services.ErrProviderValidation):
		status, msg = http.StatusBadRequest, "request rejected by provider"
	case errors.Is(err, services.ErrProviderAuth):
		logger.Criticalf("[%s][%s] provider credentials rejected: %v", area, op, err)
		status, msg = http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, services.ErrProviderUnavailable), errors.Is(err, services.ErrCircuitOpen):
		status, msg = http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, services.ErrRateLimited):
		status, msg = http.StatusTooManyRequests, "too many requests, try later"
	case errors.Is(err, services.ErrNotActive):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, errors.AlreadyExists):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, errors.NotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, errors.NotValid):
		status, msg = http.StatusBadRequest, err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("[%s][%s] %v", area, op, err)
	} else {
		logger.Debugf("[%s][%s] %d: %v", area, op, status, err)
	}
	c.JSON(status, gin.H{"error": msg})
}
