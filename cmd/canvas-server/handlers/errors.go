package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/service"
	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error":   "bad_request",
		"message": msg,
	})
}

// writeError maps domain errors to HTTP responses
func writeError(c echo.Context, log Logger, err error) error {
	var (
		locked   *models.LockContentionError
		busy     *models.NodeBusyError
		rejected *models.PatchRejectedError
		invalid  *models.InvalidNodeError
		broken   *resolver.InvariantError
		limited  *service.RateLimitError
	)

	switch {
	case errors.As(err, &locked):
		return c.JSON(http.StatusLocked, map[string]interface{}{
			"error":      "canvas_locked",
			"message":    err.Error(),
			"holder":     locked.Holder,
			"expires_at": locked.ExpiresAt,
		})
	case errors.As(err, &busy):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "node_busy",
			"message": err.Error(),
			"node_id": busy.NodeID,
			"task_id": busy.TaskID,
		})
	case errors.As(err, &rejected):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "patch_rejected",
			"message": err.Error(),
			"index":   rejected.Index,
			"op":      rejected.Op,
			"path":    rejected.Path,
			"reason":  rejected.Reason,
		})
	case errors.As(err, &limited):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error":               "kind_rate_limit_exceeded",
			"message":             err.Error(),
			"kind":                limited.Kind,
			"limit":               limited.Limit,
			"retry_after_seconds": int(limited.RetryAfter.Seconds()),
		})
	case errors.As(err, &invalid):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":           "invalid_node",
			"message":         err.Error(),
			"node_id":         invalid.NodeID,
			"related_node_id": invalid.RelatedNodeID,
		})
	case errors.As(err, &broken):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "invalid_canvas",
			"message": err.Error(),
			"entity":  broken.Entity,
			"id":      broken.ID,
		})
	case errors.Is(err, models.ErrVersionConflict):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "version_conflict",
			"message": err.Error(),
		})
	case errors.Is(err, models.ErrTaskFinished):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "task_finished",
			"message": err.Error(),
		})
	case errors.Is(err, lock.ErrLeaseLost):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "lease_lost",
			"message": err.Error(),
		})
	case errors.Is(err, models.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error":   "not_found",
			"message": err.Error(),
		})
	}

	log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": "internal_error",
	})
}
