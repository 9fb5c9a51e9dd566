package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/middleware"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/service"
)

// LockHandler manages agent leases on canvases
type LockHandler struct {
	sessions *service.AgentSessionService
	logger   Logger
}

// NewLockHandler creates a new lock handler
func NewLockHandler(c *container.Container) *LockHandler {
	return &LockHandler{
		sessions: c.SessionService,
		logger:   c.Components.Logger,
	}
}

type lockRequest struct {
	Holder     string `json:"holder"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func bindTTL(c echo.Context) (lockRequest, error) {
	var req lockRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return req, err
		}
	}
	return req, nil
}

// AcquireLock starts an agent session
// POST /api/v1/canvases/:canvas_id/lock
func (h *LockHandler) AcquireLock(c echo.Context) error {
	req, err := bindTTL(c)
	if err != nil || req.TTLSeconds < 0 {
		return badRequest(c, "invalid request body")
	}
	holder := req.Holder
	if holder == "" {
		holder = middleware.GetUserID(c)
	}
	if holder == "" {
		return badRequest(c, "holder is required")
	}

	lease, err := h.sessions.Begin(c.Request().Context(), c.Param("canvas_id"), holder, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"lease": lease})
}

// RenewLock extends the caller's lease
// POST /api/v1/canvases/:canvas_id/lock/renew
func (h *LockHandler) RenewLock(c echo.Context) error {
	token := middleware.GetLockToken(c)
	if token == "" {
		return badRequest(c, "X-Lock-Token header is required")
	}
	req, err := bindTTL(c)
	if err != nil || req.TTLSeconds < 0 {
		return badRequest(c, "invalid request body")
	}

	lease, err := h.sessions.Renew(c.Param("canvas_id"), token, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"lease": lease})
}

// ReleaseLock ends the caller's session, or any session with ?force=true
// DELETE /api/v1/canvases/:canvas_id/lock
func (h *LockHandler) ReleaseLock(c echo.Context) error {
	canvasID := c.Param("canvas_id")

	if c.QueryParam("force") == "true" {
		h.logger.Warn("forced lock release requested", "canvas_id", canvasID, "user_id", middleware.GetUserID(c))
		h.sessions.ForceEnd(canvasID)
		return c.NoContent(http.StatusNoContent)
	}

	token := middleware.GetLockToken(c)
	if token == "" {
		return badRequest(c, "X-Lock-Token header is required")
	}
	if err := h.sessions.End(canvasID, token); err != nil {
		return writeError(c, h.logger, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetLock reports the current lease
// GET /api/v1/canvases/:canvas_id/lock
func (h *LockHandler) GetLock(c echo.Context) error {
	lease, ok := h.sessions.Status(c.Param("canvas_id"))
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"locked": false})
	}
	// the token stays with its holder
	lease.Token = ""
	return c.JSON(http.StatusOK, map[string]interface{}{
		"locked": true,
		"lease":  lease,
	})
}
