package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/middleware"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/service"
	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/lyzr/canvasgraph/common/models"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// CanvasHandler handles canvas reads, node runs, selections and patches
type CanvasHandler struct {
	canvas *service.CanvasService
	logger Logger
}

// NewCanvasHandler creates a new canvas handler
func NewCanvasHandler(c *container.Container) *CanvasHandler {
	return &CanvasHandler{
		canvas: c.CanvasService,
		logger: c.Components.Logger,
	}
}

func caller(c echo.Context) service.Caller {
	return service.Caller{
		UserID:    middleware.GetUserID(c),
		LockToken: middleware.GetLockToken(c),
	}
}

// GetCanvas returns the canvas with all nodes, handles and edges
// GET /api/v1/canvases/:canvas_id
func (h *CanvasHandler) GetCanvas(c echo.Context) error {
	entities, err := h.canvas.GetCanvas(c.Request().Context(), c.Param("canvas_id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, entities)
}

// PutCanvas creates or replaces a canvas wholesale
// PUT /api/v1/canvases/:canvas_id
func (h *CanvasHandler) PutCanvas(c echo.Context) error {
	var entities models.CanvasEntities
	if err := c.Bind(&entities); err != nil {
		return badRequest(c, "invalid request body")
	}

	canvasID := c.Param("canvas_id")
	if entities.Canvas.ID != "" && entities.Canvas.ID != canvasID {
		return badRequest(c, "canvas id in body does not match path")
	}
	entities.Canvas.ID = canvasID

	if err := h.canvas.SaveCanvas(c.Request().Context(), &entities, caller(c)); err != nil {
		return writeError(c, h.logger, err)
	}

	saved, err := h.canvas.GetCanvas(c.Request().Context(), canvasID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, saved)
}

// RunNode queues a run of one node. With ?wait=true the request blocks
// until the task finishes.
// POST /api/v1/canvases/:canvas_id/nodes/:node_id/run
func (h *CanvasHandler) RunNode(c echo.Context) error {
	var req clients.RunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	ctx := c.Request().Context()
	task, err := h.canvas.RunNode(ctx, service.RunNodeRequest{
		CanvasID: c.Param("canvas_id"),
		NodeID:   c.Param("node_id"),
		Caller:   caller(c),
		APIKey:   middleware.GetProviderKey(c),
		Context:  req.Context,
	})
	if err != nil {
		return writeError(c, h.logger, err)
	}

	if c.QueryParam("wait") != "true" {
		return c.JSON(http.StatusAccepted, map[string]interface{}{"task": task})
	}

	timeout := defaultWaitTimeout
	if v := c.QueryParam("timeout_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			return badRequest(c, "timeout_seconds must be a positive integer")
		}
		timeout = min(time.Duration(secs)*time.Second, maxWaitTimeout)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := h.canvas.AwaitTask(waitCtx, task.ID)
	if err != nil {
		// still running; the client polls the task
		return c.JSON(http.StatusAccepted, map[string]interface{}{"task": task})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task": done})
}

// SelectOutput changes the visible generation of a node
// PUT /api/v1/canvases/:canvas_id/nodes/:node_id/selection
func (h *CanvasHandler) SelectOutput(c echo.Context) error {
	var req struct {
		Index *int `json:"index"`
	}
	if err := c.Bind(&req); err != nil || req.Index == nil {
		return badRequest(c, "index is required")
	}

	result, err := h.canvas.SelectOutput(c.Request().Context(), c.Param("canvas_id"), c.Param("node_id"), *req.Index, caller(c))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"result": result})
}

// ApplyPatch commits a structural patch
// POST /api/v1/canvases/:canvas_id/patches
func (h *CanvasHandler) ApplyPatch(c echo.Context) error {
	var req clients.PatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Operations) == 0 {
		return badRequest(c, "operations array is required and cannot be empty")
	}
	switch req.Source {
	case "", models.PatchSourceUser, models.PatchSourceAgent:
	default:
		return badRequest(c, "source must be user or agent")
	}

	res, err := h.canvas.ApplyPatch(c.Request().Context(), service.ApplyPatchRequest{
		CanvasID:    c.Param("canvas_id"),
		Caller:      caller(c),
		PatchID:     req.ID,
		Source:      req.Source,
		Operations:  req.Operations,
		Description: req.Description,
	})
	if err != nil {
		return writeError(c, h.logger, err)
	}

	status := http.StatusCreated
	if res.Replayed || res.Unchanged {
		status = http.StatusOK
	}
	return c.JSON(status, clients.PatchResponse{Patch: res.Patch, Version: res.Version})
}

// ListPatches lists committed patches
// GET /api/v1/canvases/:canvas_id/patches?after=N&limit=M
func (h *CanvasHandler) ListPatches(c echo.Context) error {
	var after int64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return badRequest(c, "after must be a non-negative integer")
		}
		after = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}

	patches, err := h.canvas.ListPatches(c.Request().Context(), c.Param("canvas_id"), after, limit)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	if patches == nil {
		patches = []*models.Patch{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patches": patches,
		"count":   len(patches),
	})
}

// GetPatch returns one committed patch
// GET /api/v1/canvases/:canvas_id/patches/:patch_id
func (h *CanvasHandler) GetPatch(c echo.Context) error {
	p, err := h.canvas.GetPatch(c.Request().Context(), c.Param("canvas_id"), c.Param("patch_id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patch": p})
}
