package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/service"
)

// TaskHandler exposes task status and cancellation
type TaskHandler struct {
	canvas *service.CanvasService
	logger Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(c *container.Container) *TaskHandler {
	return &TaskHandler{
		canvas: c.CanvasService,
		logger: c.Components.Logger,
	}
}

// GetTask returns a task
// GET /api/v1/tasks/:task_id
func (h *TaskHandler) GetTask(c echo.Context) error {
	task, err := h.canvas.GetTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task": task})
}

// CancelTask aborts a queued or running task
// DELETE /api/v1/tasks/:task_id
func (h *TaskHandler) CancelTask(c echo.Context) error {
	task, err := h.canvas.CancelTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task": task})
}
