package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/handlers"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/middleware"
)

// RegisterTaskRoutes registers task routes
func RegisterTaskRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTaskHandler(c)

	tasks := e.Group("/api/v1/tasks")
	tasks.Use(middleware.ExtractIdentity())
	{
		tasks.GET("/:task_id", h.GetTask)       // GET /api/v1/tasks/{task_id}
		tasks.DELETE("/:task_id", h.CancelTask) // DELETE /api/v1/tasks/{task_id}
	}
}
