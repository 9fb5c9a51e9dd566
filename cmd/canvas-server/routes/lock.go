package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/handlers"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/middleware"
)

// RegisterLockRoutes registers agent session (lease) routes
func RegisterLockRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewLockHandler(c)

	locks := e.Group("/api/v1/canvases/:canvas_id/lock")
	locks.Use(middleware.ExtractIdentity())
	{
		locks.POST("", h.AcquireLock, middleware.RequireUserID()) // POST /api/v1/canvases/{canvas_id}/lock
		locks.GET("", h.GetLock)                                  // GET /api/v1/canvases/{canvas_id}/lock
		locks.DELETE("", h.ReleaseLock)                           // DELETE /api/v1/canvases/{canvas_id}/lock
		locks.POST("/renew", h.RenewLock)                         // POST /api/v1/canvases/{canvas_id}/lock/renew
	}
}
