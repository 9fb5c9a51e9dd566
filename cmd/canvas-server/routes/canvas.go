package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/handlers"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/middleware"
	commonmw "github.com/lyzr/canvasgraph/common/middleware"
)

// RegisterCanvasRoutes registers canvas, node and patch routes
func RegisterCanvasRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCanvasHandler(c)

	runMiddleware := []echo.MiddlewareFunc{}
	if c.RateLimiter != nil {
		limit := int64(c.Components.Config.RateLimit.RunsPerMinute)
		runMiddleware = append(runMiddleware, commonmw.RunRateLimitMiddleware(c.RateLimiter, limit))
	}

	canvases := e.Group("/api/v1/canvases")
	canvases.Use(middleware.ExtractIdentity())
	{
		canvases.GET("/:canvas_id", h.GetCanvas)                                     // GET /api/v1/canvases/{canvas_id}
		canvases.PUT("/:canvas_id", h.PutCanvas)                                     // PUT /api/v1/canvases/{canvas_id}
		canvases.POST("/:canvas_id/nodes/:node_id/run", h.RunNode, runMiddleware...) // POST /api/v1/canvases/{canvas_id}/nodes/{node_id}/run
		canvases.PUT("/:canvas_id/nodes/:node_id/selection", h.SelectOutput)         // PUT /api/v1/canvases/{canvas_id}/nodes/{node_id}/selection
		canvases.POST("/:canvas_id/patches", h.ApplyPatch)                           // POST /api/v1/canvases/{canvas_id}/patches
		canvases.GET("/:canvas_id/patches", h.ListPatches)                           // GET /api/v1/canvases/{canvas_id}/patches
		canvases.GET("/:canvas_id/patches/:patch_id", h.GetPatch)                    // GET /api/v1/canvases/{canvas_id}/patches/{patch_id}
	}
}
