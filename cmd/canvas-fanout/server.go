package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/common/events"
)

// replayLimit caps the events sent to a reconnecting client
const replayLimit = 256

// Replayer reads recorded canvas events after a stream id
type Replayer interface {
	Replay(ctx context.Context, canvasID, lastID string, count int64) ([]string, []events.Event, error)
}

// Server upgrades watchers to websockets and attaches them to the hub
type Server struct {
	hub      *Hub
	replayer Replayer
	upgrader websocket.Upgrader
	logger   Logger
}

// NewServer creates a new Server. replayer may be nil.
func NewServer(hub *Hub, replayer Replayer, allowedOrigins []string, logger Logger) *Server {
	return &Server{
		hub:      hub,
		replayer: replayer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket attaches a watcher to one canvas. With last_event_id the
// events recorded since that stream id are sent first.
// GET /ws?canvas_id=c1&last_event_id=1700000000000-0
func (s *Server) HandleWebSocket(c echo.Context) error {
	canvasID := c.QueryParam("canvas_id")
	if canvasID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": "canvas_id query parameter is required",
		})
	}
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		userID = c.QueryParam("user_id")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "canvas_id", canvasID, "error", err)
		return nil
	}

	client := NewClient(s.hub, conn, canvasID, userID)
	if lastID := c.QueryParam("last_event_id"); lastID != "" {
		s.replay(c.Request().Context(), client, lastID)
	}

	s.hub.register <- client
	s.logger.Info("watcher connected", "canvas_id", canvasID, "user_id", userID, "remote", c.RealIP())

	go client.writePump()
	go client.readPump()
	return nil
}

// replay queues missed events on the client before it joins the hub
func (s *Server) replay(ctx context.Context, client *Client, lastID string) {
	if s.replayer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, evs, err := s.replayer.Replay(ctx, client.canvasID, lastID, replayLimit)
	if err != nil {
		s.logger.Warn("event replay failed", "canvas_id", client.canvasID, "last_event_id", lastID, "error", err)
		return
	}
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		client.send <- raw
	}
	s.logger.Debug("replayed events", "canvas_id", client.canvasID, "count", len(evs))
}

// HandleStats reports connection counts
// GET /stats
func (s *Server) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": s.hub.ConnectionCount(),
		"canvases":    s.hub.CanvasCount(),
	})
}
