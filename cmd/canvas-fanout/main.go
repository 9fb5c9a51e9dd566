package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/canvasgraph/common/bootstrap"
	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/events"
	"golang.org/x/sync/errgroup"
)

const serviceName = "canvas-fanout"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, serviceName, bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	log := components.Logger
	if components.Redis == nil {
		log.Error("canvas fanout requires Redis")
		os.Exit(1)
	}

	hub := NewHub(log)
	subscriber := NewRedisSubscriber(components.Redis, hub, log)
	publisher := events.NewPublisher(&events.PublisherOpts{Client: components.Redis, Logger: log})
	server := NewServer(hub, publisher, config.AllowedOrigins(), log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/ws", server.HandleWebSocket) // GET /ws?canvas_id={canvas_id}
	e.GET("/stats", server.HandleStats)  // GET /stats
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return subscriber.Start(gctx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", components.Config.Service.Port)
		log.Info("canvas fanout listening", "addr", addr)
		// no read/write timeouts; websocket connections are long-lived
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("canvas fanout stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("canvas fanout stopped")
}
