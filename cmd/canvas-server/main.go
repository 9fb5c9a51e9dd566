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
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/routes"
	"github.com/lyzr/canvasgraph/common/bootstrap"
	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/db"
	"github.com/lyzr/canvasgraph/common/repository"
	"golang.org/x/sync/errgroup"
)

const serviceName = "canvas-server"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (logger, DB, Redis, telemetry)
	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.Migrate(ctx, database)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}
	defer serviceContainer.Close()

	// Fail tasks a previous process left behind before accepting new ones
	if n, err := serviceContainer.Queue.Recover(ctx); err != nil {
		components.Logger.Error("failed to recover tasks", "error", err)
	} else if n > 0 {
		components.Logger.Warn("failed tasks interrupted by restart", "count", n)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	if err := run(ctx, e, serviceContainer); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
	components.Logger.Info("canvas server stopped")
}

// run serves HTTP and drives background loops until ctx is cancelled
func run(ctx context.Context, e *echo.Echo, c *container.Container) error {
	log := c.Components.Logger
	port := c.Components.Config.Service.Port

	g, gctx := errgroup.WithContext(ctx)

	c.Queue.Start(gctx)

	g.Go(func() error {
		log.Info("starting canvas server", "port", port)
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return c.TaskReaper.Start(gctx) })
	g.Go(func() error { return c.LockSweeper.Start(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down canvas server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		c.Queue.Stop()
		return err
	})

	return g.Wait()
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: config.AllowedOrigins(),
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			"X-User-ID", "X-Lock-Token", "X-Provider-Key",
		},
	}))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": serviceName,
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterCanvasRoutes(e, serviceContainer)
	routes.RegisterLockRoutes(e, serviceContainer)
	routes.RegisterTaskRoutes(e, serviceContainer)
}
