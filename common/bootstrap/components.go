package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/db"
	"github.com/lyzr/canvasgraph/common/logger"
	redisWrapper "github.com/lyzr/canvasgraph/common/redis"
	"github.com/lyzr/canvasgraph/common/telemetry"
)

// Components holds all initialized service dependencies.
// DB and Redis are nil when the configuration does not call for them.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redisWrapper.Client
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func(ctx context.Context) error
}

// Shutdown releases components in reverse order of creation
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](ctx); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	c.cleanupFuncs = nil

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks the external dependencies that were initialized
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func(ctx context.Context) error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
