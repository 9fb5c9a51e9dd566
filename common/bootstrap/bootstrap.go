package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/db"
	"github.com/lyzr/canvasgraph/common/logger"
	redisWrapper "github.com/lyzr/canvasgraph/common/redis"
	"github.com/lyzr/canvasgraph/common/telemetry"
	"github.com/redis/go-redis/v9"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	log := components.Logger

	log.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
		"store", cfg.Store.Driver,
	)

	// 3. Initialize database when a store is backed by Postgres
	if !options.skipDB && cfg.UsesPostgres() {
		log.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func(context.Context) error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			log.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				_ = components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize Redis. Events and rate limits degrade gracefully without it.
	if !options.skipRedis && cfg.Redis.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client := redisWrapper.NewClient(rc, log)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx)
		cancel()

		if err != nil {
			log.Warn("redis unavailable, continuing without events and rate limits",
				"addr", cfg.Redis.Addr,
				"error", err,
			)
			_ = rc.Close()
		} else {
			components.Redis = client
			components.addCleanup(func(context.Context) error {
				log.Info("closing redis client")
				return rc.Close()
			})
		}
	}

	// 5. Initialize telemetry
	if !options.skipTelemetry && (cfg.Telemetry.EnablePprof || cfg.Telemetry.EnableTracing) {
		log.Info("initializing telemetry")
		tel := telemetry.New(serviceName, cfg.Telemetry, log)
		if err := tel.Start(ctx); err != nil {
			// Don't fail startup if telemetry fails
			log.Warn("failed to start telemetry", "error", err)
		}
		components.Telemetry = tel
		components.addCleanup(tel.Shutdown)
	}

	log.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
