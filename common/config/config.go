package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Store     StoreConfig
	Queue     QueueConfig
	Lock      LockConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver     string // "memory", "postgres"
	TaskDriver string // "", "sqlite"; empty follows Driver
	SQLitePath string
}

// QueueConfig holds task queue settings
type QueueConfig struct {
	Workers        int
	Buffer         int
	MaxAttempts    int
	TaskTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleTaskAfter time.Duration
	ReapInterval   time.Duration
}

// LockConfig holds canvas lock settings
type LockConfig struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig holds per-user run limits
type RateLimitConfig struct {
	Enabled       bool
	RunsPerMinute int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableTracing bool
	OTLPEndpoint  string
	SampleRatio   float64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "canvas"),
			User:        getEnv("POSTGRES_USER", "canvas"),
			Password:    getEnv("POSTGRES_PASSWORD", "canvas"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Driver:     getEnv("STORE_DRIVER", "memory"),
			TaskDriver: getEnv("TASK_STORE_DRIVER", ""),
			SQLitePath: getEnv("SQLITE_PATH", "canvas-tasks.db"),
		},
		Queue: QueueConfig{
			Workers:        getEnvInt("QUEUE_WORKERS", 8),
			Buffer:         getEnvInt("QUEUE_BUFFER", 256),
			MaxAttempts:    getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			TaskTimeout:    getEnvDuration("TASK_TIMEOUT", 5*time.Minute),
			InitialBackoff: getEnvDuration("QUEUE_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     getEnvDuration("QUEUE_MAX_BACKOFF", 30*time.Second),
			StaleTaskAfter: getEnvDuration("STALE_TASK_AFTER", 15*time.Minute),
			ReapInterval:   getEnvDuration("REAP_INTERVAL", 30*time.Second),
		},
		Lock: LockConfig{
			DefaultTTL:    getEnvDuration("LOCK_TTL", 2*time.Minute),
			SweepInterval: getEnvDuration("LOCK_SWEEP_INTERVAL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
			RunsPerMinute: getEnvInt("RATE_LIMIT_RUNS_PER_MINUTE", 60),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableTracing: getEnvBool("ENABLE_TRACING", false),
			OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			SampleRatio:   getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch c.Store.TaskDriver {
	case "", "sqlite", "memory", "postgres":
	default:
		return fmt.Errorf("unknown task store driver: %q", c.Store.TaskDriver)
	}

	if c.Store.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be >= 1")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1")
	}

	if c.Lock.DefaultTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// UsesPostgres reports whether any store needs the database pool
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == "postgres" || c.Store.TaskDriver == "postgres"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// AllowedOrigins returns the CORS origins for HTTP services
func AllowedOrigins() []string {
	return getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"})
}
