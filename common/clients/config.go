package clients

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// ClientConfig holds all client configuration loaded from environment
// Read once at startup and passed to all client constructors
type ClientConfig struct {
	// Canvas API used by canvasctl
	CanvasServerURL string
	UserID          string

	// Image generation webhook; empty selects the static provider
	ImageWebhookURL string

	Timeout time.Duration
}

var (
	globalConfig *ClientConfig
	configOnce   sync.Once
)

// LoadClientConfig loads client configuration from environment variables
// This should be called once at application startup
func LoadClientConfig() *ClientConfig {
	configOnce.Do(func() {
		globalConfig = readClientConfig()
	})
	return globalConfig
}

func readClientConfig() *ClientConfig {
	timeout := 30 * time.Second
	if v := os.Getenv("CLIENT_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return &ClientConfig{
		CanvasServerURL: getEnvOrDefault("CANVAS_SERVER_URL", "http://localhost:8080"),
		UserID:          os.Getenv("CANVAS_USER_ID"),
		ImageWebhookURL: os.Getenv("IMAGE_WEBHOOK_URL"),
		Timeout:         timeout,
	}
}

// Helper to get env with default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
