package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("canvas-server")
	require.NoError(t, err)

	assert.Equal(t, "canvas-server", cfg.Service.Name)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Lock.DefaultTTL)
	assert.False(t, cfg.UsesPostgres())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("QUEUE_WORKERS", "2")
	t.Setenv("LOCK_TTL", "45s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load("canvas-server")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 45*time.Second, cfg.Lock.DefaultTTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, AllowedOrigins())
	assert.Contains(t, cfg.DatabaseURL(), "@localhost:5432/canvas")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "70000"}},
		{"unknown store", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown task store", map[string]string{"TASK_STORE_DRIVER": "bolt"}},
		{"no workers", map[string]string{"QUEUE_WORKERS": "0"}},
		{"no attempts", map[string]string{"QUEUE_MAX_ATTEMPTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("canvas-server")
			assert.Error(t, err)
		})
	}
}
