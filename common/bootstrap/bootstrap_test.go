package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("bootstrap-test")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Store.TaskDriver = ""
	cfg.Redis.Enabled = false
	cfg.Telemetry = config.TelemetryConfig{}
	return cfg
}

func TestSetup_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	c, err := Setup(ctx, "bootstrap-test",
		WithCustomConfig(memoryConfig(t)),
		WithCustomLogger(logger.Discard()),
	)
	require.NoError(t, err)

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.Nil(t, c.Telemetry)
	assert.NoError(t, c.Health(ctx))
	assert.NoError(t, c.Shutdown(ctx))
}

func TestSetup_UnreachableRedisIsTolerated(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	c, err := Setup(context.Background(), "bootstrap-test",
		WithCustomConfig(cfg),
		WithCustomLogger(logger.Discard()),
	)
	require.NoError(t, err)
	assert.Nil(t, c.Redis)
}

func TestShutdown_RunsCleanupInReverseOrder(t *testing.T) {
	c := &Components{Logger: logger.Discard()}

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.addCleanup(func(context.Context) error {
			order = append(order, i)
			if i == 2 {
				return errors.New("boom")
			}
			return nil
		})
	}

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []int{3, 2, 1}, order)

	// cleanup runs once
	assert.NoError(t, c.Shutdown(context.Background()))
}
