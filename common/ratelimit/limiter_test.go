package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

func TestKindLimits(t *testing.T) {
	assert.Greater(t, GetLimitForKind(models.KindLocal), GetLimitForKind(models.KindRemote))
	assert.Equal(t, GetLimitForKind(models.KindRemote), GetLimitForKind("unknown"))
	assert.Equal(t, 60, GetWindowForKind(models.KindLocal))
}

func TestRateLimiter_UserLimit(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available")
	}

	limiter := NewRateLimiter(rdb, &testLogger{t: t})
	user := "test-" + uuid.NewString()[:8]
	defer limiter.ResetLimit(context.Background(), UserKey(user))

	for i := 1; i <= 3; i++ {
		res, err := limiter.CheckUserLimit(context.Background(), user, 3, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i), res.CurrentCount)
	}

	res, err := limiter.CheckUserLimit(context.Background(), user, 3, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfterSeconds, int64(0))

	count, err := limiter.GetCurrentCount(context.Background(), UserKey(user))
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
