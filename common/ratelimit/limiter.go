package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64 // 0 if allowed
}

// RateLimiter counts node runs per user in Redis with an atomic Lua script
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// UserKey is the counter key for a user's runs
func UserKey(userID string) string {
	return fmt.Sprintf("rate_limit:user:%s", userID)
}

// KindKey is the counter key for a user's runs of one processor kind
func KindKey(userID string, kind models.ProcessorKind) string {
	return fmt.Sprintf("rate_limit:user:%s:kind:%s", userID, kind)
}

// CheckUserLimit checks the overall run limit for a user
func (r *RateLimiter) CheckUserLimit(ctx context.Context, userID string, limit int64, windowSec int) (*RateLimitResult, error) {
	return r.checkLimit(ctx, UserKey(userID), limit, windowSec)
}

// CheckKindLimit checks the per-kind limit so cheap local runs are not
// starved by remote ones
func (r *RateLimiter) CheckKindLimit(ctx context.Context, userID string, kind models.ProcessorKind) (*RateLimitResult, error) {
	return r.checkLimit(ctx, KindKey(userID, kind), GetLimitForKind(kind), GetWindowForKind(kind))
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*RateLimitResult, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// {allowed, current_count, limit, retry_after}
	values, ok := result.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	ints := make([]int64, 4)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		ints[i] = n
	}

	res := &RateLimitResult{
		Allowed:           ints[0] == 1,
		CurrentCount:      ints[1],
		Limit:             ints[2],
		RetryAfterSeconds: ints[3],
	}

	if !res.Allowed {
		r.logger.Warn("rate limit exceeded", "key", key, "current", res.CurrentCount, "limit", limit, "retry_after", res.RetryAfterSeconds)
	} else {
		r.logger.Debug("rate limit check passed", "key", key, "current", res.CurrentCount, "limit", limit)
	}
	return res, nil
}

// GetCurrentCount returns current count without incrementing
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit counter
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
