package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter using a sliding-window approach
// backed by Redis sorted sets and an atomic Lua script.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
	now           func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether one more request for key fits in the window. An
// allowed request is counted; a rejected one is not.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
