package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"online-test-service/internal/domain"
)

// RateLimiter is a fixed-window limiter: INCR on ratelimit:{key} with an
// EXPIRE set when the window opens. Shared across instances when the
// gateway runs more than one process.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "ratelimit:" + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, domain.TransientError("rate limit", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, domain.TransientError("rate limit", err)
		}
	}
	return count <= int64(l.limit), nil
}
