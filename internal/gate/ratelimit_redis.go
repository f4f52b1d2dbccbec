package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLimiter is a fixed-window per-IP limiter backed by Redis, for
// deployments running more than one broker instance. It fails closed: a
// Redis error rejects the request.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	if max <= 0 {
		max = DefaultRateLimitMax
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RedisLimiter{
		client: client,
		max:    max,
		window: window,
		prefix: "tokenbroker:ratelimit:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, clientIP string) (bool, time.Duration, error) {
	key := l.prefix + clientIP

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Msg("Rate limiter Redis call failed, rejecting request")
		return false, l.window, fmt.Errorf("rate limiter unavailable: %w", err)
	}

	if incr.Val() <= int64(l.max) {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
