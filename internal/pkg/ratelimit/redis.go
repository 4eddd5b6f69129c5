package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLimiter is a sliding-window limiter shared by every API instance. Each
// key is a sorted set of request timestamps in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, cfg Config) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, cfg: cfg.normalized(), prefix: prefix, now: time.Now}
}

// WithClock replaces the time source.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// Allow records the attempt and reports whether it fits the window. Redis
// errors fail open so an outage never blocks paying users.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)
	minScore := now.Add(-l.cfg.Window).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(minScore, 10))
	card := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	pipe.PExpire(ctx, redisKey, 2*l.cfg.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", redisKey).Msg("redis rate limit check failed, failing open")
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	count := int(card.Val())
	if count < l.cfg.Limit {
		return Decision{Allowed: true, Remaining: l.cfg.Limit - count - 1}, nil
	}

	retryAfter := l.cfg.Window
	oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err == nil && len(oldest) == 1 {
		retryAfter = time.UnixMilli(int64(oldest[0].Score)).Add(l.cfg.Window).Sub(now)
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{RetryAfter: retryAfter}, nil
}
