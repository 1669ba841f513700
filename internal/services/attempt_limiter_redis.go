package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisAttemptLimiter enforces the rotation cap with per-agent sorted sets in
// Redis, so the window holds across multiple running instances. Members are
// scored by attempt time; pruning is a ZREMRANGEBYSCORE on each check.
type RedisAttemptLimiter struct {
	client  *redis.Client
	baseKey string
	now     func() time.Time
}

// NewRedisAttemptLimiter creates a limiter and verifies the connection.
func NewRedisAttemptLimiter(redisURL string) (*RedisAttemptLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisAttemptLimiter{
		client:  client,
		baseKey: "credgate:rotation_attempts",
		now:     time.Now,
	}, nil
}

func (l *RedisAttemptLimiter) key(agentID string) string {
	return l.baseKey + ":" + agentID
}

func (l *RedisAttemptLimiter) CheckRateLimit(ctx context.Context, agentID string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-rotationRateWindow)
	key := l.key(agentID)

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixMilli())).Err(); err != nil {
		return false, fmt.Errorf("failed to prune rotation attempts: %w", err)
	}

	members, err := l.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", cutoff.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read rotation attempts: %w", err)
	}

	successes := 0
	for _, m := range members {
		if strings.HasSuffix(m, ":ok") || countFailedAttempts {
			successes++
		}
	}

	return successes < maxRotationsPerWindow, nil
}

func (l *RedisAttemptLimiter) Record(ctx context.Context, agentID string, success bool) {
	now := l.now()
	status := "fail"
	if success {
		status = "ok"
	}
	member := fmt.Sprintf("%s:%s", uuid.NewString(), status)
	key := l.key(agentID)

	pipe := l.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, 2*rotationRateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		// Recording is best effort; the next CheckRateLimit call still sees
		// whatever did land.
		log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to record rotation attempt")
	}
}

// Close closes the Redis client.
func (l *RedisAttemptLimiter) Close() error {
	return l.client.Close()
}
