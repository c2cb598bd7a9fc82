package credits

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "wan:credits:"

// RedisCache fronts a Source with a short lived Redis copy of each balance.
// Redis errors fall through to the source.
type RedisCache struct {
	client *redis.Client
	source Source
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, source Source, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, source: source, ttl: ttl}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (c *RedisCache) Credits(ctx context.Context, userID string) (int, error) {
	key := keyPrefix + userID
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if n, convErr := strconv.Atoi(cached); convErr == nil {
			return n, nil
		}
	case !errors.Is(err, redis.Nil):
		zap.L().Warn("balance cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	credits, err := c.source.Credits(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, key, credits, c.ttl).Err(); err != nil {
		zap.L().Warn("balance cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return credits, nil
}

// Invalidate drops the cached balance; call it after every debit or credit.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		zap.L().Warn("balance cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}
