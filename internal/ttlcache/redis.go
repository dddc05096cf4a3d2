package ttlcache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisCache is a Cache shared by every instance pointing at the same Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache constructs a RedisCache whose keys live under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: strings.TrimSpace(prefix)}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.buildKey(key), value, ttl).Err()
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.buildKey(key)).Err()
}

// Incr implements Cache.
func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, errEval := redisIncrScript.Run(ctx, c.client, []string{c.buildKey(key)}, ttl.Milliseconds()).Result()
	if errEval != nil {
		return 0, errEval
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, errors.New("ttlcache redis: unexpected response type")
	}
}

// Sweep is a no-op; Redis expires keys itself.
func (c *RedisCache) Sweep(time.Time) int { return 0 }

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
