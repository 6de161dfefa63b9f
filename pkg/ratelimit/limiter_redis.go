package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript counts admissions atomically.
// KEYS[1] = window key
// ARGV[1] = limit
// ARGV[2] = window length in milliseconds
// Returns {allowed, pttl}.
var redisFixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
    redis.call("PEXPIRE", key, window)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
    redis.call("PEXPIRE", key, window)
    ttl = window
end

if count > limit then
    return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter shares windows across gateway instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter backed by the Redis server at addr.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLimiterFromClient(rdb)
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "openport:rl:"}
}

// Ping checks connectivity.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	res, err := redisFixedWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key}, policy.Limit, policy.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	ttl, _ := results[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
}
