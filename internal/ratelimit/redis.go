package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and admits against a single global
// bucket stored as two Redis keys (tokens, last_refill).
// Keys: [tokens_key, last_refill_key]
// Args: [capacity, refill_per_second, now_unix_seconds]
// Returns: {admitted (1/0), tokens_remaining}
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local last_refill_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local refill_per_second = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key) or capacity)
local last_refill = tonumber(redis.call('GET', last_refill_key) or now)

local elapsed = now - last_refill
if elapsed < 0 then
    elapsed = 0
end

tokens = math.min(capacity, tokens + elapsed * refill_per_second)

local admitted = 0
if tokens >= 1 then
    tokens = tokens - 1
    admitted = 1
end

redis.call('SET', tokens_key, tostring(tokens))
redis.call('SET', last_refill_key, tostring(now))

return {admitted, tostring(tokens)}
`)

// RedisLimiter is a distributed variant of Limiter, for gateway deployments
// running more than one replica against a single bucket.
type RedisLimiter struct {
	client          *redis.Client
	capacity        float64
	refillPerSecond float64
	tokensKey       string
	lastRefillKey   string
}

func NewRedis(redisURL string, capacity, refillPerSecond float64) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisLimiter{
		client:          client,
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		tokensKey:       "ratelimit:tokens",
		lastRefillKey:   "ratelimit:last_refill",
	}, nil
}

func (l *RedisLimiter) TryAdmit(ctx context.Context) (admitted bool, retryAfterSecs int, err error) {
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := tokenBucketScript.Run(ctx, l.client, []string{l.tokensKey, l.lastRefillKey}, l.capacity, l.refillPerSecond, now).Slice()
	if err != nil {
		// Fail open: a rate limiter outage should not take down the proxy.
		return true, 0, nil
	}

	admittedFlag, _ := result[0].(int64)
	if admittedFlag == 1 {
		return true, 0, nil
	}

	if l.refillPerSecond <= 0 {
		return false, noRefillRetryAfterSecs, nil
	}

	var tokens float64
	fmt.Sscanf(result[1].(string), "%f", &tokens)
	deficit := 1 - tokens
	retryAfter := int(math.Ceil(deficit / l.refillPerSecond))
	return false, retryAfter, nil
}

// TryAdmitNow is TryAdmit with an internally bounded context, for callers
// (the middleware chain) that have no per-call context of their own to
// thread through a plain function signature shared with the in-memory Limiter.
func (l *RedisLimiter) TryAdmitNow() (admitted bool, retryAfterSecs int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	admitted, retryAfterSecs, _ = l.TryAdmit(ctx)
	return admitted, retryAfterSecs
}

// Tokens reports the bucket's last-known token count without mutating it,
// for the rate limiter gauge. Best-effort: returns 0 on a Redis error.
func (l *RedisLimiter) Tokens() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := l.client.Get(ctx, l.tokensKey).Float64()
	if err != nil {
		return 0
	}
	return v
}

func (l *RedisLimiter) Capacity() float64 {
	return l.capacity
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
