// Package ratelimiter holds the request budget for upstream model
// providers. Buckets live in Redis so every worker process draws from the
// same budget.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// NewBucketConfigFromPerMinute converts a requests-per-minute budget.
// Non-positive budgets yield the zero config, which never limits.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter is a token bucket per key evaluated atomically by a Lua
// script. Keys without a bucket are never limited.
type RedisLuaLimiter struct {
	redis   *redis.Client
	prefix  string
	buckets map[string]BucketConfig
	script  *redis.Script
	now     func() time.Time
	mu      sync.RWMutex
}

// NewRedisLuaLimiter returns nil when rdb is nil; a nil limiter allows
// everything.
func NewRedisLuaLimiter(rdb *redis.Client, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	b := make(map[string]BucketConfig, len(buckets))
	for k, v := range buckets {
		b[k] = v
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		prefix:  "rate:provider:",
		buckets: b,
		script:  redis.NewScript(luaTokenBucketScript),
		now:     time.Now,
	}
}

// FromPerMinute builds buckets from a provider name to RPM map.
func FromPerMinute(rpm map[string]int) map[string]BucketConfig {
	out := make(map[string]BucketConfig, len(rpm))
	for name, n := range rpm {
		if cfg := NewBucketConfigFromPerMinute(n); cfg.Capacity > 0 {
			out[name] = cfg
		}
	}
	return out
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] then
  tokens = tonumber(data[1])
end
if data[2] then
  last_refill = tonumber(data[2])
end

local delta = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (cost - tokens) / refill_rate
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("EXPIRE", key, ARGV[5])

return { allowed, tostring(tokens), tostring(retry_after) }
`

// Allow takes cost tokens from key's bucket. Redis failures fail open and
// are returned so the caller can log them.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(l.now().UnixNano()) / 1e9
	// A full refill plus a minute of slack; idle buckets disappear.
	ttl := int64(math.Ceil(float64(cfg.Capacity)/cfg.RefillRate)) + 60
	res, err := l.script.Run(ctx, l.redis, []string{l.prefix + key},
		cfg.Capacity, cfg.RefillRate, nowSec, cost, ttl).Slice()
	if err != nil {
		return true, 0, err
	}
	if len(res) < 3 {
		slog.Error("rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(res[0]) == 1
	retry := time.Duration(toFloat64(res[2]) * float64(time.Second))
	return allowed, retry, nil
}

// SetBucketConfig replaces key's bucket. A zero config removes the limit.
func (l *RedisLuaLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.Capacity <= 0 {
		delete(l.buckets, key)
		return
	}
	l.buckets[key] = cfg
}

// Keys lists the limited keys.
func (l *RedisLuaLimiter) Keys() []string {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		out = append(out, k)
	}
	return out
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

// Lua numbers are truncated to integers on the way out, so fractional
// values come back as strings.
func toFloat64(v any) float64 {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}
