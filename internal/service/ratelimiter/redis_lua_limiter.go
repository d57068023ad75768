// Package ratelimiter enforces per-user chat quotas with a token bucket,
// shared through Redis when available and in-process otherwise.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether key may spend cost tokens now.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig describes a token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// NewBucketConfigFromPerMinute builds a bucket allowing perMinute requests per
// minute with an equal burst. perMinute <= 0 yields a disabled bucket.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// Enabled reports whether the bucket limits anything.
func (c BucketConfig) Enabled() bool { return c.Capacity > 0 && c.RefillRate > 0 }

// RedisLuaLimiter keeps buckets in Redis hashes updated atomically by a Lua script.
type RedisLuaLimiter struct {
	redis  *redis.Client
	cfg    BucketConfig
	script *redis.Script
}

// NewRedisLuaLimiter returns nil when rdb is nil.
func NewRedisLuaLimiter(rdb *redis.Client, cfg BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		redis:  rdb,
		cfg:    cfg,
		script: redis.NewScript(luaTokenBucketScript),
	}
}

// Numbers returned from Lua become integers, so retry_after is rounded up to
// whole seconds there. Idle buckets expire once they would be full again.
const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after = math.ceil((cost - tokens) / refill_rate)
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, math.ceil(capacity / refill_rate) + 1)

return { allowed, retry_after }
`

// Allow spends cost tokens from key's bucket. Redis failures fail open.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil || !l.cfg.Enabled() {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	nowSec := float64(time.Now().UnixNano()) / 1e9

	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + key}, l.cfg.Capacity, l.cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Second
	return allowed, retryAfter, nil
}

// LocalLimiter keeps one golang.org/x/time/rate limiter per key in memory.
type LocalLimiter struct {
	cfg BucketConfig
	mu  sync.Mutex
	lim map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(cfg BucketConfig) *LocalLimiter {
	return &LocalLimiter{cfg: cfg, lim: make(map[string]*rate.Limiter)}
}

// Allow spends cost tokens from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || !l.cfg.Enabled() {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	lim, ok := l.lim[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RefillRate), int(l.cfg.Capacity))
		l.lim[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, int(cost))
	if !r.OK() {
		return false, 0, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(math.Ceil(t))
	default:
		return 0
	}
}
