package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding window over a ZSET: member = call id, score = unix micros.
// Old entries are removed before counting; the new call is only recorded
// when it is admitted.
var slidingWindowScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end
redis.call("ZADD", KEYS[1], now, tostring(now) .. "-" .. tostring(count))
redis.call("PEXPIRE", KEYS[1], window_ms)
return {1, count + 1, 0}
`)

// RedisWindow shares the sliding window across gateway replicas. On any
// Redis failure it falls back to the local in-memory window rather than
// failing the check open.
type RedisWindow struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *SlidingWindow
}

func NewRedisWindow(client *redis.Client, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisWindow{
		Client:   client,
		Window:   window,
		Prefix:   "rw:",
		Fallback: NewSlidingWindow(window),
	}
}

func (l *RedisWindow) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Allow(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	nowMicros := now.UnixMicro()
	cutoff := now.Add(-l.Window).UnixMicro()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key},
		strconv.FormatInt(cutoff, 10),
		strconv.FormatInt(nowMicros, 10),
		strconv.Itoa(limit),
		strconv.FormatInt(l.Window.Milliseconds(), 10),
	).Result()
	if err != nil {
		return l.Fallback.Allow(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.Fallback.Allow(key, limit)
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	if admitted == 1 {
		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Count: int(count), Limit: limit, Remaining: remaining}
	}
	oldestMicros, _ := vals[2].(int64)
	retryAfter := time.UnixMicro(oldestMicros).Add(l.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Count: int(count), Limit: limit, RetryAfter: retryAfter}
}
