package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript prunes, counts and conditionally adds in one atomic step,
// so dispatchers sharing the key never overshoot the limit.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return 1
`)

// RedisWindow stores send timestamps (ms scores) in a sorted set shared by all dispatchers.
type RedisWindow struct {
	rdb    *redis.Client
	key    string
	window time.Duration

	mu    sync.Mutex
	limit int
}

func NewRedisWindow(rdb *redis.Client, key string, limit int, window time.Duration) *RedisWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if key == "" {
		key = "giftwatch:sendwindow"
	}
	return &RedisWindow{rdb: rdb, key: key, limit: limit, window: window}
}

func (w *RedisWindow) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

func (w *RedisWindow) currentLimit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

func (w *RedisWindow) Reserve(ctx context.Context, now time.Time) (bool, error) {
	ttl := w.window + time.Second
	res, err := reserveScript.Run(ctx, w.rdb, []string{w.key},
		now.UnixMilli(),
		w.window.Milliseconds(),
		w.currentLimit(),
		strconv.FormatInt(now.UnixMilli(), 10)+"-"+uuid.NewString(),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return res == 1, nil
}

func (w *RedisWindow) State(ctx context.Context, now time.Time) (State, error) {
	cutoff := now.Add(-w.window).UnixMilli()
	pipe := w.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, w.key, "-inf", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, w.key)
	oldestCmd := pipe.ZRangeWithScores(ctx, w.key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return State{}, fmt.Errorf("redis state: %w", err)
	}
	st := State{Used: int(countCmd.Val()), Limit: w.currentLimit(), Window: w.window}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		st.ResetAt = time.UnixMilli(int64(oldest[0].Score)).Add(w.window)
	}
	return st, nil
}
