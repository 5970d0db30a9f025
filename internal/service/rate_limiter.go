package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/tutorly/session-broker/internal/redis"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local resetAt = now + window
return {1, resetAt}
`)

const (
	localMaxKeys  = 10000
	localKeyTTL   = 10 * time.Minute
	localSweepGap = time.Minute
)

// RateLimiter is a sliding-window limiter shared across instances through
// Redis. When Redis is unreachable it falls back to a per-process window so
// session and payment creation stay bounded.
type RateLimiter struct {
	client redis.Scripter
	local  *localWindow
}

func NewRateLimiter(client redis.Scripter) *RateLimiter {
	return &RateLimiter{client: client, local: newLocalWindow()}
}

// CheckLimit checks if a request is allowed under the rate limit
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().Unix()
	fullKey := redisclient.RateLimitKey(key)

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{fullKey},
		now,
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("redis rate limit check failed, using local window")
		return rl.local.check(fullKey, limit, window, time.Now())
	}

	if len(result) != 2 {
		log.Warn().Str("key", key).Msg("unexpected rate limit result, using local window")
		return rl.local.check(fullKey, limit, window, time.Now())
	}

	return result[0] == 1, time.Unix(result[1], 0)
}

type localEntry struct {
	timestamps []time.Time
	lastAccess time.Time
}

type localWindow struct {
	mu        sync.Mutex
	entries   map[string]*localEntry
	lastSweep time.Time
}

func newLocalWindow() *localWindow {
	return &localWindow{entries: make(map[string]*localEntry), lastSweep: time.Now()}
}

func (w *localWindow) check(key string, limit int, window time.Duration, now time.Time) (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweep(now)

	entry, ok := w.entries[key]
	if !ok {
		entry = &localEntry{}
		w.entries[key] = entry
	}
	entry.lastAccess = now

	windowStart := now.Add(-window)
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	if len(entry.timestamps) >= limit {
		return false, entry.timestamps[0].Add(window)
	}
	entry.timestamps = append(entry.timestamps, now)
	return true, now.Add(window)
}

func (w *localWindow) sweep(now time.Time) {
	if now.Sub(w.lastSweep) < localSweepGap && len(w.entries) < localMaxKeys {
		return
	}
	w.lastSweep = now
	for key, entry := range w.entries {
		if now.Sub(entry.lastAccess) > localKeyTTL {
			delete(w.entries, key)
		}
	}
	// Still over capacity: drop an arbitrary fifth.
	if len(w.entries) >= localMaxKeys {
		drop := len(w.entries) / 5
		for key := range w.entries {
			if drop == 0 {
				break
			}
			delete(w.entries, key)
			drop--
		}
	}
}
