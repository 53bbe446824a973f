package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateConfig is a token bucket: PerMinute tokens refill every minute up to Burst.
type RateConfig struct {
	PerMinute float64
	Burst     float64
}

// RateLimiter throttles callers by client identity using a token bucket kept
// in Redis, so every replica shares the same budget.
type RateLimiter struct {
	client redis.Scripter
	scope  string
	cfg    RateConfig
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every request.
func NewRateLimiter(client redis.Scripter, scope string, cfg RateConfig) *RateLimiter {
	if client == nil {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	return &RateLimiter{client: client, scope: scope, cfg: cfg, script: redis.NewScript(tokenBucketLua), now: time.Now}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.cfg.PerMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.Allow(r.Context(), clientIdentifier(r))
		if err != nil {
			// Fail open when Redis is unreachable.
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes one token for identifier and reports how long to wait if none is left.
func (l *RateLimiter) Allow(ctx context.Context, identifier string) (bool, time.Duration, error) {
	if identifier == "" {
		identifier = "anonymous"
	}
	key := strings.Join([]string{"rl", l.scope, identifier}, ":")
	ratePerMs := l.cfg.PerMinute / float64(time.Minute/time.Millisecond)
	values, err := l.script.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(),
		strconv.FormatFloat(ratePerMs, 'f', -1, 64),
		strconv.FormatFloat(l.cfg.Burst, 'f', -1, 64),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(values) != 2 {
		return false, 0, errors.New("rate limit: unexpected script reply")
	}
	if values[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(values[1]) * time.Millisecond, nil
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Replies are integers because Redis truncates Lua numbers: {allowed, wait_ms}.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta > 0 then
  tokens = math.min(capacity, tokens + delta * rate)
  last = now_ms
end

local wait = 0
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', tostring(last))
redis.call('PEXPIRE', key, math.ceil(capacity / rate))
return {allowed, wait}
`
