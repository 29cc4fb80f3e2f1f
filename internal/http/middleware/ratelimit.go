// Package middleware holds HTTP middleware shared by the public surfaces.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/auth"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst float64 `koanf:"burst"`
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// RateLimiter keeps one bucket per caller and scope in Redis, so every
// instance of the API draws from the same budget. Reads and writes have
// separate budgets.
type RateLimiter struct {
	client redis.Scripter
	read   RateConfig
	write  RateConfig
	script *redis.Script
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes
// every request through.
func NewRateLimiter(client redis.Scripter, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		read:   read,
		write:  write,
		script: redis.NewScript(takeTokenLua),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the time source. Tests only.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// Middleware answers 429 with Retry-After once a caller's bucket is empty.
// It fails closed with 503 when Redis cannot be reached.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.read.enabled() && !l.write.enabled()) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.bucketFor(r.Method)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := l.take(r.Context(), bucketKey(scope, r), cfg)
		switch {
		case err != nil:
			rateLimitDecisions.WithLabelValues(scope, "error").Inc()
			l.logger.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			http.Error(w, "rate limit unavailable", http.StatusServiceUnavailable)
		case wait > 0:
			rateLimitDecisions.WithLabelValues(scope, "limited").Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		default:
			rateLimitDecisions.WithLabelValues(scope, "allowed").Inc()
			next.ServeHTTP(w, r)
		}
	})
}

func (l *RateLimiter) bucketFor(method string) (string, RateConfig) {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read", l.read
	default:
		return "write", l.write
	}
}

// take removes one token and returns zero, or how long until one is available.
func (l *RateLimiter) take(ctx context.Context, key string, cfg RateConfig) (time.Duration, error) {
	waitMillis, err := l.script.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(),
		strconv.FormatFloat(cfg.Rate, 'f', -1, 64),
		strconv.FormatFloat(cfg.Burst, 'f', -1, 64),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis token bucket: %w", err)
	}
	return time.Duration(waitMillis) * time.Millisecond, nil
}

// bucketKey prefers the authenticated subject so a worker hopping between
// networks keeps one bucket.
func bucketKey(scope string, r *http.Request) string {
	caller := "anonymous"
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		caller = "sub:" + claims.Subject
	} else if ip := remoteIP(r); ip != "" {
		caller = "ip:" + ip
	}
	return "rl:" + scope + ":" + caller
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// takeTokenLua refills the bucket for the time elapsed since the last call,
// takes one token if it can and returns 0, or else the wait in whole
// milliseconds. The key expires once a full refill would have happened.
const takeTokenLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tok = tonumber(redis.call('HGET', KEYS[1], 'tok') or burst)
local ts = tonumber(redis.call('HGET', KEYS[1], 'ts') or now)
if now > ts then
  tok = math.min(burst, tok + (now - ts) * rate / 1000)
  ts = now
end

local wait = 0
if tok >= 1 then
  tok = tok - 1
else
  wait = math.ceil((1 - tok) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tok', tostring(tok), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) + 1000)
return wait
`
