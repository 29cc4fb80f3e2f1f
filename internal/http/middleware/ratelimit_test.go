package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/servicematch/internal/auth"
	"github.com/example/servicematch/internal/http/middleware"
)

func newLimiter(t *testing.T, write middleware.RateConfig, now *time.Time) *middleware.RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return middleware.NewRateLimiter(client, middleware.RateConfig{}, write, nil).
		WithClock(func() time.Time { return *now })
}

func serve(h http.Handler, method, subject string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	if subject != "" {
		claims := &auth.Claims{Role: auth.RoleWorker, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterBucketsWrites(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newLimiter(t, middleware.RateConfig{Rate: 1, Burst: 2}, &now)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "w1").Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "w1").Code)
	rec := serve(h, http.MethodPost, "w1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// other subjects have their own bucket
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "w2").Code)

	// reads are unlimited with a zero read config
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "w1").Code)
	}

	now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "w1").Code)
}

func TestNilRateLimiterPassesThrough(t *testing.T) {
	var limiter *middleware.RateLimiter
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "").Code)
	require.Nil(t, middleware.NewRateLimiter(nil, middleware.RateConfig{}, middleware.RateConfig{}, nil))
}

func TestRateLimiterFailsClosedWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter := middleware.NewRateLimiter(client, middleware.RateConfig{}, middleware.RateConfig{Rate: 1, Burst: 1}, nil)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	mr.Close()
	require.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodPost, "w1").Code)
}
