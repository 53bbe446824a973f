package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, cfg RateConfig) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(client, "dispatch", cfg)
	limiter.now = func() time.Time { return now }
	return limiter, mr, &now
}

func TestRateLimiterMiddleware(t *testing.T) {
	limiter, _, now := newLimiter(t, RateConfig{PerMinute: 2, Burst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
		req.Header.Set("X-Client-ID", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, call("alice").Code)
	require.Equal(t, http.StatusOK, call("alice").Code)
	limited := call("alice")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "30", limited.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, call("bob").Code)

	*now = now.Add(31 * time.Second)
	require.Equal(t, http.StatusOK, call("alice").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter, mr, _ := newLimiter(t, RateConfig{PerMinute: 1})
	mr.Close()

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var limiter *RateLimiter
	require.Nil(t, NewRateLimiter(nil, "dispatch", RateConfig{PerMinute: 1}))

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", clientIdentifier(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIdentifier(req))

	req.Header.Set("X-Client-ID", "kiosk-3")
	require.Equal(t, "kiosk-3", clientIdentifier(req))
}
