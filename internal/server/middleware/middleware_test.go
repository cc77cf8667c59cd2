package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing token", "/api/markets", nil, http.StatusUnauthorized},
		{"wrong token", "/api/markets", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", "/api/markets", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", "/api/markets", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"public path", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentity(t *testing.T) {
	var got string
	h := Identity()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "  u1 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "u1", got)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, got)
}

type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.seen[key]++
	return c.seen[key] <= c.limit, nil
}

func TestRateLimitPerUser(t *testing.T) {
	lim := &countingLimiter{limit: 1, seen: map[string]int{}}
	h := Identity()(RateLimit(lim, "vote", 1, time.Minute, discardLogger())(okHandler))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodPatch, "/api/markets/m1/vote", nil)
		req.Header.Set(UserHeader, user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("u1"))
	assert.Equal(t, http.StatusTooManyRequests, do("u1"))
	assert.Equal(t, http.StatusOK, do("u2"))
	assert.Equal(t, 2, lim.seen["ratelimit:vote:u1"])
}

func TestRateLimitFailsOpen(t *testing.T) {
	lim := &countingLimiter{err: errors.New("redis down")}
	rec := httptest.NewRecorder()
	RateLimit(lim, "vote", 1, time.Minute, discardLogger())(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := Logging(discardLogger(), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "4xx")))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com/"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
