package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/cms-edge/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Use up burst
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// Next request should be rate limited
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.2:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header")
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Client 1 uses up its burst
	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Client 1 is now rate limited
	req1b := httptest.NewRequest("GET", "/test", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rec1b := httptest.NewRecorder()
	handler.ServeHTTP(rec1b, req1b)
	if rec1b.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec1b.Code)
	}

	// Client 2 should still be allowed
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_NoTrustedProxies(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// No trusted proxies; XFF should be IGNORED, rate limit by RemoteAddr
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Two requests from different XFF but same RemoteAddr
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.50:8080"
	req.Header.Set("X-Forwarded-For", "192.168.1.100")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same RemoteAddr, different XFF; should be rate limited by RemoteAddr
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.50:8080"
	req2.Header.Set("X-Forwarded-For", "192.168.1.200")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (XFF ignored without trusted proxies), got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_TrustedProxy(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// Trust the 10.0.0.0/8 range
	limiter := New(cfg, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Request from trusted proxy with XFF
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same XFF IP, same trusted proxy; should be rate limited by XFF IP
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.1:8080"
	req2.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same XFF IP via trusted proxy, got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_UntrustedPeer(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// Only trust 10.0.0.0/8
	limiter := New(cfg, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Request from UNTRUSTED peer trying to spoof XFF
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.99:12345"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Same untrusted peer; rate limited by RemoteAddr, not spoofed XFF
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "203.0.113.99:12345"
	req2.Header.Set("X-Forwarded-For", "5.6.7.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (spoofed XFF from untrusted peer ignored), got %d", rec2.Code)
	}
}

func TestLimiter_PerRouteOverride(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
		Routes: []config.RouteLimit{
			{PathPrefix: "/limited", RequestsPerSecond: 1, BurstSize: 1},
		},
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// First request to /limited; should pass
	req1 := httptest.NewRequest("GET", "/limited/test", nil)
	req1.RemoteAddr = "10.0.0.5:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec1.Code)
	}

	// Second request to /limited; should be rate limited
	req2 := httptest.NewRequest("GET", "/limited/test", nil)
	req2.RemoteAddr = "10.0.0.5:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec2.Code)
	}
}

func TestLimiter_ResponseBody(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Exhaust burst
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// Rate limited request
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.10:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req2)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestLimitsForPath(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         50,
		Routes: []config.RouteLimit{
			{PathPrefix: "/api", RequestsPerSecond: 20, BurstSize: 10},
			{PathPrefix: "/api/batch", RequestsPerSecond: 2, BurstSize: 1},
		},
	}
	limiter := New(cfg, nil, slog.Default())
	defer limiter.Stop()

	tests := []struct {
		path   string
		rate   rate.Limit
		burst  int
		prefix string
	}{
		{"/api/batch", 2, 1, "/api/batch"},
		{"/api/articles", 20, 10, "/api"},
		{"/api.evil.com/steal", 100, 50, "global"},
		{"/content/pages", 100, 50, "global"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, burst, prefix := limiter.limitsForPath(tt.path)
			if r != tt.rate || burst != tt.burst || prefix != tt.prefix {
				t.Errorf("limitsForPath(%q) = %v, %d, %q; want %v, %d, %q",
					tt.path, r, burst, prefix, tt.rate, tt.burst, tt.prefix)
			}
		})
	}
}

func TestLimiter_RetryAfterHeader(t *testing.T) {
	cfg := config.RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1}
	limiter := New(cfg, nil, slog.Default())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.20:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 1 {
			if got := rec.Header().Get("Retry-After"); got != "2" {
				t.Errorf("expected Retry-After 2, got %q", got)
			}
			if !strings.Contains(rec.Body.String(), "EDGE_RATE_LIMIT_EXCEEDED") {
				t.Errorf("expected edge error code, got %s", rec.Body.String())
			}
		}
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		want  string
	}{
		{100, "1"},
		{1, "1"},
		{0.25, "4"},
		{0, "1"},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.limit); got != tt.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tt.limit, got, tt.want)
		}
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, nil, slog.Default())
	defer limiter.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.getLimiter("10.0.0.1", 10, 5)
	now = now.Add(2 * time.Minute)
	limiter.getLimiter("10.0.0.2", 10, 5)
	now = now.Add(2 * time.Minute)

	if removed := limiter.evictIdle(); removed != 1 {
		t.Fatalf("expected 1 idle client removed, got %d", removed)
	}
	snap := limiter.Snapshot()
	if len(snap) != 1 || snap[0].ClientIP != "10.0.0.2" {
		t.Errorf("unexpected snapshot after cleanup: %+v", snap)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, slog.Default())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())
	send := func() int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.30:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	send()
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before reload, got %d", code)
	}

	limiter.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10})
	if code := send(); code != http.StatusOK {
		t.Errorf("expected 200 after reload, got %d", code)
	}
}

func TestNewUpstream(t *testing.T) {
	if NewUpstream(0, 10) != nil {
		t.Error("expected nil limiter when rps is zero")
	}
	l := NewUpstream(5, 0)
	if l == nil || l.Burst() != 1 || l.Limit() != 5 {
		t.Errorf("unexpected upstream limiter: %+v", l)
	}
}
