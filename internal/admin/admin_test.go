package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/cache"
	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/netmon"
	"github.com/dskow/cms-edge/internal/queue"
	"github.com/dskow/cms-edge/internal/ratelimit"
)

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

type stubClient struct {
	snapshot    apiclient.Snapshot
	invalidated []string
	flushed     int
	retried     int
}

func (s *stubClient) Stats() apiclient.Snapshot { return s.snapshot }

func (s *stubClient) Invalidate(_ context.Context, prefix string) int {
	s.invalidated = append(s.invalidated, prefix)
	return 3
}

func (s *stubClient) FlushQueues() { s.flushed++ }

func (s *stubClient) RetryFailed() int {
	s.retried++
	return 2
}

type stubBreakers struct {
	reset    []string
	resetAll int
}

func (s *stubBreakers) Reset(group string) bool {
	if group != "articles" {
		return false
	}
	s.reset = append(s.reset, group)
	return true
}

func (s *stubBreakers) ResetAll() { s.resetAll++ }

type fixture struct {
	router   *mux.Router
	client   *stubClient
	breakers *stubBreakers
	purged   []string
}

func testHandler(t *testing.T, allowlist []string) *fixture {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := &config.Config{
		Auth: config.AuthConfig{
			Enabled:   true,
			JWTSecret: "super-secret-key",
			Issuer:    "test",
			Audience:  "test",
		},
		Upstream: config.UpstreamConfig{
			BaseURL: "http://cms:1337/api",
			Token:   "cms-api-token",
		},
	}

	limiter := ratelimit.New(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 50}, nil, logger)
	t.Cleanup(limiter.Stop)

	f := &fixture{
		router: mux.NewRouter(),
		client: &stubClient{snapshot: apiclient.Snapshot{
			Breakers: []circuitbreaker.Stats{{Group: "articles", State: circuitbreaker.StateOpen, Failures: 5}},
			Cache:    cache.Stats{Size: 4, MaxSize: 100, ActiveEntries: 3},
			Queue:    queue.Stats{TotalRequests: 1, FailedRequests: 2},
			Network:  &netmon.State{Connected: true, Quality: 0.75},
		}},
		breakers: &stubBreakers{},
	}

	h := New(Options{
		Client:    f.client,
		Breakers:  f.breakers,
		Config:    &mockConfigProvider{cfg: cfg},
		Limiter:   limiter,
		OnPurge:   func(prefix string) { f.purged = append(f.purged, prefix) },
		Allowlist: allowlist,
		Logger:    logger,
	})
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStatsEndpoint(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	rec := f.do("GET", "/admin/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap apiclient.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Breakers) != 1 || snap.Breakers[0].State != circuitbreaker.StateOpen {
		t.Errorf("unexpected breakers: %+v", snap.Breakers)
	}
	if snap.Cache.ActiveEntries != 3 {
		t.Errorf("active_entries = %d, want 3", snap.Cache.ActiveEntries)
	}
	if snap.Network == nil || snap.Network.Quality != 0.75 {
		t.Errorf("unexpected network: %+v", snap.Network)
	}
}

func TestBreakerReset(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	if rec := f.do("POST", "/admin/breakers/articles/reset"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(f.breakers.reset) != 1 || f.breakers.reset[0] != "articles" {
		t.Errorf("expected articles reset, got %v", f.breakers.reset)
	}

	if rec := f.do("POST", "/admin/breakers/unknown/reset"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown group", rec.Code)
	}

	if rec := f.do("POST", "/admin/breakers/reset"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.breakers.resetAll != 1 {
		t.Errorf("expected ResetAll once, got %d", f.breakers.resetAll)
	}
}

func TestCachePurge(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	rec := f.do("DELETE", "/admin/cache?prefix=/articles")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Invalidated int `json:"invalidated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Invalidated != 3 {
		t.Errorf("invalidated = %d, want 3", resp.Invalidated)
	}
	if len(f.client.invalidated) != 1 || f.client.invalidated[0] != "/articles" {
		t.Errorf("unexpected invalidations: %v", f.client.invalidated)
	}
	if len(f.purged) != 1 {
		t.Errorf("expected OnPurge to run once, got %v", f.purged)
	}

	if rec := f.do("DELETE", "/admin/cache"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without prefix", rec.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	if rec := f.do("GET", "/admin/queue"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"failed_requests":2`) {
		t.Errorf("unexpected queue response: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do("POST", "/admin/queue/flush"); rec.Code != http.StatusOK {
		t.Errorf("flush status = %d", rec.Code)
	}
	rec := f.do("POST", "/admin/queue/retry")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"retried":2`) {
		t.Errorf("unexpected retry response: %d %s", rec.Code, rec.Body.String())
	}
	if f.client.flushed != 1 || f.client.retried != 1 {
		t.Errorf("flushed=%d retried=%d, want 1 and 1", f.client.flushed, f.client.retried)
	}
}

func TestNetworkEndpoint_Disabled(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})
	f.client.snapshot.Network = nil

	if rec := f.do("GET", "/admin/network"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestConfigEndpoint_RedactsSecret(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	rec := f.do("GET", "/admin/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"***"`) {
		t.Error("expected secrets to be redacted")
	}
	if strings.Contains(body, "super-secret-key") || strings.Contains(body, "cms-api-token") {
		t.Error("secret was not redacted!")
	}
}

func TestIPAllowlist_Denied(t *testing.T) {
	f := testHandler(t, []string{"10.0.0.0/8"})

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EDGE_FORBIDDEN") {
		t.Errorf("expected EDGE_FORBIDDEN, got %s", rec.Body.String())
	}
}

func TestIPAllowlist_Allowed(t *testing.T) {
	f := testHandler(t, []string{"192.168.0.0/16"})

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	req.RemoteAddr = "192.168.1.100:5678"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLimitersEndpoint(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	rec := f.do("GET", "/admin/limiters?page_size=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["total"]; !ok {
		t.Error("expected 'total' field in response")
	}
	if _, ok := resp["entries"]; !ok {
		t.Error("expected 'entries' field in response")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"})

	if rec := f.do("POST", "/admin/stats"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
