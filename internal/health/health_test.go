package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/netmon"
)

type fakeNetwork struct{ state netmon.State }

func (f *fakeNetwork) State() netmon.State { return f.state }

type fakeBreakers struct {
	stats   []circuitbreaker.Stats
	allOpen bool
}

func (f *fakeBreakers) All() []circuitbreaker.Stats { return f.stats }
func (f *fakeBreakers) AllOpen() bool               { return f.allOpen }

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	h := New(nil, nil, slog.Default())
	rec := serve(h, "GET", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestLiveness_JSONContentType(t *testing.T) {
	rec := serve(New(nil, nil, nil), "GET", "/health")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestLiveness_Head(t *testing.T) {
	rec := serve(New(nil, nil, nil), "HEAD", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty HEAD body, got %q", rec.Body.String())
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		network  *fakeNetwork
		breakers *fakeBreakers
		want     int
	}{
		{"no dependencies", nil, nil, http.StatusOK},
		{"connected", &fakeNetwork{netmon.State{Connected: true, Quality: 1}}, &fakeBreakers{}, http.StatusOK},
		{"disconnected", &fakeNetwork{netmon.State{Connected: false, Quality: 0}}, &fakeBreakers{}, http.StatusServiceUnavailable},
		{"some open", &fakeNetwork{netmon.State{Connected: true, Quality: 0.8}}, &fakeBreakers{
			stats: []circuitbreaker.Stats{
				{Group: "articles", State: circuitbreaker.StateOpen},
				{Group: "pages", State: circuitbreaker.StateClosed},
			},
		}, http.StatusOK},
		{"all open", &fakeNetwork{netmon.State{Connected: true, Quality: 0.8}}, &fakeBreakers{
			stats:   []circuitbreaker.Stats{{Group: "articles", State: circuitbreaker.StateOpen}},
			allOpen: true,
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				n Network
				b Breakers
			)
			if tt.network != nil {
				n = tt.network
			}
			if tt.breakers != nil {
				b = tt.breakers
			}
			rec := serve(New(n, b, slog.Default()), "GET", "/ready")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReadiness_JSONResponse(t *testing.T) {
	network := &fakeNetwork{netmon.State{Connected: true, Quality: 0.9}}
	breakers := &fakeBreakers{stats: []circuitbreaker.Stats{{Group: "articles", State: circuitbreaker.StateHalfOpen}}}
	rec := serve(New(network, breakers, nil), "GET", "/ready")

	var body struct {
		Status  string `json:"status"`
		Network struct {
			Connected bool    `json:"connected"`
			Quality   float64 `json:"quality"`
		} `json:"network"`
		Breakers map[string]string `json:"breakers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" {
		t.Errorf("expected ready, got %q", body.Status)
	}
	if !body.Network.Connected || body.Network.Quality != 0.9 {
		t.Errorf("unexpected network section: %+v", body.Network)
	}
	if body.Breakers["articles"] != "half-open" {
		t.Errorf("expected half-open articles breaker, got %v", body.Breakers)
	}
}

func TestReadiness_Cached(t *testing.T) {
	network := &fakeNetwork{netmon.State{Connected: true, Quality: 1}}
	h := New(network, nil, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	if rec := serve(h, "GET", "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	network.state.Connected = false
	now = now.Add(2 * time.Second)
	if rec := serve(h, "GET", "/ready"); rec.Code != http.StatusOK {
		t.Errorf("expected cached 200 within TTL, got %d", rec.Code)
	}

	now = now.Add(readinessCacheTTL)
	if rec := serve(h, "GET", "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after TTL, got %d", rec.Code)
	}
}
