// Package health provides the liveness and readiness probe HTTP handlers of
// the edge.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/netmon"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Network reports upstream connectivity. *netmon.Monitor satisfies it.
type Network interface {
	State() netmon.State
}

// Breakers reports the per-group circuit breakers.
// *circuitbreaker.Registry satisfies it.
type Breakers interface {
	All() []circuitbreaker.Stats
	AllOpen() bool
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	network  Network
	breakers Breakers
	logger   *slog.Logger
	now      func() time.Time

	// Cached readiness result so frequent /ready polls do not rebuild the
	// body. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler. Either dependency may be nil, in which
// case it does not affect readiness.
func New(network Network, breakers Breakers, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{network: network, breakers: breakers, logger: logger, now: time.Now}
}

// RegisterRoutes adds health check routes to a plain mux. Routers that
// filter by method mount Liveness and Readiness directly.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Liveness)
	mux.HandleFunc("/ready", h.Readiness)
}

// Liveness always answers 200. HEAD is answered without a body so another
// edge's network monitor can probe it cheaply.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(livenessBody)
}

type readinessBody struct {
	Status   string            `json:"status"`
	Network  *networkStatus    `json:"network,omitempty"`
	Breakers map[string]string `json:"breakers"`
}

type networkStatus struct {
	Connected bool    `json:"connected"`
	Quality   float64 `json:"quality"`
}

// Readiness answers 503 when the upstream is unreachable or every known
// breaker is open.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, r, status, body)
		return
	}
	h.cacheMu.RUnlock()

	status, body := h.evaluate()

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeBody(w, r, status, body)
}

func (h *Handler) evaluate() (int, []byte) {
	res := readinessBody{Status: "ready", Breakers: map[string]string{}}
	ready := true

	if h.network != nil {
		st := h.network.State()
		res.Network = &networkStatus{Connected: st.Connected, Quality: st.Quality}
		if !st.Connected {
			ready = false
			h.logger.Warn("not ready: upstream unreachable", "quality", st.Quality)
		}
	}
	if h.breakers != nil {
		for _, s := range h.breakers.All() {
			res.Breakers[s.Group] = s.State.String()
		}
		if h.breakers.AllOpen() {
			ready = false
			h.logger.Warn("not ready: every circuit is open", "groups", len(res.Breakers))
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		res.Status = "not ready"
	}
	body, _ := json.Marshal(res)
	return status, append(body, '\n')
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}
