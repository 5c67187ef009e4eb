// Package admin provides the operator API of the edge: inspection of the
// API client's breakers, cache, queue and network state, plus the few
// mutations operators need (breaker reset, cache purge, queue flush/retry).
// All endpoints are protected by an IP allowlist.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/apierror"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/ratelimit"
)

// Client is the part of the API client the admin API drives.
// *apiclient.Client satisfies it.
type Client interface {
	Stats() apiclient.Snapshot
	Invalidate(ctx context.Context, prefix string) int
	FlushQueues()
	RetryFailed() int
}

// Breakers resets circuit breakers. *circuitbreaker.Registry satisfies it.
type Breakers interface {
	Reset(group string) bool
	ResetAll()
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Options wires a Handler.
type Options struct {
	Client   Client
	Breakers Breakers
	Config   ConfigProvider
	// Limiter is optional; without it /admin/limiters is not mounted.
	Limiter *ratelimit.Limiter
	// OnPurge is called after a cache purge, e.g. to drop edge-local caches.
	OnPurge   func(prefix string)
	Allowlist []string
	Logger    *slog.Logger
}

// Handler provides admin API endpoints.
type Handler struct {
	client      Client
	breakers    Breakers
	config      ConfigProvider
	limiter     *ratelimit.Limiter
	onPurge     func(string)
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(opts Options) *Handler {
	nets := make([]*net.IPNet, 0, len(opts.Allowlist))
	for _, cidr := range opts.Allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:      opts.Client,
		breakers:    opts.Breakers,
		config:      opts.Config,
		limiter:     opts.Limiter,
		onPurge:     opts.OnPurge,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes mounts the admin API under /admin on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/admin").Subrouter()
	r.Use(h.guard)

	r.HandleFunc("/stats", h.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/breakers", h.breakersHandler).Methods(http.MethodGet)
	r.HandleFunc("/breakers/reset", h.resetAllHandler).Methods(http.MethodPost)
	r.HandleFunc("/breakers/{group}/reset", h.resetHandler).Methods(http.MethodPost)
	r.HandleFunc("/cache", h.cacheHandler).Methods(http.MethodGet)
	r.HandleFunc("/cache", h.purgeHandler).Methods(http.MethodDelete)
	r.HandleFunc("/queue", h.queueHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/flush", h.flushHandler).Methods(http.MethodPost)
	r.HandleFunc("/queue/retry", h.retryHandler).Methods(http.MethodPost)
	r.HandleFunc("/network", h.networkHandler).Methods(http.MethodGet)
	if h.config != nil {
		r.HandleFunc("/config", h.configHandler).Methods(http.MethodGet)
	}
	if h.limiter != nil {
		r.HandleFunc("/limiters", h.limitersHandler).Methods(http.MethodGet)
	}
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Stats())
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.client.Stats().Breakers})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !h.breakers.Reset(group) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no breaker for group "+strconv.Quote(group))
		return
	}
	h.logger.Info("circuit breaker reset", "group", group, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"reset": group})
}

func (h *Handler) resetAllHandler(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	h.logger.Info("all circuit breakers reset", "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"reset": "all"})
}

func (h *Handler) cacheHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Stats().Cache)
}

func (h *Handler) purgeHandler(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, `prefix is required; use "/" to purge everything`)
		return
	}
	n := h.client.Invalidate(r.Context(), prefix)
	if h.onPurge != nil {
		h.onPurge(prefix)
	}
	h.logger.Info("cache purged via admin", "prefix", prefix, "invalidated", n, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "invalidated": n})
}

func (h *Handler) queueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Stats().Queue)
}

func (h *Handler) flushHandler(w http.ResponseWriter, r *http.Request) {
	h.client.FlushQueues()
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true, "queue": h.client.Stats().Queue})
}

func (h *Handler) retryHandler(w http.ResponseWriter, r *http.Request) {
	n := h.client.RetryFailed()
	h.logger.Info("failed batch requests re-queued", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *Handler) networkHandler(w http.ResponseWriter, r *http.Request) {
	st := h.client.Stats().Network
	if st == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "network monitor disabled")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Current().Redacted())
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 1000 {
		pageSize = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
