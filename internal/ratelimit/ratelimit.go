// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the edge and the outbound limiter used for upstream calls.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/apierror"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/periodic"
	"github.com/dskow/cms-edge/internal/routing"
	"golang.org/x/time/rate"
)

const (
	cleanupInterval = time.Minute
	idleTTL         = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey avoids fmt.Sprintf allocation in the hot path. The composite
// key encodes IP, rate, and burst so different route overrides get
// separate buckets.
type clientKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

// Limiter tracks per-client rate limiters and periodically drops idle
// entries.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[clientKey]*client
	rate         rate.Limit
	burst        int
	routes       []config.RouteLimit
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	now          func() time.Time
	cleanup      *periodic.Task
}

// New creates a Limiter with the global limits and per-prefix overrides of
// cfg and starts the idle-client cleanup. trustedProxies is a list of CIDR
// strings (e.g. "10.0.0.0/8") whose X-Forwarded-For headers are trusted.
func New(cfg config.RateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		clients:      make(map[clientKey]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		routes:       cfg.Routes,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		now:          time.Now,
	}
	l.cleanup = periodic.New(cleanupInterval, func(context.Context) { l.evictIdle() })
	l.cleanup.Start(context.Background())
	return l
}

// NewUpstream returns the limiter applied to outbound upstream attempts, or
// nil when rps is not positive.
func NewUpstream(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup.
func (l *Limiter) Stop() {
	l.cleanup.Stop()
}

// UpdateConfig hot-reloads the global rate limit settings and route overrides.
// Existing per-client limiters are cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.routes = cfg.Routes

	// Clear existing limiters so new rates apply on next request.
	l.clients = make(map[clientKey]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ClientIP(r)
			rateLimit, burst, routePrefix := l.limitsForPath(r.URL.Path)

			limiter := l.getLimiter(ip, rateLimit, burst)
			if !limiter.Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(routePrefix).Inc()
				w.Header().Set("Retry-After", retryAfter(rateLimit))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter is the whole seconds until one token refills, at least 1.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "1"
	}
	secs := math.Ceil(1 / float64(limit))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatFloat(secs, 'f', 0, 64)
}

// ClientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) ClientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// limitsForPath returns the rate limit, burst, and matching override prefix
// for the given path in a single scan of the overrides.
func (l *Limiter) limitsForPath(path string) (rate.Limit, int, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *config.RouteLimit
	for i := range l.routes {
		route := &l.routes[i]
		if routing.MatchesPrefix(path, route.PathPrefix) && (best == nil || len(route.PathPrefix) > len(best.PathPrefix)) {
			best = route
		}
	}

	if best != nil {
		return rate.Limit(best.RequestsPerSecond), best.BurstSize, best.PathPrefix
	}
	return l.rate, l.burst, "global"
}

// getLimiter returns or creates a rate limiter for the given client key.
// Uses RWMutex: read-lock for existing clients (common path), write-lock
// only for new insertions. rate.Limiter is internally goroutine-safe so
// Allow() does not need to be called under our lock.
func (l *Limiter) getLimiter(ip string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{ip: ip, rate: r, burst: burst}
	now := l.now()

	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Only refresh lastSeen once a minute; the idle threshold is three.
		if now.Sub(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = now
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := l.clients[key]; exists {
		c.lastSeen = now
		return c.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: now}
	return limiter
}

func (l *Limiter) evictIdle() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idleTTL {
			delete(l.clients, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(l.clients))
	}
	return removed
}

// ClientEntry describes one tracked client bucket.
type ClientEntry struct {
	ClientIP string    `json:"client_ip"`
	Rate     float64   `json:"rate"`
	Burst    int       `json:"burst"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot lists the tracked clients ordered by IP.
func (l *Limiter) Snapshot() []ClientEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ClientEntry, 0, len(l.clients))
	for key, c := range l.clients {
		out = append(out, ClientEntry{
			ClientIP: key.ip,
			Rate:     float64(key.rate),
			Burst:    key.burst,
			Tokens:   c.limiter.Tokens(),
			LastSeen: c.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientIP != out[j].ClientIP {
			return out[i].ClientIP < out[j].ClientIP
		}
		return out[i].Rate < out[j].Rate
	})
	return out
}
