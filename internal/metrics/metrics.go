// Package metrics provides Prometheus instrumentation for the CMS edge.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts edge HTTP requests by route, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_edge_requests_total",
			Help: "Total HTTP requests served by the edge",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes edge request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cms_edge_request_duration_seconds",
			Help:    "Edge request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight edge requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cms_edge_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts inbound rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_edge_rate_limit_hits_total",
			Help: "Total inbound rate limit rejections",
		},
		[]string{"route"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_edge_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// UpstreamAttempts counts individual upstream HTTP attempts by group and outcome.
	UpstreamAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_upstream_attempts_total",
			Help: "Upstream HTTP attempts by path group and outcome",
		},
		[]string{"group", "outcome"},
	)

	// UpstreamDuration observes single-attempt upstream latency.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cms_upstream_duration_seconds",
			Help:    "Latency of a single upstream attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	// RetryTotal counts scheduled retries by classified error kind.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_retries_total",
			Help: "Total retry attempts scheduled",
		},
		[]string{"kind"},
	)

	// RetryOutcomes counts finished retry loops that needed more than one attempt.
	RetryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_retry_outcomes_total",
			Help: "Retry loops by final outcome (recovered, gave_up)",
		},
		[]string{"outcome", "kind"},
	)

	// CircuitBreakerState reports the current state per group (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cms_circuit_breaker_state",
			Help: "Circuit breaker state per upstream group",
		},
		[]string{"group"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"group", "from", "to"},
	)

	// CircuitBreakerRejections counts fail-fast rejections.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_circuit_breaker_rejections_total",
			Help: "Requests rejected without an upstream call",
		},
		[]string{"group", "state"},
	)

	// CacheLookups counts cache reads by tier and result.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_cache_lookups_total",
			Help: "Cache lookups by tier (memory, shared, micro) and result (hit, miss, stale)",
		},
		[]string{"tier", "result"},
	)

	// CacheEntries reports the number of stored entries per cache.
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cms_cache_entries",
			Help: "Entries currently stored",
		},
		[]string{"cache"},
	)

	// CacheEvictions counts entries removed by eviction or expiry.
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_cache_evictions_total",
			Help: "Entries removed from the cache",
		},
		[]string{"cache", "reason"},
	)

	// CacheErrors counts rejected cache operations and shared-tier failures.
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_cache_errors_total",
			Help: "Cache operation errors",
		},
		[]string{"tier", "op"},
	)

	// BatchDuration observes batch round-trip latency.
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cms_batch_duration_seconds",
			Help:    "Batch request round-trip latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// BatchItems counts settled batch members by outcome.
	BatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_batch_items_total",
			Help: "Requests settled through batches",
		},
		[]string{"outcome"},
	)

	// QueueRejections counts requests rejected because the queue was full.
	QueueRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cms_queue_full_rejections_total",
			Help: "Requests rejected with queue full",
		},
	)

	// QueueFailed reports requests parked for a manual retry.
	QueueFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cms_queue_failed_requests",
			Help: "Requests waiting in the failed list",
		},
	)

	// NetworkQuality reports the monitor's connection quality score.
	NetworkQuality = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cms_network_quality",
			Help: "Upstream connection quality between 0 and 1",
		},
	)

	// NetworkConnected is 1 when the upstream is reachable.
	NetworkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cms_network_connected",
			Help: "Upstream connectivity (1 connected, 0 disconnected)",
		},
	)

	// TelemetryEvents counts telemetry events by result (sent, dropped, requeued).
	TelemetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_telemetry_events_total",
			Help: "Telemetry events by delivery result",
		},
		[]string{"result"},
	)

	// ConfigReloads counts configuration reloads by trigger (file, signal,
	// manual) and result (applied, rejected).
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cms_edge_config_reloads_total",
			Help: "Configuration reloads by trigger and result",
		},
		[]string{"trigger", "result"},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests; later calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
		UpstreamAttempts,
		UpstreamDuration,
		RetryTotal,
		RetryOutcomes,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		CacheLookups,
		CacheEntries,
		CacheEvictions,
		CacheErrors,
		BatchDuration,
		BatchItems,
		QueueRejections,
		QueueFailed,
		NetworkQuality,
		NetworkConnected,
		TelemetryEvents,
		ConfigReloads,
	}
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
