package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/cms-edge/internal/metrics"
)

// Instrument records request count, latency and in-flight connections for
// every request. route maps a request to a low-cardinality label such as the
// matched route template; a nil route labels everything with the raw path.
func Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			start := time.Now()
			rec := newResponseRecorder(w, nil)
			next.ServeHTTP(rec, r)

			label := route(r)
			metrics.RequestsTotal.WithLabelValues(label, r.Method, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
