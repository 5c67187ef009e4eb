package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/cms-edge/internal/apierror"
)

// Recovery turns a handler panic into an EDGE_INTERNAL_ERROR response and
// one error log entry carrying the request id, the upstream group when the
// content handler had already chosen one, and the stack.
//
// If the response had already started only the log entry is written.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newResponseRecorder(w, nil)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				attrs := []any{
					"error", fmt.Sprint(v),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"response_started", rec.started(),
				}
				if group := rec.Header().Get("X-Upstream-Group"); group != "" {
					attrs = append(attrs, "upstream_group", group)
				}
				attrs = append(attrs, "stack", string(debug.Stack()))
				logger.Error("panic recovered", attrs...)

				if !rec.started() {
					apierror.WriteJSON(rec, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
