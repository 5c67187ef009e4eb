// Package middleware provides common HTTP middleware for the edge surfaces
// including structured access logging, request metrics, CORS, and panic
// recovery.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

const defaultMaxBodyLogBytes = 4096

// responseRecorder captures what a handler wrote: the status, the number of
// body bytes and, when body is set, a bounded copy of the body.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
	body        *bodyCapture
}

func newResponseRecorder(w http.ResponseWriter, body *bodyCapture) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK, body: body}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.status = code
		rr.wroteHeader = true
		if rr.body != nil {
			rr.body.contentType = rr.Header().Get("Content-Type")
		}
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	if rr.body != nil {
		rr.body.write(b[:n])
	}
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// started reports whether the status line has gone out.
func (rr *responseRecorder) started() bool { return rr.wroteHeader }

// LoggingConfig holds the runtime options for the Logging middleware.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging returns middleware that writes one access log entry per request.
// Besides method, path, status, size and latency it records how the edge
// served the request: the X-Cache status and the upstream group set by the
// content handlers. 5xx responses are raised to Warn.
//
// levelFor maps a request path to its log level; nil logs everything at
// Info and LogLevelNone suppresses the entry. bodyConfig enables opt-in,
// redacted body logging when non-nil.
func Logging(logger *slog.Logger, levelFor func(string) slog.Level, bodyConfig *LoggingConfig) func(http.Handler) http.Handler {
	if levelFor == nil {
		levelFor = func(string) slog.Level { return slog.LevelInfo }
	}
	logBody := bodyConfig != nil && bodyConfig.BodyLogging
	maxBody := defaultMaxBodyLogBytes
	if bodyConfig != nil && bodyConfig.MaxBodyLogBytes > 0 {
		maxBody = bodyConfig.MaxBodyLogBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := levelFor(r.URL.Path)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			var reqBody string
			var capture *bodyCapture
			if logBody {
				if r.Body != nil && textual(r.Header.Get("Content-Type")) {
					reqBody = captureRequestBody(r, maxBody)
				}
				capture = &bodyCapture{maxBytes: maxBody}
			}

			rec := newResponseRecorder(w, capture)
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError && level < slog.LevelWarn {
				level = slog.LevelWarn
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			attrs = append(attrs, edgeAttrs(rec.Header())...)
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if capture != nil && textual(capture.contentType) {
				if body := capture.String(); body != "" {
					attrs = append(attrs, "response_body", redactSensitive(body))
				}
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// edgeAttrs extracts the cache and upstream annotations the content
// handlers put on responses.
func edgeAttrs(h http.Header) []any {
	var attrs []any
	if xc := h.Get("X-Cache"); xc != "" {
		attrs = append(attrs, "x_cache", xc)
	}
	if group := h.Get("X-Upstream-Group"); group != "" {
		attrs = append(attrs, "upstream_group", group)
	}
	return attrs
}

// textual reports whether a content type is worth logging. An empty type is
// accepted; CMS responses are JSON unless stated otherwise.
func textual(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads up to maxBytes of r.Body for logging and
// restores the full body for the handler.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	captured, _ := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1))
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

// sensitiveFieldRe matches JSON string fields whose key ends in a credential
// word, e.g. "password", "jwt_secret", "api_token" or "authorization".
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)("[a-z0-9_\-]*(?:password|secret|token|key|authorization)"\s*:\s*")[^"]*(")`,
)

func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllString(s, `${1}***${2}`)
}

// bodyCapture collects response body bytes up to a limit.
type bodyCapture struct {
	buf         bytes.Buffer
	maxBytes    int
	contentType string
}

func (bc *bodyCapture) write(p []byte) {
	remaining := bc.maxBytes - bc.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	bc.buf.Write(p)
}

func (bc *bodyCapture) String() string { return bc.buf.String() }
