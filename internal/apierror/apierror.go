// Package apierror provides the error response format of every edge HTTP
// surface. Handlers use WriteJSON, or WriteError for errors returned by the
// API client, to produce machine-readable bodies with stable error codes.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/queue"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Edge error codes. These form a public API contract; clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound         ErrorCode = "EDGE_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "EDGE_METHOD_NOT_ALLOWED"
	InvalidRequest        ErrorCode = "EDGE_INVALID_REQUEST"
	Forbidden             ErrorCode = "EDGE_FORBIDDEN"
	UpstreamUnavailable   ErrorCode = "EDGE_UPSTREAM_UNAVAILABLE"
	UpstreamAuth          ErrorCode = "EDGE_UPSTREAM_AUTH"
	UpstreamThrottled     ErrorCode = "EDGE_UPSTREAM_THROTTLED"
	UpstreamTimeout       ErrorCode = "EDGE_UPSTREAM_TIMEOUT"
	UpstreamNotFound      ErrorCode = "EDGE_UPSTREAM_NOT_FOUND"
	UpstreamRejected      ErrorCode = "EDGE_UPSTREAM_REJECTED"
	CircuitOpen           ErrorCode = "EDGE_CIRCUIT_OPEN"
	QueueFull             ErrorCode = "EDGE_QUEUE_FULL"
	BatchFailed           ErrorCode = "EDGE_BATCH_FAILED"
	RequestCancelled      ErrorCode = "EDGE_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "EDGE_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "EDGE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "EDGE_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "EDGE_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "EDGE_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "EDGE_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "EDGE_DEADLINE_EXCEEDED"
)

// ErrorResponse is the standardized edge error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// These do NOT include request_id since it varies per request.
var (
	preRouteNotFound       = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable")
	preCircuitOpen         = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preQueueFull           = mustMarshal(http.StatusTooManyRequests, QueueFull, "request queue full")
	preRequestCancelled    = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, "request cancelled")
	preAuthMissingToken    = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded   = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteError maps err with FromError and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := FromError(err)
	WriteJSON(w, r, status, code, message)
}

// FromError maps an API client error to the HTTP status, code and message
// served to edge callers. Structural errors are checked before the
// classified kind of the upstream failure.
func FromError(err error) (status int, code ErrorCode, message string) {
	var (
		batchErr *queue.BatchProcessingError
		itemErr  *queue.ItemError
	)
	switch {
	case err == nil:
		return http.StatusOK, "", ""
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, QueueFull, "request queue full"
	case errors.As(err, &batchErr):
		return http.StatusBadGateway, BatchFailed, batchErr.Message
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, UpstreamUnavailable, "request queue closed"
	case errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, RequestCancelled, "request cancelled"
	}

	if code, ok := classify.StatusCode(err); ok {
		switch {
		case code == http.StatusNotFound:
			return http.StatusNotFound, UpstreamNotFound, "content not found"
		case code >= 400 && code < 500 && classify.FromStatus(code) == classify.Unknown:
			return code, UpstreamRejected, "upstream rejected the request"
		}
	}

	switch classify.Classify(err) {
	case classify.Auth:
		return http.StatusBadGateway, UpstreamAuth, "upstream rejected edge credentials"
	case classify.Throttle:
		return http.StatusTooManyRequests, UpstreamThrottled, "upstream rate limit exceeded"
	case classify.Timeout, classify.Network:
		return http.StatusGatewayTimeout, UpstreamTimeout, "upstream unreachable or timed out"
	case classify.Server:
		return http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable"
	}

	if errors.As(err, &itemErr) && itemErr.Message != "" {
		return http.StatusBadGateway, UpstreamUnavailable, itemErr.Message
	}
	return http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable"
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream service unavailable":
		return preUpstreamUnavailable
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == QueueFull && status == http.StatusTooManyRequests && message == "request queue full":
		return preQueueFull
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == "request cancelled":
		return preRequestCancelled
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
