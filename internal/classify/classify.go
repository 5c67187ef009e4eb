// Package classify maps raw upstream failures to a small, fixed set of error
// kinds. The retry engine uses the kind to decide retryability and delay;
// the circuit breaker uses it to decide whether a failure counts against the
// upstream group.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind is the classified category of a failure.
type Kind string

const (
	Network  Kind = "network"  // connection failures and timeout signals
	Server   Kind = "server"   // 500, 502, 503, 504
	Throttle Kind = "throttle" // 429
	Timeout  Kind = "timeout"  // 408
	Auth     Kind = "auth"     // 401, 403
	Unknown  Kind = "unknown"
)

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{Network, Server, Throttle, Timeout, Auth, Unknown}
}

// networkMessages are substrings that identify connection failures in errors
// that carry no structured type.
var networkMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"failed to fetch",
	"network request failed",
	"request timeout",
}

// FromStatus maps an HTTP status code to a kind.
func FromStatus(code int) Kind {
	switch code {
	case 401, 403:
		return Auth
	case 429:
		return Throttle
	case 408:
		return Timeout
	case 500, 502, 503, 504:
		return Server
	default:
		return Unknown
	}
}

// Classify returns the kind of err. It performs no I/O.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var se *StatusError
	if errors.As(err, &se) {
		return FromStatus(se.StatusCode)
	}

	// The caller gave up; that says nothing about the upstream.
	if errors.Is(err, context.Canceled) {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}

	// http.Client wraps every transport failure in *url.Error, which itself
	// satisfies net.Error; look at what it wraps instead.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Network
		}
		if urlErr.Err != nil {
			err = urlErr.Err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Network
	}

	msg := strings.ToLower(err.Error())
	for _, m := range networkMessages {
		if strings.Contains(msg, m) {
			return Network
		}
	}

	return Unknown
}

// Retryable reports whether a failure of kind k is worth another attempt.
// Auth failures are never retried: a rejected credential does not heal by
// waiting.
func Retryable(k Kind) bool {
	switch k {
	case Network, Server, Throttle, Timeout:
		return true
	default:
		return false
	}
}

// StatusCode returns the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// IsLocal reports whether err was raised by the client itself without
// reaching the upstream. Errors opt in by implementing Local() bool.
func IsLocal(err error) bool {
	var l interface{ Local() bool }
	return errors.As(err, &l) && l.Local()
}

// CountsTowardOpen reports whether err indicates an unhealthy upstream and
// should count against its circuit breaker. Client-side 4xx responses other
// than 408 and 429, auth rejections, local errors such as queue backpressure,
// and caller cancellations do not count.
func CountsTowardOpen(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsLocal(err) {
		return false
	}
	if code, ok := StatusCode(err); ok {
		if code == 408 || code == 429 {
			return true
		}
		if code >= 400 && code < 500 {
			return false
		}
	}
	return Classify(err) != Auth
}
