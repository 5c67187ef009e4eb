package classify

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxBodySnippet bounds the response body kept on a StatusError.
const MaxBodySnippet = 4096

// maxRetryAfter caps server-provided Retry-After hints.
const maxRetryAfter = time.Hour

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
}

// NewStatusError builds a StatusError from a response whose body has already
// been read. The body is truncated to MaxBodySnippet.
func NewStatusError(method, url string, resp *http.Response, body []byte) *StatusError {
	if len(body) > MaxBodySnippet {
		body = body[:MaxBodySnippet]
	}
	se := &StatusError{Method: method, URL: url, Body: body}
	if resp != nil {
		se.StatusCode = resp.StatusCode
		se.Status = resp.Status
		se.Header = resp.Header.Clone()
	}
	return se
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
	}
	if e.Method == "" && e.URL == "" {
		return "upstream responded " + status
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, status)
}

// Kind returns the classified kind of the status.
func (e *StatusError) Kind() Kind {
	return FromStatus(e.StatusCode)
}

// RetryAfter parses the Retry-After header in either delay-seconds or
// HTTP-date form. It returns 0 when absent, invalid or in the past.
func (e *StatusError) RetryAfter() time.Duration {
	if e.Header == nil {
		return 0
	}
	return ParseRetryAfter(e.Header.Get("Retry-After"), time.Now())
}

// ParseRetryAfter parses a Retry-After value relative to now.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		return min(d, maxRetryAfter)
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d > 0 && d <= maxRetryAfter {
			return d
		}
	}
	return 0
}
