package apiclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is a settled upstream or cached response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FromCache is set when the body came from either cache tier.
	FromCache bool
	// Stale is set when an expired entry was served because the upstream
	// failed.
	Stale bool
	Group string
}

// ErrEmptyBody is returned by Decode for a response without a body.
var ErrEmptyBody = errors.New("apiclient: empty response body")

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return ErrEmptyBody
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// CacheStatus is the X-Cache value for r: HIT, MISS or STALE.
func (r *Response) CacheStatus() string {
	switch {
	case r.Stale:
		return "STALE"
	case r.FromCache:
		return "HIT"
	default:
		return "MISS"
	}
}

// cacheDirectives is the subset of Cache-Control the client honors.
type cacheDirectives struct {
	maxAge    time.Duration
	hasMaxAge bool
	noStore   bool
}

func parseCacheControl(h http.Header) cacheDirectives {
	var d cacheDirectives
	for _, v := range h.Values("Cache-Control") {
		for part := range strings.SplitSeq(v, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
			switch strings.ToLower(name) {
			case "no-store":
				d.noStore = true
			case "max-age":
				secs, err := strconv.Atoi(strings.Trim(value, `"`))
				if err == nil && secs >= 0 {
					d.maxAge = time.Duration(secs) * time.Second
					d.hasMaxAge = true
				}
			}
		}
	}
	return d
}

// ttlFor picks the cache lifetime of a response. ok is false when the
// response must not be cached.
func ttlFor(h http.Header, fallback time.Duration) (ttl time.Duration, ok bool) {
	d := parseCacheControl(h)
	if d.noStore {
		return 0, false
	}
	if d.hasMaxAge {
		if d.maxAge == 0 {
			return 0, false
		}
		return d.maxAge, true
	}
	return fallback, true
}
