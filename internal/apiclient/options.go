package apiclient

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/retry"
)

// ResponseType selects how a response body is interpreted.
type ResponseType string

const (
	ResponseJSON  ResponseType = "json"
	ResponseText  ResponseType = "text"
	ResponseBytes ResponseType = "bytes"
)

// RetryOptions overrides the retry policy of one request. Zero fields keep
// the client defaults.
type RetryOptions struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries            int
	RetryDelay            time.Duration
	UseExponentialBackoff *bool
	MaxRetryDelay         time.Duration
	RetryableStatusCodes  []int
	RetryNetworkErrors    *bool
}

// CacheOptions controls caching of a GET.
type CacheOptions struct {
	Enabled bool
	// TTL applies when the response carries no max-age.
	TTL                  time.Duration
	StaleWhileRevalidate bool
	// Revalidate ignores a cached value and always fetches.
	Revalidate bool
}

// BatchOptions opts a GET into the request queue.
type BatchOptions struct {
	MaxBatchSize int
	MaxDelay     time.Duration
	Deduplicate  *bool
}

// Options tunes a single call. A nil *Options uses the client defaults.
type Options struct {
	Retry          *RetryOptions
	Cache          *CacheOptions
	CircuitBreaker *circuitbreaker.Config
	// Batch sends a GET through the request queue instead of a direct
	// request.
	Batch        *BatchOptions
	Timeout      time.Duration
	Params       url.Values
	Header       http.Header
	ResponseType ResponseType
}

// DefaultCacheOptions is used for GETs whose Options carry no Cache.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{Enabled: true, TTL: 5 * time.Minute}
}

// retryConfig merges o over base. Writes default to a single attempt unless
// the caller asked for retries.
func (o *Options) retryConfig(base retry.Config, write bool) retry.Config {
	cfg := base
	if o == nil || o.Retry == nil {
		if write {
			cfg.MaxAttempts = 1
		}
		return cfg
	}

	r := o.Retry
	if r.MaxRetries > 0 {
		cfg.MaxAttempts = r.MaxRetries
	}
	if r.RetryDelay > 0 {
		cfg.InitialDelay = r.RetryDelay
	}
	if r.MaxRetryDelay > 0 {
		cfg.MaxDelay = r.MaxRetryDelay
	}
	if r.UseExponentialBackoff != nil && !*r.UseExponentialBackoff {
		cfg.BackoffFactor = 1
	}
	if r.RetryableStatusCodes != nil {
		cfg.RetryableStatuses = r.RetryableStatusCodes
	}
	if r.RetryNetworkErrors != nil {
		cfg.RetryNetworkErrors = r.RetryNetworkErrors
	}
	return cfg
}

func (o *Options) cacheOptions(def CacheOptions) CacheOptions {
	if o == nil || o.Cache == nil {
		return def
	}
	return *o.Cache
}

func (o *Options) timeout(def time.Duration) time.Duration {
	if o != nil && o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

func (o *Options) responseType() ResponseType {
	if o == nil || o.ResponseType == "" {
		return ResponseJSON
	}
	return o.ResponseType
}

func (o *Options) breakerConfig() *circuitbreaker.Config {
	if o == nil {
		return nil
	}
	return o.CircuitBreaker
}

func (o *Options) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *Options) params() url.Values {
	if o == nil {
		return nil
	}
	return o.Params
}
