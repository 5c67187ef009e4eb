package retry

import (
	"errors"
	"slices"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableStatuses makes responses with these codes retryable in
	// addition to the classified retryable kinds.
	RetryableStatuses []int
	// RetryNetworkErrors controls retries of network-kind failures.
	// Nil means true.
	RetryNetworkErrors *bool
}

// DefaultConfig returns the defaults used by the API client.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffFactor:     2,
		RetryableStatuses: []int{408, 429, 500, 502, 503, 504},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.RetryableStatuses == nil {
		c.RetryableStatuses = d.RetryableStatuses
	}
	return c
}

// Validate rejects configurations that cannot produce a sane loop.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be at least 1")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return errors.New("retry: delays must be non-negative")
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		return errors.New("retry: initial delay exceeds max delay")
	}
	if c.BackoffFactor < 1 && c.BackoffFactor != 0 {
		return errors.New("retry: backoff factor must be at least 1")
	}
	return nil
}

func (c Config) retryNetwork() bool {
	return c.RetryNetworkErrors == nil || *c.RetryNetworkErrors
}

func (c Config) statusRetryable(code int) bool {
	return slices.Contains(c.RetryableStatuses, code)
}
