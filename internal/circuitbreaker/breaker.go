// Package circuitbreaker protects upstream path groups from cascading
// failures. A breaker counts upstream faults inside a time window, fails fast
// while open, and probes recovery with a limited number of half-open calls.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; limited requests allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("circuitbreaker: unknown state %q", b)
	}
	return nil
}

// Config holds breaker thresholds. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit and the
	// consecutive half-open successes that close it again.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// FailureWindow resets the failure count when the previous failure is
	// older than this.
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// HalfOpenLimit caps concurrent half-open probes.
	HalfOpenLimit int `yaml:"half_open_limit" json:"half_open_limit"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenLimit:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = d.HalfOpenLimit
	}
	return c
}

// Validate rejects negative thresholds.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("failure_threshold must be >= 0, got %d", c.FailureThreshold))
	}
	if c.FailureWindow < 0 {
		errs = append(errs, fmt.Errorf("failure_window must be >= 0, got %s", c.FailureWindow))
	}
	if c.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("reset_timeout must be >= 0, got %s", c.ResetTimeout))
	}
	if c.HalfOpenLimit < 0 {
		errs = append(errs, fmt.Errorf("half_open_limit must be >= 0, got %d", c.HalfOpenLimit))
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Group                string    `json:"group"`
	State                State     `json:"state"`
	Failures             int       `json:"failures"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	StateChangedAt       time.Time `json:"state_changed_at"`
	HalfOpenInFlight     int       `json:"half_open_in_flight"`
}

// StateChange is published after every transition.
type StateChange struct {
	Group string
	From  State
	To    State
	Stats Stats
}

// ErrCircuitOpen matches every *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without reaching the
// upstream.
type CircuitOpenError struct {
	Group string
	State State
	// RetryAt is when an open circuit will admit a probe. It is zero for
	// half-open rejections.
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker half-open request limit exceeded for group %q", e.Group)
	}
	return fmt.Sprintf("circuit breaker is open for group %q", e.Group)
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
