package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/metrics"
)

// Breaker is a failure-count circuit breaker for one upstream path group.
type Breaker struct {
	mu sync.Mutex

	group  string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	bus    *events.Bus[StateChange]

	state                State
	failures             int
	lastFailureTime      time.Time
	consecutiveSuccesses int
	totalRequests        int64
	stateChangedAt       time.Time

	halfOpenInFlight int
	// generation increments on every transition so that probes admitted in
	// an earlier state do not release slots of the current one.
	generation uint64
	resetTimer *time.Timer
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithBus publishes state changes on a shared bus instead of a private one.
func WithBus(bus *events.Bus[StateChange]) Option {
	return func(b *Breaker) { b.bus = bus }
}

// New creates a closed breaker for group.
func New(group string, cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		group:  group,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bus == nil {
		b.bus = events.NewBus[StateChange]("circuitbreaker", logger)
	}
	b.stateChangedAt = b.now()
	metrics.CircuitBreakerState.WithLabelValues(group).Set(float64(StateClosed))
	return b
}

// Group returns the path group the breaker protects.
func (b *Breaker) Group() string { return b.group }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// Subscribe registers fn for state changes published by this breaker.
func (b *Breaker) Subscribe(fn func(StateChange)) (cancel func()) {
	return b.bus.Subscribe(fn)
}

// Execute runs op under breaker protection. An open circuit, or a half-open
// circuit with all probe slots taken, returns *CircuitOpenError without
// calling op. Only upstream faults count toward opening the circuit.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	gen, probe, err := b.admit()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled && probe {
			b.release(gen)
		}
	}()

	err = op(ctx)
	settled = true

	switch {
	case err == nil:
		b.settle(gen, probe, func() []StateChange { return b.recordSuccess() })
	case classify.CountsTowardOpen(err):
		b.settle(gen, probe, func() []StateChange { return b.recordFailure() })
	case probe:
		b.release(gen)
	}
	return err
}

// admit decides whether a call may proceed. probe is true when the call
// occupies a half-open slot.
func (b *Breaker) admit() (gen uint64, probe bool, err error) {
	b.mu.Lock()
	b.totalRequests++

	var changes []StateChange
	if b.state == StateOpen {
		if b.now().Sub(b.stateChangedAt) >= b.cfg.ResetTimeout {
			changes = b.transitionTo(StateHalfOpen)
		} else {
			retryAt := b.stateChangedAt.Add(b.cfg.ResetTimeout)
			b.mu.Unlock()
			metrics.CircuitBreakerRejections.WithLabelValues(b.group, StateOpen.String()).Inc()
			return 0, false, &CircuitOpenError{Group: b.group, State: StateOpen, RetryAt: retryAt}
		}
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenLimit {
			b.mu.Unlock()
			b.publish(changes)
			metrics.CircuitBreakerRejections.WithLabelValues(b.group, StateHalfOpen.String()).Inc()
			return 0, false, &CircuitOpenError{Group: b.group, State: StateHalfOpen}
		}
		b.halfOpenInFlight++
		probe = true
	}
	gen = b.generation
	b.mu.Unlock()

	b.publish(changes)
	return gen, probe, nil
}

func (b *Breaker) settle(gen uint64, probe bool, record func() []StateChange) {
	b.mu.Lock()
	if probe {
		b.releaseLocked(gen)
	}
	changes := record()
	b.mu.Unlock()
	b.publish(changes)
}

func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	b.releaseLocked(gen)
	b.mu.Unlock()
}

func (b *Breaker) releaseLocked(gen uint64) {
	if gen == b.generation && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordSuccess records a successful upstream call made outside Execute.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	changes := b.recordSuccess()
	b.mu.Unlock()
	b.publish(changes)
}

// RecordFailure records a failed upstream call made outside Execute.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	changes := b.recordFailure()
	b.mu.Unlock()
	b.publish(changes)
}

// Must be called with b.mu held.
func (b *Breaker) recordSuccess() []StateChange {
	var changes []StateChange
	if b.state == StateHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.FailureThreshold {
			changes = b.transitionTo(StateClosed)
		}
	}
	if b.state == StateClosed {
		b.failures = 0
		b.consecutiveSuccesses = 0
	}
	return changes
}

// Must be called with b.mu held.
func (b *Breaker) recordFailure() []StateChange {
	now := b.now()
	if now.Sub(b.lastFailureTime) > b.cfg.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailureTime = now
	b.consecutiveSuccesses = 0

	switch {
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		return b.transitionTo(StateOpen)
	case b.state == StateHalfOpen:
		return b.transitionTo(StateOpen)
	}
	return nil
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		Group:                b.group,
		State:                b.state,
		Failures:             b.failures,
		LastFailureTime:      b.lastFailureTime,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRequests:        b.totalRequests,
		StateChangedAt:       b.stateChangedAt,
		HalfOpenInFlight:     b.halfOpenInFlight,
	}
}

// Reset forces the breaker back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changes := b.transitionTo(StateClosed)
	b.failures = 0
	b.consecutiveSuccesses = 0
	b.mu.Unlock()
	b.publish(changes)
}

// transitionTo changes the breaker state, emitting metrics and logging. The
// returned change must be published after b.mu is released.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) []StateChange {
	if b.state == newState {
		return nil
	}

	from := b.state
	b.state = newState
	b.stateChangedAt = b.now()
	b.halfOpenInFlight = 0
	b.generation++

	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}

	switch newState {
	case StateOpen:
		b.resetTimer = time.AfterFunc(b.cfg.ResetTimeout, b.probeAfterTimeout)
	case StateClosed:
		b.failures = 0
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	}

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.group, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.group).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"group", b.group,
		"from", from.String(),
		"to", newState.String(),
		"failures", b.failures,
	)

	return []StateChange{{Group: b.group, From: from, To: newState, Stats: b.statsLocked()}}
}

// probeAfterTimeout moves an idle open circuit to half-open once the reset
// timeout has passed.
func (b *Breaker) probeAfterTimeout() {
	b.mu.Lock()
	var changes []StateChange
	if b.state == StateOpen && b.now().Sub(b.stateChangedAt) >= b.cfg.ResetTimeout {
		changes = b.transitionTo(StateHalfOpen)
	}
	b.mu.Unlock()
	b.publish(changes)
}

func (b *Breaker) publish(changes []StateChange) {
	for _, c := range changes {
		b.bus.Publish(c)
	}
}
