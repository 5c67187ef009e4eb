// Package retry executes upstream operations with bounded, classified
// exponential backoff.
//
// Each failure is labelled by the classify package. Network, server,
// throttle and timeout failures are retried, as are responses whose status
// is listed in Config.RetryableStatuses. Auth failures never are. The delay
// before the next attempt is CalculateDelay plus up to 10% jitter,
// optionally lengthened by a Retry-After hint, and never above MaxDelay.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/metrics"
)

// EventKind identifies a retry observability event.
type EventKind string

const (
	// Recovered is published when an operation succeeds after a failure.
	Recovered EventKind = "recovered"
	// GaveUp is published when the loop returns an error.
	GaveUp EventKind = "gave_up"
)

// Event reports the outcome of a retry loop.
type Event struct {
	Kind      EventKind
	Attempts  int
	Elapsed   time.Duration
	ErrorKind classify.Kind
	Handled   bool
	Err       error
}

// Engine runs retry loops. It is safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	events *events.Bus[Event]
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the context-aware sleep. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRandom replaces the jitter source. fn must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(e *Engine) { e.random = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine returns an Engine logging to logger.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger,
		events: events.NewBus[Event]("retry", logger),
		sleep:  sleepContext,
		random: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers fn for Recovered and GaveUp events.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	return e.events.Subscribe(fn)
}

type attemptKey struct{}

// AttemptFromContext returns the 1-based attempt number of the operation
// running under ctx, or 0 outside a retry loop.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// cfg.MaxAttempts is reached. Any returned error is a *Error.
func Do[T any](ctx context.Context, e *Engine, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		e = NewEngine(nil)
	}
	cfg = cfg.withDefaults()
	start := e.now()

	var (
		zero    T
		history []Attempt
		kind    classify.Kind
	)

	for attempt := 1; ; attempt++ {
		result, err := op(context.WithValue(ctx, attemptKey{}, attempt))
		if err == nil {
			if attempt > 1 {
				elapsed := e.now().Sub(start)
				metrics.RetryOutcomes.WithLabelValues(string(Recovered), string(kind)).Inc()
				e.events.Publish(Event{
					Kind:      Recovered,
					Attempts:  attempt,
					Elapsed:   elapsed,
					ErrorKind: kind,
					Handled:   true,
				})
				e.logger.Info("upstream call recovered",
					"attempts", attempt,
					"error_kind", string(kind),
					"elapsed", elapsed,
				)
			}
			return result, nil
		}

		kind = classify.Classify(err)
		retryable := isRetryable(err, kind, cfg)

		// A done parent context ends the loop; only per-attempt deadlines
		// are treated as retryable timeouts.
		if cerr := ctx.Err(); cerr != nil {
			history = append(history, Attempt{Timestamp: e.now(), Kind: kind, Err: err})
			return zero, e.giveUp(errors.Join(err, cerr), kind, attempt, cfg, false, start, history)
		}

		if !retryable || attempt >= cfg.MaxAttempts {
			history = append(history, Attempt{Timestamp: e.now(), Kind: kind, Err: err})
			return zero, e.giveUp(err, kind, attempt, cfg, retryable, start, history)
		}

		delay := applyJitter(CalculateDelay(attempt, kind, cfg), cfg.MaxDelay, e.random())
		delay = honorRetryAfter(err, kind, delay, cfg.MaxDelay)
		history = append(history, Attempt{Timestamp: e.now(), Kind: kind, Delay: delay, Err: err})

		metrics.RetryTotal.WithLabelValues(string(kind)).Inc()
		e.logger.Debug("retrying upstream call",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"error_kind", string(kind),
			"delay", delay,
			"error", err,
		)

		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, e.giveUp(errors.Join(err, serr), kind, attempt, cfg, false, start, history)
		}
	}
}

func (e *Engine) giveUp(err error, kind classify.Kind, attempt int, cfg Config, retryable bool, start time.Time, history []Attempt) *Error {
	rerr := &Error{
		Err:         err,
		Kind:        kind,
		Attempts:    attempt,
		MaxAttempts: cfg.MaxAttempts,
		Elapsed:     e.now().Sub(start),
		Retryable:   retryable,
		History:     history,
	}

	metrics.RetryOutcomes.WithLabelValues(string(GaveUp), string(kind)).Inc()
	e.events.Publish(Event{
		Kind:      GaveUp,
		Attempts:  attempt,
		Elapsed:   rerr.Elapsed,
		ErrorKind: kind,
		Handled:   false,
		Err:       rerr,
	})

	if attempt > 1 {
		e.logger.Warn("upstream call failed after retries",
			"attempts", attempt,
			"max_attempts", cfg.MaxAttempts,
			"error_kind", string(kind),
			"elapsed", rerr.Elapsed,
			"error", err,
		)
	}
	return rerr
}

func isRetryable(err error, kind classify.Kind, cfg Config) bool {
	if kind == classify.Auth {
		return false
	}
	if kind == classify.Network && !cfg.retryNetwork() {
		return false
	}
	if classify.Retryable(kind) {
		return true
	}
	if code, ok := classify.StatusCode(err); ok {
		return cfg.statusRetryable(code)
	}
	return false
}

// honorRetryAfter stretches delay to the server's Retry-After hint for
// throttled and unavailable responses, bounded by ceiling.
func honorRetryAfter(err error, kind classify.Kind, delay, ceiling time.Duration) time.Duration {
	var se *classify.StatusError
	if !errors.As(err, &se) {
		return delay
	}
	if kind != classify.Throttle && se.StatusCode != 503 {
		return delay
	}
	if ra := se.RetryAfter(); ra > delay {
		return min(ra, ceiling)
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
