// Package netmon tracks upstream connectivity and a 0..1 connection quality
// score. Consumers subscribe to significant changes.
package netmon

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/periodic"
)

const (
	// DefaultProbeInterval is the time between link refreshes and probes.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second

	// significantDelta is the quality change that counts as a change.
	significantDelta = 0.2
	// failedProbeQuality is the floor applied after a failed probe.
	failedProbeQuality = 0.3
)

// State is the monitor's current view of the upstream.
type State struct {
	Connected bool      `json:"connected"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// Change is published when connectivity flips or quality moves
// significantly.
type Change struct {
	State      State
	Throughput float64
	Latency    time.Duration
	Reason     string
}

// Config tunes the monitor.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor combines a link signal with active probes.
type Monitor struct {
	source LinkSource
	prober Prober
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
	link  LinkInfo
	task  *periodic.Task

	bus *events.Bus[Change]
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns a monitor that starts out connected with full quality. Either
// source or prober may be nil to disable that signal.
func New(source LinkSource, prober Prober, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		source: source,
		prober: prober,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		bus:    events.NewBus[Change]("netmon", logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = State{Connected: true, Quality: 1, Timestamp: m.now()}
	m.link = LinkInfo{Online: true}
	recordState(m.state)
	return m
}

// Subscribe registers fn for changes.
func (m *Monitor) Subscribe(fn func(Change)) (cancel func()) {
	return m.bus.Subscribe(fn)
}

// Start refreshes the link once and then refreshes and probes every
// ProbeInterval until ctx is done or Stop is called. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.task != nil {
		m.mu.Unlock()
		return
	}
	m.task = periodic.New(m.cfg.ProbeInterval, m.check)
	task := m.task
	m.mu.Unlock()

	m.refreshLink(ctx)
	task.Start(ctx)
}

// Stop halts periodic checks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task != nil {
		task.Stop()
	}
}

// IsConnected reports whether the upstream is considered reachable.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// Quality returns the connection quality between 0 and 1.
func (m *Monitor) Quality() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Quality
}

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) check(ctx context.Context) {
	m.refreshLink(ctx)
	m.Probe(ctx)
}

func (m *Monitor) refreshLink(ctx context.Context) {
	if m.source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	info, err := m.source.Link(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		info = LinkInfo{Online: false}
		m.logger.Debug("link check failed", "error", err)
	}
	m.UpdateLink(info)
}

// UpdateLink applies a connectivity signal. It publishes a Change when
// connectivity flipped or quality moved by more than 0.2. A signal without
// bandwidth hints that confirms the current connectivity leaves the
// probe-derived quality alone.
func (m *Monitor) UpdateLink(info LinkInfo) {
	m.mu.Lock()
	prev := m.state
	m.link = info
	m.state.Connected = info.Online
	if info.HasHints || info.Online != prev.Connected {
		m.state.Quality = Score(info)
	}
	m.state.Timestamp = m.now()
	next := m.state
	m.mu.Unlock()

	recordState(next)
	if prev.Connected != next.Connected || math.Abs(prev.Quality-next.Quality) > significantDelta {
		m.emit(next, info, "link")
	}
}

// Probe runs one active probe and applies its result. A probe that reaches
// the upstream but gets a non-success status leaves the state unchanged.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	rtt, err := m.prober.Probe(ctx)
	if err != nil {
		var pse *ProbeStatusError
		switch {
		case errors.As(err, &pse):
			m.logger.Debug("probe returned non-success status", "status", pse.StatusCode)
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// Stopping.
		default:
			m.applyProbeFailure(err)
		}
		return
	}
	m.applyProbeSuccess(rtt)
}

func (m *Monitor) applyProbeSuccess(rtt time.Duration) {
	quality := RTTQuality(rtt)

	m.mu.Lock()
	if math.Abs(m.state.Quality-quality) <= significantDelta {
		m.mu.Unlock()
		return
	}
	m.state.Quality = quality
	m.state.Timestamp = m.now()
	next, link := m.state, m.link
	m.mu.Unlock()

	recordState(next)
	m.emit(next, link, "probe")
}

func (m *Monitor) applyProbeFailure(err error) {
	m.mu.Lock()
	if m.state.Quality <= failedProbeQuality {
		m.mu.Unlock()
		return
	}
	m.state.Quality = failedProbeQuality
	m.state.Timestamp = m.now()
	next, link := m.state, m.link
	m.mu.Unlock()

	m.logger.Warn("upstream probe failed", "error", err, "quality", next.Quality)
	recordState(next)
	m.emit(next, link, "probe_failed")
}

func (m *Monitor) emit(st State, link LinkInfo, reason string) {
	m.logger.Info("network state change",
		"connected", st.Connected,
		"quality", st.Quality,
		"reason", reason,
	)
	m.bus.Publish(Change{
		State:      st,
		Throughput: link.DownlinkMbps,
		Latency:    link.RTT,
		Reason:     reason,
	})
}

func recordState(st State) {
	metrics.NetworkQuality.Set(st.Quality)
	if st.Connected {
		metrics.NetworkConnected.Set(1)
	} else {
		metrics.NetworkConnected.Set(0)
	}
}
