// Package telemetry buffers resilience events and ships them in batches to
// an HTTP collector.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/periodic"
	"github.com/dskow/cms-edge/internal/retry"
)

const (
	DefaultBufferSize    = 500
	DefaultBatchSize     = 100
	DefaultFlushInterval = 3 * time.Minute
)

// Event is one buffered record.
type Event struct {
	Type      string `json:"eventType"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Batch is the collector payload.
type Batch struct {
	Metrics   []Event `json:"metrics"`
	Timestamp int64   `json:"timestamp"`
	BatchID   string  `json:"batchId"`
}

// Config tunes the sink. Zero fields take the defaults.
type Config struct {
	Endpoint      string
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Header        http.Header
	// Retry controls delivery of one batch. It defaults to three attempts
	// starting one second apart.
	Retry retry.Config
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Sink buffers events and delivers them to Config.Endpoint.
type Sink struct {
	cfg    Config
	client Doer
	engine *retry.Engine
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	buffer []Event
	closed bool

	flushing atomic.Bool
	task     *periodic.Task
	wg       sync.WaitGroup
}

// Option customises a Sink.
type Option func(*Sink)

// WithEngine replaces the retry engine used for delivery.
func WithEngine(e *retry.Engine) Option {
	return func(s *Sink) { s.engine = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New returns a sink. Call Start to enable periodic flushing.
func New(cfg Config, client Doer, logger *slog.Logger, opts ...Option) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > cfg.BufferSize {
		cfg.BatchSize = cfg.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = retry.NewEngine(logger)
	}
	s.task = periodic.New(cfg.FlushInterval, func(ctx context.Context) {
		s.Flush(ctx)
	})
	return s
}

// Start begins periodic flushing.
func (s *Sink) Start(ctx context.Context) {
	s.task.Start(ctx)
}

// Track buffers an event. When the buffer is full the oldest event is
// dropped. Reaching the batch size triggers a background flush.
func (s *Sink) Track(eventType string, data any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buffer) >= s.cfg.BufferSize {
		s.buffer = s.buffer[1:]
		metrics.TelemetryEvents.WithLabelValues("dropped").Inc()
	}
	s.buffer = append(s.buffer, Event{Type: eventType, Data: data, Timestamp: s.now().UnixMilli()})
	flush := len(s.buffer) >= s.cfg.BatchSize && !s.flushing.Load()
	if flush {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if flush {
		go func() {
			defer s.wg.Done()
			s.Flush(context.Background())
		}()
	}
}

// Len returns the number of buffered events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush sends buffered events in batches. A batch that cannot be delivered
// is put back at the front of the buffer and flushing stops. Concurrent
// calls return immediately while a flush is running.
func (s *Sink) Flush(ctx context.Context) {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	defer s.flushing.Store(false)

	stamp := s.now().UnixMilli()
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.mu.Unlock()
			return
		}
		n := min(len(s.buffer), s.cfg.BatchSize)
		events := make([]Event, n)
		copy(events, s.buffer[:n])
		s.buffer = s.buffer[n:]
		s.mu.Unlock()

		batch := Batch{Metrics: events, Timestamp: stamp, BatchID: uuid.NewString()}
		if err := s.send(ctx, batch); err != nil {
			s.requeue(events)
			s.logger.Warn("telemetry flush failed",
				"batch_id", batch.BatchID,
				"events", len(events),
				"error", err,
			)
			return
		}
		metrics.TelemetryEvents.WithLabelValues("sent").Add(float64(n))
	}
}

func (s *Sink) requeue(events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]Event, 0, len(events)+len(s.buffer))
	merged = append(merged, events...)
	merged = append(merged, s.buffer...)
	if over := len(merged) - s.cfg.BufferSize; over > 0 {
		merged = merged[over:]
		metrics.TelemetryEvents.WithLabelValues("dropped").Add(float64(over))
	}
	s.buffer = merged
	metrics.TelemetryEvents.WithLabelValues("requeued").Add(float64(len(events)))
}

func (s *Sink) send(ctx context.Context, batch Batch) error {
	if s.cfg.Endpoint == "" {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, s.engine, s.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		for k, v := range s.cfg.Header {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, classify.MaxBodySnippet))
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, classify.NewStatusError(req.Method, s.cfg.Endpoint, resp, body)
		}
		return struct{}{}, nil
	})
	return err
}

// Close stops periodic flushing and makes a final attempt to deliver what
// remains. Events tracked afterwards are ignored.
func (s *Sink) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.task.Stop()
	s.wg.Wait()
	s.Flush(ctx)
}
