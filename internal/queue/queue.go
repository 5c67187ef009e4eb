// Package queue coalesces individual upstream GET requests into batch
// requests against the CMS batch endpoint.
//
// Requests accumulate until the batch is full or MaxDelay has passed since
// the first one arrived. Identical requests inside one batch are sent once
// and share the result. A batch that fails as a whole is parked in a failed
// list that RetryFailed re-submits.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/metrics"
)

const (
	DefaultMaxBatchSize = 5
	DefaultMaxDelay     = 50 * time.Millisecond
	DefaultEndpoint     = "/api/batch"

	maxResponseBytes = 10 << 20
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request is one upstream request waiting for a batch.
type Request struct {
	Method string
	// URL is absolute or relative to Config.BaseURL.
	URL    string
	Header http.Header
	Body   []byte
}

func (r Request) dedupeKey() string {
	return strings.ToUpper(r.Method) + ":" + r.URL
}

// Config tunes batching. Zero fields take the defaults.
type Config struct {
	MaxBatchSize int           `yaml:"max_batch_size" json:"max_batch_size"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	// Deduplicate sends identical METHOD:URL requests once per batch. Nil
	// means true.
	Deduplicate *bool  `yaml:"deduplicate" json:"deduplicate,omitempty"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	// BaseURL is the origin used when the first request of a batch has a
	// relative URL.
	BaseURL string `yaml:"-" json:"-"`
	// Header is added to every batch POST, for example an Authorization
	// header for the CMS.
	Header http.Header `yaml:"-" json:"-"`
	// Timeout bounds one batch round trip. Zero means no deadline beyond
	// Close.
	Timeout time.Duration `yaml:"-" json:"-"`
}

// DefaultConfig returns the standard batching parameters.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: DefaultMaxBatchSize,
		MaxDelay:     DefaultMaxDelay,
		Endpoint:     DefaultEndpoint,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	return c
}

func (c Config) dedupe() bool {
	return c.Deduplicate == nil || *c.Deduplicate
}

// Stats describes the queue at one instant.
type Stats struct {
	TotalRequests    int       `json:"total_requests"`
	BatchCount       int       `json:"batch_count"`
	OldestRequest    time.Time `json:"oldest_request"`
	FailedRequests   int       `json:"failed_requests"`
	InFlightRequests int       `json:"in_flight_requests"`
}

// BatchProcessed is published after every dispatched batch.
type BatchProcessed struct {
	BatchID      string
	Duration     time.Duration
	SuccessCount int
	ErrorCount   int
	QueueSize    int
}

// RetryResult reports the outcome of a request re-submitted by RetryFailed.
type RetryResult struct {
	Request Request
	Data    json.RawMessage
	Err     error
}

type outcome struct {
	data json.RawMessage
	err  error
}

type waiter struct {
	req        Request
	enqueuedAt time.Time
	done       chan outcome
	once       sync.Once
}

func newWaiter(req Request, now time.Time) *waiter {
	return &waiter{req: req, enqueuedAt: now, done: make(chan outcome, 1)}
}

func (w *waiter) settle(data json.RawMessage, err error) {
	w.once.Do(func() { w.done <- outcome{data: data, err: err} })
}

// Queue batches requests. It is safe for concurrent use.
type Queue struct {
	cfg    Config
	client Doer
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  []*waiter
	failed   []*waiter
	inFlight int
	timer    *time.Timer
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed *events.Bus[BatchProcessed]
	retried   *events.Bus[RetryResult]
}

// New returns a queue that sends batches with client. A nil client uses
// http.DefaultClient.
func New(cfg Config, client Doer, logger *slog.Logger) *Queue {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg.withDefaults(),
		client:    client,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		processed: events.NewBus[BatchProcessed]("queue", logger),
		retried:   events.NewBus[RetryResult]("queue.retry", logger),
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Subscribe registers fn for batch-processed events.
func (q *Queue) Subscribe(fn func(BatchProcessed)) (cancel func()) {
	return q.processed.Subscribe(fn)
}

// SubscribeRetries registers fn for the outcomes of requests re-submitted by
// RetryFailed.
func (q *Queue) SubscribeRetries(fn func(RetryResult)) (cancel func()) {
	return q.retried.Subscribe(fn)
}

// Enqueue adds req to the next batch and waits for its result. It fails
// immediately with *QueueFullError when queued plus in-flight requests
// already reach MaxBatchSize. If ctx ends first the request stays in its
// batch and ctx.Err() is returned.
func (q *Queue) Enqueue(ctx context.Context, req Request) (json.RawMessage, error) {
	w := newWaiter(req, q.now())
	if err := q.admit(w); err != nil {
		return nil, err
	}

	select {
	case o := <-w.done:
		return o.data, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) admit(w *waiter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.pending)+q.inFlight >= q.cfg.MaxBatchSize {
		metrics.QueueRejections.Inc()
		return &QueueFullError{Queued: len(q.pending), InFlight: q.inFlight, Limit: q.cfg.MaxBatchSize}
	}

	q.pending = append(q.pending, w)
	if len(q.pending) >= q.cfg.MaxBatchSize {
		q.stopTimerLocked()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.processBatch()
		}()
	} else if q.timer == nil {
		q.armTimerLocked()
	}
	return nil
}

// Must be called with q.mu held.
func (q *Queue) armTimerLocked() {
	q.wg.Add(1)
	q.timer = time.AfterFunc(q.cfg.MaxDelay, func() {
		defer q.wg.Done()
		q.processBatch()
	})
}

// Must be called with q.mu held.
func (q *Queue) stopTimerLocked() {
	if q.timer != nil && q.timer.Stop() {
		q.wg.Done()
	}
	q.timer = nil
}

// Flush dispatches whatever is queued without waiting for the timer.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.stopTimerLocked()
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.processBatch()
	}()
}

// RetryFailed re-submits every request parked by a failed batch and
// returns how many were accepted. Requests rejected with a full queue go
// back to the failed list. Outcomes are published to SubscribeRetries
// listeners.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	items := q.failed
	q.failed = nil
	q.mu.Unlock()

	accepted := 0
	var requeue []*waiter
	for _, old := range items {
		w := newWaiter(old.req, q.now())
		if err := q.admit(w); err != nil {
			requeue = append(requeue, old)
			continue
		}
		accepted++
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			o := <-w.done
			q.retried.Publish(RetryResult{Request: w.req, Data: o.data, Err: o.err})
		}()
	}

	q.mu.Lock()
	if !q.closed {
		q.failed = append(requeue, q.failed...)
	}
	metrics.QueueFailed.Set(float64(len(q.failed)))
	q.mu.Unlock()

	if len(items) > 0 {
		q.logger.Info("retrying failed requests", "count", len(items), "accepted", accepted)
	}
	return accepted
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		TotalRequests:    len(q.pending),
		FailedRequests:   len(q.failed),
		InFlightRequests: q.inFlight,
	}
	if len(q.pending) > 0 {
		st.BatchCount = 1
		st.OldestRequest = q.pending[0].enqueuedAt
		for _, w := range q.pending[1:] {
			if w.enqueuedAt.Before(st.OldestRequest) {
				st.OldestRequest = w.enqueuedAt
			}
		}
	}
	return st
}

// Close stops the timer, rejects queued requests with ErrClosed, cancels
// in-flight batches and waits for them to settle.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopTimerLocked()
	pending := q.pending
	q.pending = nil
	q.failed = nil
	q.mu.Unlock()

	for _, w := range pending {
		w.settle(nil, ErrClosed)
	}
	q.cancel()
	q.wg.Wait()
	metrics.QueueFailed.Set(0)
}

type group struct {
	members []*waiter
}

func (g group) primary() Request { return g.members[0].req }

func (q *Queue) groupBatch(batch []*waiter) []group {
	if !q.cfg.dedupe() {
		groups := make([]group, len(batch))
		for i, w := range batch {
			groups[i] = group{members: []*waiter{w}}
		}
		return groups
	}

	index := make(map[string]int, len(batch))
	var groups []group
	for _, w := range batch {
		key := w.req.dedupeKey()
		if i, ok := index[key]; ok {
			groups[i].members = append(groups[i].members, w)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, group{members: []*waiter{w}})
	}
	return groups
}

func (q *Queue) processBatch() {
	q.mu.Lock()
	q.stopTimerLocked()
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	n := min(len(q.pending), q.cfg.MaxBatchSize)
	batch := make([]*waiter, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	q.inFlight += n
	q.mu.Unlock()

	batchID := "batch-" + uuid.NewString()
	start := q.now()
	groups := q.groupBatch(batch)

	success, failures, err := q.send(batchID, groups)
	duration := q.now().Sub(start)
	metrics.BatchDuration.Observe(duration.Seconds())

	q.mu.Lock()
	if err != nil && !q.closed {
		q.failed = append(q.failed, batch...)
		metrics.QueueFailed.Set(float64(len(q.failed)))
	}
	queueSize := len(q.pending)
	q.mu.Unlock()

	if err != nil {
		failures = len(batch)
		q.logger.Warn("batch failed",
			"batch_id", batchID,
			"size", len(batch),
			"error", err,
		)
		for _, w := range batch {
			w.settle(nil, err)
		}
	}

	metrics.BatchItems.WithLabelValues("success").Add(float64(success))
	metrics.BatchItems.WithLabelValues("error").Add(float64(failures))

	q.processed.Publish(BatchProcessed{
		BatchID:      batchID,
		Duration:     duration,
		SuccessCount: success,
		ErrorCount:   failures,
		QueueSize:    queueSize,
	})

	q.mu.Lock()
	q.inFlight = max(0, q.inFlight-n)
	if len(q.pending) > 0 && q.timer == nil && !q.closed {
		q.armTimerLocked()
	}
	q.mu.Unlock()
}

// send performs the batch round trip and settles members of every entry.
// A non-nil error means nothing was settled and the whole batch failed.
func (q *Queue) send(batchID string, groups []group) (success, failures int, err error) {
	fail := func(msg string, cause error) (int, int, error) {
		return 0, 0, &BatchProcessingError{BatchID: batchID, Message: msg, Err: cause}
	}

	items := make([]BatchItem, len(groups))
	for i, g := range groups {
		req := g.primary()
		body, err := itemBody(req)
		if err != nil {
			return fail("encode item body", err)
		}
		items[i] = BatchItem{
			ID:      i + 1,
			URL:     relativeURL(req.URL),
			Method:  strings.ToUpper(req.Method),
			Headers: flattenHeader(req.Header),
			Body:    body,
		}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fail("encode batch payload", err)
	}

	base := origin(groups[0].primary().URL)
	if base == "" {
		base = strings.TrimRight(q.cfg.BaseURL, "/")
	}
	endpoint := base + q.cfg.Endpoint

	ctx := q.ctx
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail("build batch request", err)
	}
	for k, v := range q.cfg.Header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Batch-Request", "true")

	q.logger.Debug("batch dispatched",
		"batch_id", batchID,
		"endpoint", endpoint,
		"items", len(items),
	)

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return fail(err.Error(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail("read batch response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Sprintf("batch request failed: %s", resp.Status), nil)
	}

	entries, err := decodeBatchResponse(body)
	if err != nil {
		return fail(err.Error(), err)
	}
	if len(entries) != len(groups) {
		return fail(fmt.Sprintf("batch response size mismatch: expected %d, received %d", len(groups), len(entries)), nil)
	}

	for i, raw := range entries {
		entry := SplitEntry(raw)
		for _, w := range groups[i].members {
			if entry.Err != nil {
				itemErr := *entry.Err
				itemErr.BatchID = batchID
				w.settle(nil, &itemErr)
				failures++
				continue
			}
			w.settle(entry.Data, nil)
			success++
		}
	}
	return success, failures, nil
}
