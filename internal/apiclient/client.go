// Package apiclient is the resilient access layer in front of the CMS API.
//
// Every call runs under the circuit breaker of its path group and through
// the retry engine. GETs are additionally served from the in-memory cache,
// the optional shared tier, and, when asked, the batching request queue.
// When the upstream fails and an expired copy is still around, GET serves
// that copy and marks the response stale.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dskow/cms-edge/internal/cache"
	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/middleware"
	"github.com/dskow/cms-edge/internal/netmon"
	"github.com/dskow/cms-edge/internal/queue"
	"github.com/dskow/cms-edge/internal/retry"
	"github.com/dskow/cms-edge/internal/routing"
	"github.com/dskow/cms-edge/internal/sharedcache"
)

const (
	// DefaultTimeout bounds a single upstream attempt.
	DefaultTimeout = 30 * time.Second
	// retryQuality is the connection quality above which parked batch
	// requests are re-submitted.
	retryQuality = 0.7

	maxResponseBytes = 10 << 20
)

// ErrNoBaseURL is returned by New when Config.BaseURL is empty.
var ErrNoBaseURL = errors.New("apiclient: upstream base URL is not configured")

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds the client defaults.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token   string
	Timeout time.Duration
	Retry   retry.Config
	// Cache applies to GETs whose Options carry no Cache.
	Cache     CacheOptions
	KeyPrefix string
	// Batch configures the default request queue.
	Batch queue.Config
}

// Deps are the collaborators of a Client. Nil members are created with
// defaults, except Shared, Monitor and Limiter which stay disabled.
type Deps struct {
	Logger   *slog.Logger
	HTTP     Doer
	Queue    *queue.Queue
	Cache    *cache.Cache
	Shared   *sharedcache.Store
	Breakers *circuitbreaker.Registry
	Monitor  *netmon.Monitor
	Engine   *retry.Engine
	Limiter  *rate.Limiter
}

// TimeoutError reports an attempt that exceeded its per-request timeout.
type TimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: request timeout after %s", e.Method, e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

type queueKey struct {
	size   int
	delay  time.Duration
	dedupe bool
}

func keyOf(cfg queue.Config) queueKey {
	return queueKey{size: cfg.MaxBatchSize, delay: cfg.MaxDelay, dedupe: cfg.Deduplicate == nil || *cfg.Deduplicate}
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	logger  *slog.Logger
	http    Doer
	cache   *cache.Cache
	shared  *sharedcache.Store
	breaker *circuitbreaker.Registry
	monitor *netmon.Monitor
	engine  *retry.Engine
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	queues    map[queueKey]*queue.Queue
	baseQueue queue.Config
	closed    bool

	revalidations singleflight.Group
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	batches *events.Bus[queue.BatchProcessed]
	hits    *events.Bus[string]
	misses  *events.Bus[string]
	unwire  []func()
}

// New returns a client for cfg.BaseURL.
func New(cfg Config, deps Deps) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base URL %q", cfg.BaseURL)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Cache == (CacheOptions{}) {
		cfg.Cache = DefaultCacheOptions()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = cache.DefaultKeyPrefix
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		logger:  logger,
		http:    deps.HTTP,
		cache:   deps.Cache,
		shared:  deps.Shared,
		breaker: deps.Breakers,
		monitor: deps.Monitor,
		engine:  deps.Engine,
		limiter: deps.Limiter,
		now:     time.Now,
		queues:  make(map[queueKey]*queue.Queue),
		batches: events.NewBus[queue.BatchProcessed]("apiclient.batch", logger),
		hits:    events.NewBus[string]("apiclient.cache_hit", logger),
		misses:  events.NewBus[string]("apiclient.cache_miss", logger),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.cache == nil {
		c.cache = cache.New(cache.Options{OnError: func(err error) {
			logger.Warn("cache error", "error", err)
		}})
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}
	if c.engine == nil {
		c.engine = retry.NewEngine(logger)
	}

	c.baseQueue = cfg.Batch
	c.baseQueue.BaseURL = base.String()
	if c.baseQueue.Header == nil {
		c.baseQueue.Header = make(http.Header)
	}
	if cfg.Token != "" && c.baseQueue.Header.Get("Authorization") == "" {
		c.baseQueue.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if deps.Queue != nil {
		c.baseQueue = deps.Queue.Config()
		c.addQueue(deps.Queue)
	}
	if c.baseQueue.Timeout <= 0 {
		c.baseQueue.Timeout = cfg.Timeout
	}

	if c.monitor != nil {
		c.unwire = append(c.unwire, c.monitor.Subscribe(c.onNetworkChange))
	}
	return c, nil
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Breakers returns the breaker registry.
func (c *Client) Breakers() *circuitbreaker.Registry { return c.breaker }

// Cache returns the in-memory cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

func (c *Client) onNetworkChange(ch netmon.Change) {
	if ch.State.Connected {
		c.FlushQueues()
	}
	if ch.State.Quality > retryQuality {
		c.RetryFailed()
	}
}

func (c *Client) addQueue(q *queue.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[keyOf(q.Config())] = q
	q.Subscribe(c.batches.Publish)
}

// queueFor returns the queue for b, creating it on first use.
func (c *Client) queueFor(b *BatchOptions) *queue.Queue {
	cfg := c.baseQueue
	if b.MaxBatchSize > 0 {
		cfg.MaxBatchSize = b.MaxBatchSize
	}
	if b.MaxDelay > 0 {
		cfg.MaxDelay = b.MaxDelay
	}
	if b.Deduplicate != nil {
		cfg.Deduplicate = b.Deduplicate
	}
	cfg = withQueueDefaults(cfg)
	k := keyOf(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[k]; ok {
		return q
	}
	q := queue.New(cfg, c.http, c.logger.With("component", "queue"))
	q.Subscribe(c.batches.Publish)
	c.queues[k] = q
	return q
}

func withQueueDefaults(cfg queue.Config) queue.Config {
	d := queue.DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	return cfg
}

func (c *Client) allQueues() []*queue.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	qs := make([]*queue.Queue, 0, len(c.queues))
	for _, q := range c.queues {
		qs = append(qs, q)
	}
	return qs
}

// FlushQueues dispatches every pending batch now.
func (c *Client) FlushQueues() {
	for _, q := range c.allQueues() {
		q.Flush()
	}
}

// RetryFailed re-submits parked batch requests and returns how many were
// re-enqueued.
func (c *Client) RetryFailed() int {
	n := 0
	for _, q := range c.allQueues() {
		n += q.RetryFailed()
	}
	return n
}

// Get fetches path, serving from cache when allowed.
func (c *Client) Get(ctx context.Context, path string, opts *Options) (*Response, error) {
	u, rel := c.resolve(path, opts.params())
	group := routing.Group(rel)
	br := c.breaker.ForGroup(group, opts.breakerConfig())

	var (
		resp  *Response
		stale *Response
	)
	err := br.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, stale, err = c.get(ctx, u, group, opts)
		return err
	})
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		c.logger.Warn("circuit open", "group", group, "url", u)
		return nil, err
	}
	if stale != nil && classify.CountsTowardOpen(err) {
		c.logger.Warn("serving stale response", "group", group, "url", u, "error", err)
		stale.Stale = true
		return stale, nil
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, u, group string, opts *Options) (resp, stale *Response, err error) {
	co := opts.cacheOptions(c.cfg.Cache)
	key := cache.KeyWithPrefix(c.cfg.KeyPrefix, http.MethodGet, u, nil)

	if co.Enabled {
		if v, fresh, ok := c.cache.GetStale(key); ok && !fresh {
			stale = c.cachedResponse(v, group)
		}
		hit, old := c.lookup(ctx, key, group)
		if stale == nil {
			stale = old
		}
		if hit != nil {
			if co.StaleWhileRevalidate {
				c.revalidate(key, u, group, opts, co)
				return hit, nil, nil
			}
			if !co.Revalidate {
				return hit, nil, nil
			}
			stale = hit
		}
	}

	if opts != nil && opts.Batch != nil {
		resp, err = c.enqueue(ctx, u, group, opts)
	} else {
		resp, err = c.do(ctx, http.MethodGet, u, nil, group, opts, opts.retryConfig(c.cfg.Retry, false))
	}
	if err != nil {
		return nil, stale, err
	}
	if co.Enabled {
		c.store(ctx, key, resp, co, opts.responseType())
	}
	return resp, nil, nil
}

// lookup checks the memory tier, then the shared tier. A fresh shared hit
// is copied into memory; an expired one is returned as old.
func (c *Client) lookup(ctx context.Context, key, group string) (hit, old *Response) {
	if v, ok := c.cache.Get(key); ok {
		c.hits.Publish(key)
		return c.cachedResponse(v, group), nil
	}

	if c.shared != nil {
		item, fresh, ok := c.shared.Get(ctx, key)
		if ok {
			r := &Response{
				StatusCode: http.StatusOK,
				Header:     headerFrom(item.Header),
				Body:       item.Data,
				FromCache:  true,
				Group:      group,
			}
			if fresh {
				if ttl := item.ExpiresAt.Sub(c.now()); ttl > 0 {
					c.cache.Set(key, item.Data, ttl)
				}
				c.hits.Publish(key)
				return r, nil
			}
			old = r
		}
	}

	c.misses.Publish(key)
	return nil, old
}

func (c *Client) cachedResponse(v any, group string) *Response {
	var body []byte
	switch b := v.(type) {
	case json.RawMessage:
		body = b
	case []byte:
		body = b
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		body = raw
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: body, FromCache: true, Group: group}
}

func headerFrom(m map[string]string) http.Header {
	h := make(http.Header, len(m)+1)
	for k, v := range m {
		h.Set(k, v)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return h
}

func (c *Client) store(ctx context.Context, key string, resp *Response, co CacheOptions, rt ResponseType) {
	fallback := co.TTL
	if fallback <= 0 {
		fallback = DefaultCacheOptions().TTL
	}
	ttl, ok := ttlFor(resp.Header, fallback)
	if !ok {
		return
	}
	valid := json.Valid(resp.Body)
	if rt == ResponseJSON && !valid {
		return
	}

	c.cache.Set(key, json.RawMessage(resp.Body), ttl)
	if c.shared != nil && valid {
		item := sharedcache.Item{Data: resp.Body}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			item.Header = map[string]string{"Content-Type": ct}
		}
		c.shared.Set(ctx, key, item, ttl)
	}
}

// revalidate refreshes key in the background. Concurrent refreshes of one
// key share a single upstream call.
func (c *Client) revalidate(key, u, group string, opts *Options, co CacheOptions) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	rc := opts.retryConfig(c.cfg.Retry, false)
	go func() {
		defer c.wg.Done()
		_, err, _ := c.revalidations.Do(key, func() (any, error) {
			br := c.breaker.ForGroup(group, opts.breakerConfig())
			return nil, br.Execute(c.ctx, func(ctx context.Context) error {
				resp, err := c.do(ctx, http.MethodGet, u, nil, group, opts, rc)
				if err != nil {
					return err
				}
				c.store(ctx, key, resp, co, opts.responseType())
				return nil
			})
		})
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("background revalidation failed", "group", group, "url", u, "error", err)
		}
	}()
}

func (c *Client) enqueue(ctx context.Context, u, group string, opts *Options) (*Response, error) {
	q := c.queueFor(opts.Batch)
	timeout := opts.timeout(c.cfg.Timeout)
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := q.Enqueue(wctx, queue.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: c.headers(ctx, opts, false),
	})
	if err != nil {
		err = c.timeoutError(ctx, wctx, http.MethodGet, u, timeout, err)
		var ie *queue.ItemError
		if errors.As(err, &ie) && ie.Status > 0 {
			return nil, &classify.StatusError{
				StatusCode: ie.Status,
				Status:     fmt.Sprintf("%d %s", ie.Status, http.StatusText(ie.Status)),
				Method:     http.MethodGet,
				URL:        u,
				Body:       []byte(ie.Message),
			}
		}
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: data, Group: group}, nil
}

// Post sends body as JSON to path.
func (c *Client) Post(ctx context.Context, path string, body any, opts *Options) (*Response, error) {
	return c.write(ctx, http.MethodPost, path, body, opts)
}

// Put sends body as JSON to path.
func (c *Client) Put(ctx context.Context, path string, body any, opts *Options) (*Response, error) {
	return c.write(ctx, http.MethodPut, path, body, opts)
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string, opts *Options) (*Response, error) {
	return c.write(ctx, http.MethodDelete, path, nil, opts)
}

func (c *Client) write(ctx context.Context, method, path string, body any, opts *Options) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: encode %s body: %w", method, err)
	}

	u, rel := c.resolve(path, opts.params())
	group := routing.Group(rel)
	rc := opts.retryConfig(c.cfg.Retry, method != http.MethodDelete)

	var resp *Response
	err = c.breaker.ForGroup(group, opts.breakerConfig()).Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.do(ctx, method, u, payload, group, opts, rc)
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			c.logger.Warn("circuit open", "group", group, "method", method, "url", u)
		}
		return nil, err
	}
	return resp, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(body)
	}
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, group string, opts *Options, rc retry.Config) (*Response, error) {
	return retry.Do(ctx, c.engine, rc, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, method, u, body, group, opts)
	})
}

func (c *Client) attempt(ctx context.Context, method, u string, body []byte, group string, opts *Options) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := opts.timeout(c.cfg.Timeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header = c.headers(ctx, opts, true)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = c.timeoutError(ctx, actx, method, u, timeout, err)
		c.recordAttempt(group, string(classify.Classify(err)), start)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		err = c.timeoutError(ctx, actx, method, u, timeout, err)
		c.recordAttempt(group, string(classify.Classify(err)), start)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordAttempt(group, string(classify.FromStatus(resp.StatusCode)), start)
		return nil, classify.NewStatusError(method, u, resp, data)
	}

	c.recordAttempt(group, "success", start)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		Group:      group,
	}, nil
}

func (c *Client) timeoutError(parent, attempt context.Context, method, u string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: method, URL: u, Timeout: timeout, Err: err}
	}
	return err
}

func (c *Client) recordAttempt(group, outcome string, start time.Time) {
	metrics.UpstreamAttempts.WithLabelValues(group, outcome).Inc()
	metrics.UpstreamDuration.WithLabelValues(group).Observe(time.Since(start).Seconds())
}

func (c *Client) headers(ctx context.Context, opts *Options, contentType bool) http.Header {
	h := make(http.Header)
	for k, v := range opts.header() {
		h[http.CanonicalHeaderKey(k)] = slices.Clone(v)
	}
	if c.cfg.Token != "" && h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if contentType && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		h.Set("X-Request-ID", id)
	}
	return h
}

// resolve joins path onto the base URL and merges params into its query.
// It returns the absolute URL and the path relative to the base.
func (c *Client) resolve(path string, params url.Values) (abs, rel string) {
	rel = "/" + strings.TrimLeft(path, "/")
	raw := c.base.String() + rel
	if len(params) == 0 {
		return raw, rel
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw, rel
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), rel
}

// relativePath strips the base URL from an absolute URL built by resolve.
func (c *Client) relativePath(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return abs
	}
	p := strings.TrimPrefix(u.Path, c.base.Path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Invalidate drops cached GET responses whose path, relative to the base
// URL, matches prefix. It returns the number of entries removed across both
// tiers.
func (c *Client) Invalidate(ctx context.Context, prefix string) int {
	prefix = "/" + strings.TrimLeft(prefix, "/")
	n := c.cache.DeleteFunc(func(key string) bool {
		method, u, ok := cache.ParseKey(c.cfg.KeyPrefix, key)
		if !ok || method != http.MethodGet {
			return false
		}
		return prefix == "/" || routing.MatchesPrefix(c.relativePath(u), strings.TrimRight(prefix, "/"))
	})

	if c.shared != nil {
		exact := cache.KeyWithPrefix(c.cfg.KeyPrefix, http.MethodGet, c.base.String()+strings.TrimRight(prefix, "/"), nil)
		if prefix == "/" {
			n += c.shared.DeletePrefix(ctx, cache.KeyWithPrefix(c.cfg.KeyPrefix, http.MethodGet, c.base.String(), nil))
		} else {
			c.shared.Delete(ctx, exact)
			n += c.shared.DeletePrefix(ctx, exact+"/")
			n += c.shared.DeletePrefix(ctx, exact+"?")
		}
	}

	c.logger.Info("cache invalidated", "prefix", prefix, "entries", n)
	return n
}

// OnBatchProcessed registers fn for every batch dispatched by the client's
// queues.
func (c *Client) OnBatchProcessed(fn func(queue.BatchProcessed)) (cancel func()) {
	return c.batches.Subscribe(fn)
}

// OnCircuitStateChange registers fn for breaker transitions of every group.
func (c *Client) OnCircuitStateChange(fn func(group string, state circuitbreaker.State, stats circuitbreaker.Stats)) (cancel func()) {
	return c.breaker.Subscribe(func(ch circuitbreaker.StateChange) {
		fn(ch.Group, ch.To, ch.Stats)
	})
}

// OnNetworkChange registers fn for network monitor changes. It is a no-op
// without a monitor.
func (c *Client) OnNetworkChange(fn func(netmon.Change)) (cancel func()) {
	if c.monitor == nil {
		return func() {}
	}
	return c.monitor.Subscribe(fn)
}

// OnCacheHit registers fn for cache hits. fn receives the cache key.
func (c *Client) OnCacheHit(fn func(key string)) (cancel func()) {
	return c.hits.Subscribe(fn)
}

// OnCacheMiss registers fn for cache misses.
func (c *Client) OnCacheMiss(fn func(key string)) (cancel func()) {
	return c.misses.Subscribe(fn)
}

// Snapshot is the combined state reported by admin and cmsctl.
type Snapshot struct {
	Breakers []circuitbreaker.Stats `json:"breakers"`
	Cache    cache.Stats            `json:"cache"`
	Queue    queue.Stats            `json:"queue"`
	Network  *netmon.State          `json:"network,omitempty"`
}

// Stats returns the combined state of the client's components. Queue
// figures are summed over every queue.
func (c *Client) Stats() Snapshot {
	s := Snapshot{
		Breakers: c.breaker.All(),
		Cache:    c.cache.Stats(),
	}
	for _, q := range c.allQueues() {
		qs := q.Stats()
		s.Queue.TotalRequests += qs.TotalRequests
		s.Queue.BatchCount += qs.BatchCount
		s.Queue.FailedRequests += qs.FailedRequests
		s.Queue.InFlightRequests += qs.InFlightRequests
		if !qs.OldestRequest.IsZero() && (s.Queue.OldestRequest.IsZero() || qs.OldestRequest.Before(s.Queue.OldestRequest)) {
			s.Queue.OldestRequest = qs.OldestRequest
		}
	}
	if c.monitor != nil {
		st := c.monitor.State()
		s.Network = &st
	}
	return s
}

// Close cancels background revalidations, waits for them, and closes every
// queue. Pending batch requests fail with queue.ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unwire := c.unwire
	c.unwire = nil
	c.mu.Unlock()

	for _, fn := range unwire {
		fn()
	}
	c.cancel()
	c.wg.Wait()
	for _, q := range c.allQueues() {
		q.Close()
	}
}
