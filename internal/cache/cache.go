// Package cache implements the bounded in-memory TTL cache shared by the API
// client.
//
// Entries expire lazily: an expired entry is removed on the first read that
// observes it, and Cleanup sweeps the rest. When the cache is full, the
// oldest inserted entry is evicted, independent of how recently it was read.
// Invalid operations never fail the caller. They are reported to
// Options.OnError and otherwise ignored.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/dskow/cms-edge/internal/metrics"
)

const (
	// DefaultMaxEntries bounds the cache when Options.MaxEntries is zero.
	DefaultMaxEntries = 100
	// DefaultTTL applies when Set is called without a TTL.
	DefaultTTL = 5 * time.Minute
)

// Entry is a stored value with its lifetime.
type Entry struct {
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Options configures a Cache.
type Options struct {
	// Name labels metrics. Defaults to "memory".
	Name       string
	MaxEntries int
	DefaultTTL time.Duration
	// OnError receives rejected operations. It must not call back into
	// the cache.
	OnError func(error)
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size          int `json:"size"`
	MaxSize       int `json:"max_size"`
	ActiveEntries int `json:"active_entries"`
}

// Cache is a FIFO-bounded TTL cache safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	order *list.List // of *item, oldest insert at the front
	items map[string]*list.Element

	name       string
	maxEntries int
	defaultTTL time.Duration
	onError    func(error)
	now        func() time.Time
}

type item struct {
	key   string
	entry Entry
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.Name == "" {
		opts.Name = "memory"
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		order:      list.New(),
		items:      make(map[string]*list.Element),
		name:       opts.Name,
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		onError:    opts.OnError,
		now:        opts.Now,
	}
}

func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	if !validKey(key) {
		c.report("get", key, ErrInvalidKey)
		return nil, false
	}

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}

	it := el.Value.(*item)
	if it.entry.Expired(c.now()) {
		c.removeElement(el)
		c.mu.Unlock()
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Inc()
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}
	v := it.entry.Value
	c.mu.Unlock()

	metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
	return v, true
}

// GetStale returns the value for key even if it has expired, without
// removing it. fresh is false for expired entries.
func (c *Cache) GetStale(key string) (value any, fresh bool, ok bool) {
	if !validKey(key) {
		c.report("get", key, ErrInvalidKey)
		return nil, false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		return nil, false, false
	}
	it := el.Value.(*item)
	return it.entry.Value, !it.entry.Expired(c.now()), true
}

// Lookup returns the full entry for key if it is live.
func (c *Cache) Lookup(key string) (Entry, bool) {
	if !validKey(key) {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*item)
	if it.entry.Expired(c.now()) {
		return Entry{}, false
	}
	return it.entry, true
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0.
// Nil values and empty objects are refused. Replacing an existing key keeps
// its insertion position. Inserting a new key into a full cache first evicts
// the oldest inserted entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if !validKey(key) {
		c.report("set", key, ErrInvalidKey)
		return
	}
	if isNil(value) {
		c.report("set", key, ErrNilValue)
		return
	}
	if isEmptyObject(value) {
		c.report("set", key, ErrEmptyObject)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	entry := Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		el.Value.(*item).entry = entry
		c.mu.Unlock()
		return
	}

	evicted := false
	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Front(); oldest != nil {
			c.removeElement(oldest)
			evicted = true
		}
	}
	c.items[key] = c.order.PushBack(&item{key: key, entry: entry})
	size := c.order.Len()
	c.mu.Unlock()

	if evicted {
		metrics.CacheEvictions.WithLabelValues(c.name, "capacity").Inc()
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(size))
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	if !validKey(key) {
		c.report("delete", key, ErrInvalidKey)
		return
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	size := c.order.Len()
	c.mu.Unlock()

	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(size))
}

// DeleteFunc removes every entry whose key satisfies match and returns the
// number removed.
func (c *Cache) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if match(el.Value.(*item).key) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	size := c.order.Len()
	c.mu.Unlock()

	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(size))
	return removed
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.order.Init()
	clear(c.items)
	c.mu.Unlock()

	metrics.CacheEntries.WithLabelValues(c.name).Set(0)
}

// Cleanup removes all expired entries and returns the number removed.
func (c *Cache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*item).entry.Expired(now) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	size := c.order.Len()
	c.mu.Unlock()

	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Add(float64(removed))
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(size))
	return removed
}

// Stats reports the stored, maximum and unexpired entry counts.
func (c *Cache) Stats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for el := c.order.Front(); el != nil; el = el.Next() {
		if !el.Value.(*item).entry.Expired(now) {
			active++
		}
	}
	return Stats{Size: c.order.Len(), MaxSize: c.maxEntries, ActiveEntries: active}
}

// Keys returns the stored keys in insertion order, including expired ones
// not yet purged.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item).key)
	}
	return keys
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// removeElement unlinks el. Must be called with c.mu held.
func (c *Cache) removeElement(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.items, it.key)
}

func (c *Cache) report(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(c.name, op).Inc()
	if c.onError != nil {
		c.onError(&Error{Op: op, Key: key, Err: err})
	}
}

// GetAs returns the live value for key when it holds a T.
func GetAs[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
