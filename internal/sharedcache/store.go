// Package sharedcache is the optional second cache tier shared by several
// edge instances through redis. Failures are logged and counted but never
// returned: a cache outage degrades to upstream fetches.
package sharedcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dskow/cms-edge/internal/metrics"
)

const tier = "shared"

// Item is the envelope stored per key.
type Item struct {
	Data      json.RawMessage   `json:"data"`
	Header    map[string]string `json:"header,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Fresh reports whether the item has not yet expired at now.
func (i Item) Fresh(now time.Time) bool {
	return !now.After(i.ExpiresAt)
}

// Options configures a Store.
type Options struct {
	// KeyPrefix namespaces every redis key.
	KeyPrefix    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// StaleGrace keeps entries in redis this long past their expiry so
	// they can be served stale when the upstream fails.
	StaleGrace time.Duration
	Now        func() time.Time
}

// Store reads and writes Items through a Client.
type Store struct {
	client Client
	opts   Options
	logger *slog.Logger
}

// New wraps client.
func New(client Client, opts Options, logger *slog.Logger) *Store {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, opts: opts, logger: logger}
}

func (s *Store) key(k string) string { return s.opts.KeyPrefix + k }

// Get returns the item for key. fresh is false for items kept only by the
// stale grace period.
func (s *Store) Get(ctx context.Context, key string) (item Item, fresh bool, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues(tier, "miss").Inc()
		return Item{}, false, false
	}
	if err != nil {
		s.fail("get", key, err)
		return Item{}, false, false
	}

	if err := json.Unmarshal(raw, &item); err != nil {
		s.fail("decode", key, err)
		s.Delete(ctx, key)
		return Item{}, false, false
	}

	fresh = item.Fresh(s.opts.Now())
	if fresh {
		metrics.CacheLookups.WithLabelValues(tier, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(tier, "stale").Inc()
	}
	return item, fresh, true
}

// Set stores data under key for ttl plus the stale grace period.
func (s *Store) Set(ctx context.Context, key string, item Item, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := s.opts.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.ExpiresAt.IsZero() {
		item.ExpiresAt = now.Add(ttl)
	}

	raw, err := json.Marshal(item)
	if err != nil {
		s.fail("encode", key, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), raw, ttl+s.opts.StaleGrace).Err(); err != nil {
		s.fail("set", key, err)
	}
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		s.fail("delete", strings.Join(keys, ","), err)
	}
}

// DeletePrefix removes every key starting with prefix and returns how many
// were deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) int {
	match := escapeGlob(s.key(prefix)) + "*"
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			s.fail("scan", prefix, err)
			return deleted
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				s.fail("delete", prefix, err)
				return deleted
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted
		}
		cursor = next
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) fail(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(tier, op).Inc()
	s.logger.Warn("shared cache error", "op", op, "key", key, "error", err)
}

func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
