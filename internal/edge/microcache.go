package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/allegro/bigcache/v3"

	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/routing"
)

const (
	microTier         = "micro"
	maxMicroEntrySize = 1 << 20
)

// MicroCache holds batch item payloads for a few seconds so bursts of
// identical fan-out requests cost one upstream lookup. A nil *MicroCache is
// a disabled cache.
type MicroCache struct {
	cache  *bigcache.BigCache
	logger *slog.Logger
}

// NewMicroCache returns nil when the micro-cache is disabled.
func NewMicroCache(cfg config.MicroCacheConfig, logger *slog.Logger) (*MicroCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	bc.CleanWindow = cfg.LifeWindow
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.MaxEntrySize = maxMicroEntrySize
	bc.Verbose = false

	cache, err := bigcache.New(context.Background(), bc)
	if err != nil {
		return nil, fmt.Errorf("creating micro cache: %w", err)
	}
	return &MicroCache{cache: cache, logger: logger}, nil
}

func microKey(method, rawURL string) string {
	return strings.ToUpper(method) + ":" + rawURL
}

// Get returns the payload stored for method and url.
func (m *MicroCache) Get(method, rawURL string) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	data, err := m.cache.Get(microKey(method, rawURL))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			metrics.CacheErrors.WithLabelValues(microTier, "get").Inc()
		}
		metrics.CacheLookups.WithLabelValues(microTier, "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(microTier, "hit").Inc()
	return data, true
}

// Set stores data for method and url until the life window elapses.
func (m *MicroCache) Set(method, rawURL string, data []byte) {
	if m == nil {
		return
	}
	if err := m.cache.Set(microKey(method, rawURL), data); err != nil {
		metrics.CacheErrors.WithLabelValues(microTier, "set").Inc()
		m.logger.Debug("micro cache set failed", "url", rawURL, "error", err)
	}
}

// DeletePrefix removes entries whose URL path matches prefix. "/" removes
// everything. It returns the number of entries removed.
func (m *MicroCache) DeletePrefix(prefix string) int {
	if m == nil {
		return 0
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		n := m.cache.Len()
		m.cache.Reset() //nolint:errcheck
		return n
	}

	var keys []string
	it := m.cache.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		key := entry.Key()
		_, rawURL, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		if routing.MatchesPrefix(stripQuery(rawURL), prefix) {
			keys = append(keys, key)
		}
	}

	n := 0
	for _, k := range keys {
		if m.cache.Delete(k) == nil {
			n++
		}
	}
	return n
}

// Len is the number of live entries.
func (m *MicroCache) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}

// Close releases the cache's background cleaner.
func (m *MicroCache) Close() error {
	if m == nil {
		return nil
	}
	return m.cache.Close()
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
