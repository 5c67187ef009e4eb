package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/cms-edge/internal/events"
	"github.com/dskow/cms-edge/internal/routing"
)

// Registry lazily creates one Breaker per upstream path group.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	logger   *slog.Logger
	bus      *events.Bus[StateChange]
}

// NewRegistry returns an empty registry whose breakers use defaults unless a
// caller supplies an override at creation.
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		logger:   logger,
		bus:      events.NewBus[StateChange]("circuitbreaker", logger),
	}
}

// Get returns the breaker for the group of path.
func (r *Registry) Get(path string) *Breaker {
	return r.GetWithConfig(path, nil)
}

// GetWithConfig returns the breaker for the group of path. override is used
// only when the breaker does not exist yet.
func (r *Registry) GetWithConfig(path string, override *Config) *Breaker {
	return r.ForGroup(routing.Group(path), override)
}

// ForGroup returns the breaker for an already-derived group name.
func (r *Registry) ForGroup(group string, override *Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[group]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[group]; ok {
		return b
	}

	cfg := r.defaults
	if override != nil {
		cfg = override.withDefaults()
	}
	b = New(group, cfg, r.logger.With("component", "circuitbreaker"), WithBus(r.bus))
	r.breakers[group] = b
	return b
}

// Lookup returns the existing breaker for group without creating one.
func (r *Registry) Lookup(group string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[group]
	return b, ok
}

// All returns a snapshot of every breaker, sorted by group.
func (r *Registry) All() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Subscribe registers fn for state changes of every current and future
// breaker in the registry.
func (r *Registry) Subscribe(fn func(StateChange)) (cancel func()) {
	return r.bus.Subscribe(fn)
}

// Reset closes the breaker for group. It reports false when no such breaker
// exists.
func (r *Registry) Reset(group string) bool {
	b, ok := r.Lookup(group)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}

// UpdateDefaults replaces the configuration used for breakers created after
// the call. Existing breakers keep their configuration.
func (r *Registry) UpdateDefaults(cfg Config) {
	r.mu.Lock()
	r.defaults = cfg.withDefaults()
	r.mu.Unlock()
}

// Defaults returns the configuration applied to new breakers.
func (r *Registry) Defaults() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// AllOpen reports whether at least one breaker exists and every breaker is
// open.
func (r *Registry) AllOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.breakers) == 0 {
		return false
	}
	for _, b := range r.breakers {
		if b.State() != StateOpen {
			return false
		}
	}
	return true
}
