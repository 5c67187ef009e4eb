// Package events provides a small typed, synchronous publish/subscribe
// registry used by the resilience components to report observability events.
package events

import (
	"log/slog"
	"sync"
)

// Bus delivers values of type T to every registered listener, in
// subscription order, on the publisher's goroutine.
type Bus[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
	logger    *slog.Logger
	name      string
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// NewBus returns an empty bus. The name labels log lines for recovered
// listener panics.
func NewBus[T any](name string, logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function that removes it. The cancel
// function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish calls every listener with v. A panicking listener is logged and
// does not prevent the remaining listeners from running.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	snapshot := make([]listener[T], len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.call(l.fn, v)
	}
}

// Len returns the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panic", "bus", b.name, "panic", r)
		}
	}()
	fn(v)
}
