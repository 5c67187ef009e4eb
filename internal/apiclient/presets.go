package apiclient

import (
	"time"

	"github.com/dskow/cms-edge/internal/routing"
)

// Cache lifetimes of the content presets.
const (
	StaticTTL  = 24 * time.Hour
	ListTTL    = 5 * time.Minute
	DynamicTTL = time.Minute
)

func swr(ttl time.Duration) *Options {
	return &Options{Cache: &CacheOptions{Enabled: true, TTL: ttl, StaleWhileRevalidate: true}}
}

// StaticOptions caches rarely changing content for a day.
func StaticOptions() *Options { return swr(StaticTTL) }

// ListOptions caches listing views for five minutes.
func ListOptions() *Options { return swr(ListTTL) }

// DynamicOptions caches frequently edited content for a minute.
func DynamicOptions() *Options { return swr(DynamicTTL) }

// OptionsFor returns the preset for class. Unknown classes get
// DynamicOptions.
func OptionsFor(class routing.ContentClass) *Options {
	switch class {
	case routing.ClassStatic:
		return StaticOptions()
	case routing.ClassList:
		return ListOptions()
	default:
		return DynamicOptions()
	}
}
