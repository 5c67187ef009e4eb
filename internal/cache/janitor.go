package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/dskow/cms-edge/internal/periodic"
)

// DefaultCleanupInterval is the janitor's sweep interval when none is given.
const DefaultCleanupInterval = time.Minute

// Janitor periodically purges expired entries from a Cache.
type Janitor struct {
	task *periodic.Task
}

// NewJanitor returns a janitor for c. Call Start to begin sweeping.
func NewJanitor(c *Cache, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		task: periodic.New(interval, func(context.Context) {
			if n := c.Cleanup(); n > 0 {
				logger.Debug("cache cleanup", "cache", c.name, "removed", n)
			}
		}),
	}
}

// Start begins sweeping until ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context) { j.task.Start(ctx) }

// Stop halts sweeping and waits for a running sweep.
func (j *Janitor) Stop() { j.task.Stop() }
