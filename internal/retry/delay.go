package retry

import (
	"math"
	"time"

	"github.com/dskow/cms-edge/internal/classify"
)

// maxJitter is the largest fraction of the delay added as random jitter.
const maxJitter = 0.1

// kindMultiplier scales the backoff delay per error kind. Rate limiting
// waits longer; timeouts and server errors retry sooner.
func kindMultiplier(kind classify.Kind) float64 {
	switch kind {
	case classify.Throttle:
		return 1.5
	case classify.Auth:
		return 0.25
	case classify.Server:
		return 0.75
	case classify.Timeout:
		return 0.5
	default:
		return 1
	}
}

// CalculateDelay returns the jitter-free delay before attempt+1 given that
// attempt failed with kind. It is deterministic and never exceeds
// cfg.MaxDelay.
func CalculateDelay(attempt int, kind classify.Kind, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	base := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	ceiling := float64(cfg.MaxDelay)
	if math.IsInf(base, 0) || math.IsNaN(base) || base > ceiling {
		base = ceiling
	}

	d := base * kindMultiplier(kind)
	if d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// applyJitter adds up to 10% of d using r in [0,1), clamped to ceiling.
func applyJitter(d, ceiling time.Duration, r float64) time.Duration {
	j := time.Duration(float64(d) * maxJitter * r)
	if ceiling > 0 && d+j > ceiling {
		return ceiling
	}
	return d + j
}
