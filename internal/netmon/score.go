package netmon

import (
	"math"
	"time"
)

// LinkInfo is a platform connectivity signal. Bandwidth hints are only
// meaningful when HasHints is set.
type LinkInfo struct {
	Online        bool
	DownlinkMbps  float64
	RTT           time.Duration
	EffectiveType string
	HasHints      bool
}

// Score converts a link signal into a quality between 0 and 1. With
// bandwidth hints, throughput (10 Mbps saturates) weighs 0.6 and latency
// (1s is worst) weighs 0.4, and slow cellular types are penalised. Without
// hints the score is 1 when online and 0 otherwise.
func Score(info LinkInfo) float64 {
	if !info.HasHints {
		if info.Online {
			return 1
		}
		return 0
	}

	speed := math.Min(info.DownlinkMbps/10, 1)
	latency := RTTQuality(info.RTT)
	q := speed*0.6 + latency*0.4

	switch info.EffectiveType {
	case "slow-2g", "2g":
		q *= 0.5
	case "3g":
		q *= 0.8
	}
	return q
}

// RTTQuality maps a round trip to max(0, 1 - rtt/1s).
func RTTQuality(rtt time.Duration) float64 {
	return math.Max(0, 1-float64(rtt)/float64(time.Second))
}
