package telemetry

import (
	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/netmon"
	"github.com/dskow/cms-edge/internal/queue"
	"github.com/dskow/cms-edge/internal/retry"
)

// Event types emitted by the observers.
const (
	TypeBatchProcessed = "batch_processed"
	TypeCircuitChange  = "circuit_state_change"
	TypeNetworkChange  = "network_change"
	TypeRetryGaveUp    = "retry_gave_up"
)

// ObserveQueue tracks every processed batch.
func (s *Sink) ObserveQueue(q *queue.Queue) (cancel func()) {
	return q.Subscribe(func(e queue.BatchProcessed) {
		s.Track(TypeBatchProcessed, map[string]any{
			"batch_id":      e.BatchID,
			"duration_ms":   e.Duration.Milliseconds(),
			"success_count": e.SuccessCount,
			"error_count":   e.ErrorCount,
			"queue_size":    e.QueueSize,
		})
	})
}

// ObserveBreakers tracks breaker state changes.
func (s *Sink) ObserveBreakers(r *circuitbreaker.Registry) (cancel func()) {
	return r.Subscribe(func(c circuitbreaker.StateChange) {
		s.Track(TypeCircuitChange, map[string]any{
			"group":    c.Group,
			"from":     c.From.String(),
			"to":       c.To.String(),
			"failures": c.Stats.Failures,
		})
	})
}

// ObserveNetwork tracks connectivity changes.
func (s *Sink) ObserveNetwork(m *netmon.Monitor) (cancel func()) {
	return m.Subscribe(func(c netmon.Change) {
		s.Track(TypeNetworkChange, map[string]any{
			"connected":  c.State.Connected,
			"quality":    c.State.Quality,
			"throughput": c.Throughput,
			"latency_ms": c.Latency.Milliseconds(),
			"reason":     c.Reason,
		})
	})
}

// ObserveRetries tracks retry loops that gave up.
func (s *Sink) ObserveRetries(e *retry.Engine) (cancel func()) {
	return e.Subscribe(func(ev retry.Event) {
		if ev.Kind != retry.GaveUp {
			return
		}
		data := map[string]any{
			"attempts":   ev.Attempts,
			"elapsed_ms": ev.Elapsed.Milliseconds(),
			"error_kind": ev.ErrorKind.String(),
		}
		if ev.Err != nil {
			data["error"] = ev.Err.Error()
		}
		s.Track(TypeRetryGaveUp, data)
	})
}
