package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull matches every *QueueFullError via errors.Is.
	ErrQueueFull = errors.New("request queue is full")
	// ErrClosed is returned for requests that were queued when the queue
	// was closed, and for requests enqueued afterwards.
	ErrClosed error = localError("request queue is closed")
)

// localError is a sentinel for failures that never reached the upstream.
type localError string

func (e localError) Error() string { return string(e) }

// Local marks the error as raised by the queue itself.
func (localError) Local() bool { return true }

// QueueFullError is returned when queued plus in-flight requests already
// reach the batch size.
type QueueFullError struct {
	Queued   int
	InFlight int
	Limit    int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("request queue is full (%d queued, %d in flight, limit %d)", e.Queued, e.InFlight, e.Limit)
}

// Is reports whether target is ErrQueueFull.
func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// Local marks queue backpressure as a client-side condition.
func (e *QueueFullError) Local() bool { return true }

// BatchProcessingError rejects every request of a batch whose round trip
// failed as a whole.
type BatchProcessingError struct {
	BatchID string
	Message string
	Err     error
}

func (e *BatchProcessingError) Error() string {
	return fmt.Sprintf("batch %s: %s", e.BatchID, e.Message)
}

func (e *BatchProcessingError) Unwrap() error { return e.Err }

// ItemError rejects the members of one batch entry that the upstream
// reported as failed.
type ItemError struct {
	BatchID string
	// Status is the HTTP status the upstream attached to the entry, when
	// it sent an object error with a status field.
	Status  int
	Message string
}

func (e *ItemError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("batch %s item: %d %s", e.BatchID, e.Status, e.Message)
	}
	return fmt.Sprintf("batch %s item: %s", e.BatchID, e.Message)
}
