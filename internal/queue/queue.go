// Package queue decouples the orchestrator from the workers. Delivery is
// at-least-once: consumers must tolerate duplicates, and a crash between
// enqueue and processing leaves the item queued for a later consumer.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is the transport between the orchestrator and the worker pool.
// Payloads are opaque bytes; the envelope codec in this package defines
// their format.
type Queue interface {
	// Enqueue publishes one work item. On failure the item was never
	// delivered and its job record sits pending until the execution
	// times out.
	Enqueue(ctx context.Context, payload []byte) error

	// EnqueueDelayed publishes one work item after the given delay.
	// Used for retry backoff between redispatched attempts.
	EnqueueDelayed(ctx context.Context, payload []byte, delay time.Duration) error

	// Dequeue blocks until an item is available or the context is done.
	Dequeue(ctx context.Context) ([]byte, error)

	// Close shuts the queue down. Pending delayed items are dropped.
	Close() error
}
