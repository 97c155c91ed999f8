package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultMemoryCapacity bounds the in-memory queue. A full queue makes
// Enqueue block until a consumer drains it (or the context is cancelled).
const defaultMemoryCapacity = 1024

// MemoryQueue is a channel-backed queue for single-process deployments.
// It satisfies at-least-once within the process lifetime only; a crash
// loses queued items, which surfaces as jobs stuck pending until the
// execution times out.
type MemoryQueue struct {
	items  chan []byte
	done   chan struct{}
	timers map[*time.Timer]struct{}
	mu     sync.Mutex
	once   sync.Once
	log    zerolog.Logger
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(log zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		items:  make(chan []byte, defaultMemoryCapacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		log:    log.With().Str("component", "memory_queue").Logger(),
	}
}

// Enqueue publishes one item.
func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.items <- payload:
		return nil
	}
}

// EnqueueDelayed publishes one item after the delay. The delay is process-
// local; a shutdown drops undelivered delayed items.
func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, payload []byte, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, payload)
	}

	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		select {
		case <-q.done:
		case q.items <- payload:
		}
	})
	q.timers[timer] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until an item is available, the queue closes, or the
// context is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-q.items:
		return payload, nil
	}
}

// Close shuts the queue down and stops pending delayed deliveries.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.done)

		q.mu.Lock()
		for timer := range q.timers {
			timer.Stop()
		}
		q.timers = make(map[*time.Timer]struct{})
		q.mu.Unlock()
	})
	return nil
}
