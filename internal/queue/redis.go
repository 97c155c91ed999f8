package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// workListKey is the Redis list shared by all producers and consumers.
const workListKey = "foresight:work"

// dequeuePollTimeout bounds each BRPOP so Dequeue can notice context
// cancellation between polls.
const dequeuePollTimeout = time.Second

// RedisQueue is a Redis-list-backed queue for multi-process deployments:
// several worker processes can consume the same list, and items survive a
// consumer crash before pickup.
type RedisQueue struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(addr, password string, db int, log zerolog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisQueue{
		client: client,
		log:    log.With().Str("component", "redis_queue").Logger(),
	}, nil
}

// Enqueue publishes one item.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, workListKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return nil
}

// EnqueueDelayed publishes one item after the delay. The delay timer is
// process-local (retry backoff only); the payload itself still lands on the
// shared list.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, payload []byte, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, payload)
	}

	time.AfterFunc(delay, func() {
		enqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Enqueue(enqCtx, payload); err != nil {
			q.log.Error().Err(err).Msg("Delayed enqueue failed")
		}
	})
	return nil
}

// Dequeue blocks until an item is available or the context is done.
func (q *RedisQueue) Dequeue(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.client.BRPop(ctx, dequeuePollTimeout, workListKey).Result()
		if errors.Is(err, redis.Nil) {
			continue // Poll timeout, nothing queued
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue work item: %w", err)
		}

		// BRPop returns [key, value]
		if len(res) != 2 {
			return nil, fmt.Errorf("unexpected BRPOP reply length: %d", len(res))
		}
		return []byte(res[1]), nil
	}
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
