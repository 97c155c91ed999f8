package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/queue"
)

// Pool runs a fixed number of queue consumers. Each consumer owns one work
// item at a time end-to-end; retries are driven here, by redispatching a
// failed item with attempt+1 and exponential backoff, never by the worker
// itself.
type Pool struct {
	queue       queue.Queue
	worker      *Worker
	workerCount int
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a consumer pool.
func NewPool(q queue.Queue, w *Worker, workerCount, maxAttempts int, baseDelay time.Duration, log zerolog.Logger) *Pool {
	return &Pool{
		queue:       q,
		worker:      w,
		workerCount: workerCount,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		log:         log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the consumers. They run until Stop is called or the parent
// context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	p.log.Info().Int("workers", p.workerCount).Msg("Worker pool started")
}

// Stop signals the consumers and waits for in-flight work to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.log.With().Int("consumer", id).Logger()

	for {
		payload, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			continue
		}

		env, err := queue.Decode(payload)
		if err != nil {
			// A malformed or future-versioned message is dropped loudly; its
			// job record stays pending until the execution times out.
			log.Error().Err(err).Msg("Dropping undecodable work item")
			continue
		}

		item := *env.Compute
		if err := p.worker.Process(ctx, item); err != nil {
			p.handleFailure(ctx, log, item, err)
		}
	}
}

// handleFailure redispatches retryable failures until the attempt cap.
func (p *Pool) handleFailure(ctx context.Context, log zerolog.Logger, item queue.ComputeReport, cause error) {
	if !Retryable(cause) {
		log.Warn().
			Err(cause).
			Str("instrument", item.InstrumentID).
			Int("attempt", item.Attempt).
			Msg("Permanent failure, not redispatching")
		return
	}
	if item.Attempt >= p.maxAttempts {
		log.Warn().
			Err(cause).
			Str("instrument", item.InstrumentID).
			Int("attempt", item.Attempt).
			Msg("Attempt cap reached, job stays failed")
		return
	}

	next := queue.ComputeReport{
		ExecutionID:  item.ExecutionID,
		InstrumentID: item.InstrumentID,
		Attempt:      item.Attempt + 1,
	}
	payload, err := queue.EncodeComputeReport(next)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode retry work item")
		return
	}

	delay := p.backoff(item.Attempt)
	if err := p.queue.EnqueueDelayed(ctx, payload, delay); err != nil {
		log.Error().Err(err).Msg("Failed to redispatch work item")
		return
	}

	log.Info().
		Str("instrument", item.InstrumentID).
		Int("next_attempt", next.Attempt).
		Dur("delay", delay).
		Msg("Redispatched after failure")
}

// backoff doubles the base delay per completed attempt.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
