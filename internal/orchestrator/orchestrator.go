// Package orchestrator triggers precompute executions: it selects the
// instrument set, creates the execution with its job records atomically,
// and fans work items out onto the queue. It returns as soon as dispatch
// is done; completion is observed separately through the watcher.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/queue"
	"github.com/aristath/foresight/internal/universe"
)

// enqueueConcurrency bounds parallel enqueues during fan-out so a slow
// queue backend does not stall dispatch serially.
const enqueueConcurrency = 8

// StartParams are the trigger parameters. Zero values mean defaults:
// today's date, no instrument cap.
type StartParams struct {
	Source   string // "manual", "cron", "api"
	AsOfDate string // YYYY-MM-DD, defaults to today (UTC)
	Limit    *int   // Optional cap on the instrument set
}

// StartResult is returned to the trigger immediately after dispatch.
type StartResult struct {
	ExecutionID     string `json:"execution_id"`
	DispatchedCount int    `json:"dispatched_count"`
}

// Orchestrator starts executions over the tracked instrument universe.
type Orchestrator struct {
	instRepo *universe.InstrumentRepository
	execRepo *executions.ExecutionRepository
	queue    queue.Queue
	log      zerolog.Logger
}

// New creates an orchestrator.
func New(
	instRepo *universe.InstrumentRepository,
	execRepo *executions.ExecutionRepository,
	q queue.Queue,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		instRepo: instRepo,
		execRepo: execRepo,
		queue:    q,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Start creates a new execution and enqueues one work item per selected
// instrument. It returns once dispatch is complete; it does not wait for
// jobs to finish. If an execution for the same as-of date is already open,
// it returns executions.ErrExecutionInProgress without creating anything.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (*StartResult, error) {
	if params.Source == "" {
		params.Source = "manual"
	}
	if params.AsOfDate == "" {
		params.AsOfDate = time.Now().UTC().Format("2006-01-02")
	}

	instruments, err := o.instRepo.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to list active instruments: %w", err)
	}
	if params.Limit != nil && *params.Limit < len(instruments) {
		instruments = instruments[:*params.Limit]
	}
	if len(instruments) == 0 {
		return nil, fmt.Errorf("no active instruments to dispatch")
	}

	instrumentIDs := make([]string, len(instruments))
	for i, inst := range instruments {
		instrumentIDs[i] = inst.Symbol
	}

	exec := executions.Execution{
		ID:              uuid.NewString(),
		Source:          params.Source,
		AsOfDate:        params.AsOfDate,
		Limit:           params.Limit,
		DispatchedCount: len(instrumentIDs),
		CreatedAt:       time.Now().UTC(),
	}
	if err := o.execRepo.CreateWithJobs(exec, instrumentIDs); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("execution_id", exec.ID).
		Str("source", exec.Source).
		Str("date", exec.AsOfDate).
		Int("instruments", len(instrumentIDs)).
		Msg("Execution created, dispatching")

	// Enqueue failures are logged and the job stays pending; the watcher's
	// timeout accounts for it rather than failing the whole run.
	var enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enqueueConcurrency)
	for _, id := range instrumentIDs {
		instrumentID := id
		g.Go(func() error {
			payload, err := queue.EncodeComputeReport(queue.ComputeReport{
				ExecutionID:  exec.ID,
				InstrumentID: instrumentID,
				Attempt:      1,
			})
			if err != nil {
				o.log.Error().Err(err).Str("instrument", instrumentID).Msg("Failed to encode work item")
				return nil
			}
			if err := o.queue.Enqueue(gctx, payload); err != nil {
				o.log.Error().Err(err).Str("instrument", instrumentID).Msg("Failed to enqueue work item")
				return nil
			}
			enqueued.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if n := int(enqueued.Load()); n < len(instrumentIDs) {
		o.log.Warn().
			Str("execution_id", exec.ID).
			Int("enqueued", n).
			Int("expected", len(instrumentIDs)).
			Msg("Some work items were not enqueued")
	}

	return &StartResult{
		ExecutionID:     exec.ID,
		DispatchedCount: len(instrumentIDs),
	}, nil
}
