package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/orchestrator"
)

// PrecomputeJob triggers the nightly precompute run over the full
// instrument universe. A date that already has an open execution is
// skipped quietly; the cron will not double-dispatch.
type PrecomputeJob struct {
	orch    *orchestrator.Orchestrator
	timeout time.Duration
	log     zerolog.Logger
}

// NewPrecomputeJob creates the nightly precompute job.
func NewPrecomputeJob(orch *orchestrator.Orchestrator, timeout time.Duration, log zerolog.Logger) *PrecomputeJob {
	return &PrecomputeJob{
		orch:    orch,
		timeout: timeout,
		log:     log.With().Str("job", "precompute").Logger(),
	}
}

// Name implements Job.
func (j *PrecomputeJob) Name() string {
	return "precompute"
}

// Run implements Job. It dispatches a full run for today's date and
// returns once fan-out completes; workers and the watcher take it from
// there.
func (j *PrecomputeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.orch.Start(ctx, orchestrator.StartParams{Source: "cron"})
	if err != nil {
		if errors.Is(err, executions.ErrExecutionInProgress) {
			j.log.Info().Msg("Run already in progress, skipping")
			return nil
		}
		return err
	}

	j.log.Info().
		Str("execution_id", result.ExecutionID).
		Int("dispatched", result.DispatchedCount).
		Msg("Precompute run dispatched")

	return nil
}
