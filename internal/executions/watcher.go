package executions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Watcher polls the job store until an execution reaches a terminal state or
// the timeout elapses. It is a single cooperative poll loop: it only reads
// JobRecords, never mutates them. The one thing it writes is the execution's
// closed_at stamp, which releases the per-date execution lock.
//
// In-flight workers are not cancelled on timeout; they may still complete
// and write after the timeout is reported. That race is accepted and the
// audit trail stays correct because job writes are attempt-guarded.
type Watcher struct {
	execRepo *ExecutionRepository
	jobRepo  *JobRepository
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// NewWatcher creates a new completion watcher.
func NewWatcher(execRepo *ExecutionRepository, jobRepo *JobRepository, interval, timeout time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		execRepo: execRepo,
		jobRepo:  jobRepo,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "watcher").Logger(),
	}
}

// Wait blocks until the execution is terminal or the timeout fires, then
// closes the execution and returns the aggregate. Both DONE and TIMEOUT are
// normal outcomes; TIMEOUT just reports a non-zero pending count.
func (w *Watcher) Wait(ctx context.Context, executionID string) (*Aggregate, error) {
	exec, err := w.execRepo.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("unknown execution: %s", executionID)
	}

	started := time.Now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		agg, err := w.aggregate(exec)
		if err != nil {
			return nil, err
		}

		if agg.Pending == 0 {
			agg.State = WatchDone
			return w.finish(exec, agg)
		}
		if time.Since(started) > w.timeout {
			agg.State = WatchTimeout
			w.log.Warn().
				Str("execution", exec.ID).
				Int("pending", agg.Pending).
				Msg("Execution timed out with jobs outstanding")
			return w.finish(exec, agg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot returns the current aggregate without waiting or closing anything.
// Used by the read API while an execution is in flight.
func (w *Watcher) Snapshot(executionID string) (*Aggregate, error) {
	exec, err := w.execRepo.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("unknown execution: %s", executionID)
	}

	agg, err := w.aggregate(exec)
	if err != nil {
		return nil, err
	}

	switch {
	case exec.ClosedAt != nil && agg.Pending > 0:
		agg.State = WatchTimeout
	case agg.Pending == 0:
		agg.State = WatchDone
	default:
		agg.State = WatchWaiting
	}
	return agg, nil
}

func (w *Watcher) finish(exec *Execution, agg *Aggregate) (*Aggregate, error) {
	if err := w.execRepo.Close(exec.ID, time.Now()); err != nil {
		return nil, err
	}

	w.log.Info().
		Str("execution", exec.ID).
		Str("state", string(agg.State)).
		Int("succeeded", agg.Succeeded).
		Int("failed", agg.Failed).
		Int("pending", agg.Pending).
		Dur("duration", agg.Duration).
		Msg("Execution finished")
	return agg, nil
}

// aggregate builds the completion report from the job records.
func (w *Watcher) aggregate(exec *Execution) (*Aggregate, error) {
	jobs, err := w.jobRepo.ListByExecution(exec.ID)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		ExecutionID: exec.ID,
		Total:       exec.DispatchedCount,
		Duration:    time.Since(exec.CreatedAt),
	}

	var durations []float64 // milliseconds, finished jobs only
	for _, job := range jobs {
		switch job.State {
		case JobSuccess:
			agg.Succeeded++
		case JobFailed:
			agg.Failed++
		}

		if job.State.Terminal() && job.StartedAt != nil && job.FinishedAt != nil {
			durations = append(durations, float64(job.FinishedAt.Sub(*job.StartedAt).Milliseconds()))
		}
	}

	// Terminal count against dispatched count, so a missing row still counts
	// as outstanding.
	agg.Pending = agg.Total - agg.Succeeded - agg.Failed

	if len(durations) > 0 {
		sort.Float64s(durations)
		agg.MeanJobDuration = time.Duration(stat.Mean(durations, nil)) * time.Millisecond
		agg.P95JobDuration = time.Duration(stat.Quantile(0.95, stat.Empirical, durations, nil)) * time.Millisecond
	}
	return agg, nil
}
