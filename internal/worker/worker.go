package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/cost"
	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/queue"
	"github.com/aristath/foresight/internal/reports"
	"github.com/aristath/foresight/internal/universe"
	"github.com/aristath/foresight/internal/utils"
)

// Worker computes one instrument's report end-to-end. Workers share no
// memory with each other; they communicate only through the job store and
// the report cache, and every failure ends in a recorded reason rather
// than a crashed process.
type Worker struct {
	builder    ReportBuilder
	gate       *cost.Gate
	reportRepo *reports.ReportRepository
	execRepo   *executions.ExecutionRepository
	jobRepo    *executions.JobRepository
	instRepo   *universe.InstrumentRepository
	reportTTL  time.Duration
	errorTTL   time.Duration
	log        zerolog.Logger
}

// NewWorker creates a worker.
func NewWorker(
	builder ReportBuilder,
	gate *cost.Gate,
	reportRepo *reports.ReportRepository,
	execRepo *executions.ExecutionRepository,
	jobRepo *executions.JobRepository,
	instRepo *universe.InstrumentRepository,
	reportTTL, errorTTL time.Duration,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		builder:    builder,
		gate:       gate,
		reportRepo: reportRepo,
		execRepo:   execRepo,
		jobRepo:    jobRepo,
		instRepo:   instRepo,
		reportTTL:  reportTTL,
		errorTTL:   errorTTL,
		log:        log.With().Str("component", "worker").Logger(),
	}
}

// Process handles one work item. Redelivered items are safe: a job already
// past this attempt is skipped, and cache writes are last-write-wins.
// The returned error, if any, is what the consumer pool classifies for
// redispatch; by the time Process returns, the failure is already recorded
// in the job record and the cache.
func (w *Worker) Process(ctx context.Context, item queue.ComputeReport) error {
	exec, err := w.execRepo.Get(item.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	if exec == nil {
		// Stale message for an execution this store has never seen. Drop it.
		w.log.Warn().Str("execution", item.ExecutionID).Msg("Work item references unknown execution")
		return nil
	}

	if err := w.jobRepo.MarkRunning(item.ExecutionID, item.InstrumentID, item.Attempt); err != nil {
		// Replay of an attempt that already ran to completion. Nothing to do.
		w.log.Debug().
			Str("execution", item.ExecutionID).
			Str("instrument", item.InstrumentID).
			Int("attempt", item.Attempt).
			Msg("Skipping redelivered work item")
		return nil
	}

	log := w.log.With().
		Str("execution", item.ExecutionID).
		Str("instrument", item.InstrumentID).
		Int("attempt", item.Attempt).
		Logger()

	instrument, err := w.instRepo.GetBySymbol(item.InstrumentID)
	if err != nil {
		return w.fail(log, exec, item, fmt.Errorf("failed to load instrument: %w", err))
	}
	if instrument == nil {
		return w.fail(log, exec, item, &ComputeError{Op: "instrument lookup",
			Err: fmt.Errorf("instrument %s is not in the universe", item.InstrumentID)})
	}

	buildTimer := utils.NewTimer("report_build", log)
	result, err := w.builder.Build(ctx, *instrument, exec.AsOfDate)
	buildTimer.Stop()
	if err != nil {
		return w.fail(log, exec, item, err)
	}

	// Gate the cost before persisting a success. An over-budget score is a
	// hard stop, but the spend already happened, so it is recorded as a
	// failed attempt with the score in the reason.
	score := w.gate.ScoreUsage(result.Usage)
	if score.OverBudget() {
		return w.fail(log, exec, item, &BudgetExceededError{Score: score})
	}

	now := time.Now()
	entry := reports.CacheEntry{
		InstrumentID:  item.InstrumentID,
		AsOfDate:      exec.AsOfDate,
		Payload:       result.Payload,
		Status:        reports.StatusSuccess,
		ComputedAt:    now,
		ExpiresAt:     now.Add(w.reportTTL),
		SchemaVersion: reports.SchemaVersion,
	}
	if err := w.reportRepo.Put(entry); err != nil {
		return w.fail(log, exec, item, fmt.Errorf("failed to write cache entry: %w", err))
	}

	if err := w.jobRepo.MarkSuccess(item.ExecutionID, item.InstrumentID, item.Attempt); err != nil {
		return fmt.Errorf("failed to mark job success: %w", err)
	}

	log.Info().
		Str("band", string(score.Band)).
		Float64("cost", score.Total).
		Msg("Report computed")
	return nil
}

// fail records the failure in both stores before handing the error back to
// the pool. The error cache entry is a short-lived negative cache so a
// persistently broken instrument is not recomputed in a hot loop.
func (w *Worker) fail(log zerolog.Logger, exec *executions.Execution, item queue.ComputeReport, cause error) error {
	now := time.Now()
	entry := reports.CacheEntry{
		InstrumentID:  item.InstrumentID,
		AsOfDate:      exec.AsOfDate,
		Status:        reports.StatusError,
		ErrorMessage:  cause.Error(),
		ComputedAt:    now,
		ExpiresAt:     now.Add(w.errorTTL),
		SchemaVersion: reports.SchemaVersion,
	}
	if err := w.reportRepo.Put(entry); err != nil {
		log.Error().Err(err).Msg("Failed to write error cache entry")
	}

	if err := w.jobRepo.MarkFailed(item.ExecutionID, item.InstrumentID, item.Attempt, cause.Error()); err != nil {
		log.Error().Err(err).Msg("Failed to mark job failed")
	}

	log.Warn().Err(cause).Msg("Report computation failed")
	return cause
}
