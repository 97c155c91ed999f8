package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/foresight/internal/config"
	"github.com/aristath/foresight/internal/cost"
	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/queue"
	"github.com/aristath/foresight/internal/reports"
	"github.com/aristath/foresight/internal/universe"
)

// fakeBuilder scripts per-call outcomes keyed by symbol.
type fakeBuilder struct {
	mu    sync.Mutex
	calls map[string]int
	build func(symbol string, call int) (*BuildResult, error)
}

func newFakeBuilder(build func(symbol string, call int) (*BuildResult, error)) *fakeBuilder {
	return &fakeBuilder{calls: make(map[string]int), build: build}
}

func (f *fakeBuilder) Build(_ context.Context, instrument universe.Instrument, _ string) (*BuildResult, error) {
	f.mu.Lock()
	f.calls[instrument.Symbol]++
	call := f.calls[instrument.Symbol]
	f.mu.Unlock()
	return f.build(instrument.Symbol, call)
}

func (f *fakeBuilder) callCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func okResult(tokens int) (*BuildResult, error) {
	return &BuildResult{
		Payload: `{"summary":"fine"}`,
		Usage:   cost.Usage{Tokens: tokens, QueryCount: 10},
	}, nil
}

type testRig struct {
	worker     *Worker
	execRepo   *executions.ExecutionRepository
	jobRepo    *executions.JobRepository
	reportRepo *reports.ReportRepository
	instRepo   *universe.InstrumentRepository
}

func setupRig(t *testing.T, builder ReportBuilder) *testRig {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Pooled connections each get their own in-memory database, so pin to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE executions (
			id TEXT PRIMARY KEY, source TEXT NOT NULL DEFAULT '', as_of_date TEXT NOT NULL,
			limit_count INTEGER, dispatched_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL, closed_at INTEGER
		);
		CREATE UNIQUE INDEX idx_executions_open_date ON executions(as_of_date) WHERE closed_at IS NULL;
		CREATE TABLE jobs (
			execution_id TEXT NOT NULL, instrument_id TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('pending', 'running', 'success', 'failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER, finished_at INTEGER, error TEXT, updated_at INTEGER NOT NULL,
			PRIMARY KEY (execution_id, instrument_id)
		);
		CREATE TABLE report_cache (
			instrument_id TEXT NOT NULL, as_of_date TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('success', 'error')),
			error_message TEXT, computed_at INTEGER NOT NULL, expires_at INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			PRIMARY KEY (instrument_id, as_of_date),
			CHECK (expires_at > computed_at)
		);
		CREATE TABLE instruments (
			symbol TEXT PRIMARY KEY, name TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT 'USD', active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL
		)`)
	require.NoError(t, err)

	log := zerolog.Nop()
	rig := &testRig{
		execRepo:   executions.NewExecutionRepository(db, log),
		jobRepo:    executions.NewJobRepository(db, log),
		reportRepo: reports.NewReportRepository(db, log),
		instRepo:   universe.NewInstrumentRepository(db, log),
	}

	gate := cost.NewGate(config.CostConfig{
		TokenRatePer1K: 0.01,
		QueryUnitCost:  0.0002,
		FxRate:         1.0,
		Currency:       "USD",
		Excellent:      0.05,
		Good:           0.15,
		Acceptable:     0.40,
		Poor:           1.00,
	}, log)

	rig.worker = NewWorker(builder, gate, rig.reportRepo, rig.execRepo, rig.jobRepo, rig.instRepo,
		24*time.Hour, 30*time.Minute, log)

	require.NoError(t, rig.instRepo.Upsert(universe.Instrument{Symbol: "AAPL", Name: "Apple Inc", Currency: "USD", Active: true}))
	require.NoError(t, rig.execRepo.CreateWithJobs(
		executions.Execution{ID: "exec-1", AsOfDate: "2026-08-31"}, []string{"AAPL"}))

	return rig
}

func TestProcess_Success(t *testing.T) {
	rig := setupRig(t, newFakeBuilder(func(string, int) (*BuildResult, error) {
		return okResult(5000)
	}))

	err := rig.worker.Process(context.Background(), queue.ComputeReport{
		ExecutionID: "exec-1", InstrumentID: "AAPL", Attempt: 1,
	})
	require.NoError(t, err)

	job, err := rig.jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, executions.JobSuccess, job.State)
	assert.Equal(t, 1, job.AttemptCount)

	entry, err := rig.reportRepo.Get("AAPL", "2026-08-31")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusSuccess, entry.Status)
	assert.True(t, entry.ExpiresAt.After(entry.ComputedAt))
}

func TestProcess_OverBudget(t *testing.T) {
	// 150k tokens -> 1.50 USD, over the 1.00 Poor threshold.
	rig := setupRig(t, newFakeBuilder(func(string, int) (*BuildResult, error) {
		return okResult(150000)
	}))

	err := rig.worker.Process(context.Background(), queue.ComputeReport{
		ExecutionID: "exec-1", InstrumentID: "AAPL", Attempt: 1,
	})
	require.Error(t, err)
	var budgetErr *BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)

	job, err := rig.jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, executions.JobFailed, job.State)
	assert.Contains(t, job.Error, "budget exceeded")

	// The cache records the budget violation, and Get treats it as a miss.
	row, err := rig.reportRepo.GetAny("AAPL", "2026-08-31")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, reports.StatusError, row.Status)
	assert.Contains(t, row.ErrorMessage, "budget exceeded")

	_, err = rig.reportRepo.Get("AAPL", "2026-08-31")
	assert.ErrorIs(t, err, reports.ErrCacheMiss)
}

func TestProcess_TransientFailure(t *testing.T) {
	rig := setupRig(t, newFakeBuilder(func(string, int) (*BuildResult, error) {
		return nil, &TransientFetchError{Op: "market data", Err: fmt.Errorf("connection reset")}
	}))

	err := rig.worker.Process(context.Background(), queue.ComputeReport{
		ExecutionID: "exec-1", InstrumentID: "AAPL", Attempt: 1,
	})
	require.Error(t, err)
	assert.True(t, Retryable(err))

	job, err := rig.jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, executions.JobFailed, job.State)
	assert.Contains(t, job.Error, "transient fetch error")

	// Negative cache entry with a short TTL
	row, err := rig.reportRepo.GetAny("AAPL", "2026-08-31")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, reports.StatusError, row.Status)
	assert.WithinDuration(t, row.ComputedAt.Add(30*time.Minute), row.ExpiresAt, time.Second)
}

func TestProcess_RedeliveryOfCompletedAttemptIsSkipped(t *testing.T) {
	builder := newFakeBuilder(func(string, int) (*BuildResult, error) {
		return okResult(5000)
	})
	rig := setupRig(t, builder)

	item := queue.ComputeReport{ExecutionID: "exec-1", InstrumentID: "AAPL", Attempt: 1}
	require.NoError(t, rig.worker.Process(context.Background(), item))
	require.NoError(t, rig.worker.Process(context.Background(), item)) // duplicate delivery

	// The builder ran only once; the duplicate was skipped.
	assert.Equal(t, 1, builder.callCount("AAPL"))

	job, err := rig.jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, executions.JobSuccess, job.State)
}

func TestProcess_UnknownInstrumentIsPermanent(t *testing.T) {
	rig := setupRig(t, newFakeBuilder(func(string, int) (*BuildResult, error) {
		return okResult(5000)
	}))

	// Job record exists but the instrument has vanished from the universe.
	require.NoError(t, rig.execRepo.CreateWithJobs(
		executions.Execution{ID: "exec-2", AsOfDate: "2026-09-01"}, []string{"GONE"}))

	err := rig.worker.Process(context.Background(), queue.ComputeReport{
		ExecutionID: "exec-2", InstrumentID: "GONE", Attempt: 1,
	})
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestProcess_UnknownExecutionIsDropped(t *testing.T) {
	rig := setupRig(t, newFakeBuilder(func(string, int) (*BuildResult, error) {
		return okResult(5000)
	}))

	err := rig.worker.Process(context.Background(), queue.ComputeReport{
		ExecutionID: "never-heard-of-it", InstrumentID: "AAPL", Attempt: 1,
	})
	assert.NoError(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&TransientFetchError{Op: "fetch", Err: errors.New("boom")}))
	assert.True(t, Retryable(errors.New("some infra hiccup")))
	assert.False(t, Retryable(&ComputeError{Op: "compute", Err: errors.New("bad data")}))
	assert.False(t, Retryable(&BudgetExceededError{}))

	// Wrapped taxonomy errors keep their classification.
	wrapped := fmt.Errorf("processing AAPL: %w", &ComputeError{Op: "compute", Err: errors.New("bad")})
	assert.False(t, Retryable(wrapped))
}
