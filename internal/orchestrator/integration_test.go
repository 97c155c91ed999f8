package orchestrator

import (
	"context"
	"database/sql"
	"errors"
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
	"github.com/aristath/foresight/internal/worker"
)

// scriptedBuilder fails the named symbol a fixed number of times with a
// transient error, then succeeds. Everything else succeeds immediately.
type scriptedBuilder struct {
	mu       sync.Mutex
	calls    map[string]int
	flaky    string
	failures int
}

func (b *scriptedBuilder) Build(_ context.Context, instrument universe.Instrument, _ string) (*worker.BuildResult, error) {
	b.mu.Lock()
	b.calls[instrument.Symbol]++
	call := b.calls[instrument.Symbol]
	b.mu.Unlock()

	if instrument.Symbol == b.flaky && call <= b.failures {
		return nil, &worker.TransientFetchError{Op: "builder request", Err: errors.New("connection reset")}
	}
	return &worker.BuildResult{
		Payload: `{"summary":"ok"}`,
		Usage:   cost.Usage{Tokens: 5000, QueryCount: 10},
	}, nil
}

func (b *scriptedBuilder) callCount(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[symbol]
}

func setupPipelineDB(t *testing.T) *sql.DB {
	t.Helper()

	db := setupTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE report_cache (
			instrument_id TEXT NOT NULL, as_of_date TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('success', 'error')),
			error_message TEXT, computed_at INTEGER NOT NULL, expires_at INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			PRIMARY KEY (instrument_id, as_of_date),
			CHECK (expires_at > computed_at)
		)`)
	require.NoError(t, err)
	return db
}

// Runs the full pipeline: trigger, fan-out, workers with redelivery, and
// the completion watcher. One instrument needs three attempts to succeed;
// the run still completes with zero failures.
func TestPipeline_RetriesUntilSuccess(t *testing.T) {
	db := setupPipelineDB(t)
	log := zerolog.Nop()

	instRepo := universe.NewInstrumentRepository(db, log)
	for _, inst := range []universe.Instrument{
		{Symbol: "AAPL", Name: "Apple Inc", Currency: "USD", Active: true},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Currency: "USD", Active: true},
		{Symbol: "AMZN", Name: "Amazon.com Inc", Currency: "USD", Active: true},
	} {
		require.NoError(t, instRepo.Upsert(inst))
	}

	execRepo := executions.NewExecutionRepository(db, log)
	jobRepo := executions.NewJobRepository(db, log)
	reportRepo := reports.NewReportRepository(db, log)

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

	q := queue.NewMemoryQueue(log)
	t.Cleanup(func() { _ = q.Close() })

	builder := &scriptedBuilder{calls: make(map[string]int), flaky: "MSFT", failures: 2}
	w := worker.NewWorker(builder, gate, reportRepo, execRepo, jobRepo, instRepo,
		24*time.Hour, 30*time.Minute, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(q, w, 2, 3, 5*time.Millisecond, log)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	orch := New(instRepo, execRepo, q, log)
	result, err := orch.Start(ctx, StartParams{Source: "manual", AsOfDate: "2026-08-31"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.DispatchedCount)

	watcher := executions.NewWatcher(execRepo, jobRepo, 10*time.Millisecond, 5*time.Second, log)
	agg, err := watcher.Wait(ctx, result.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, executions.WatchDone, agg.State)
	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 3, agg.Succeeded)
	assert.Equal(t, 0, agg.Failed)
	assert.Equal(t, 0, agg.Pending)

	// The flaky instrument took three attempts, the others one.
	job, err := jobRepo.Get(result.ExecutionID, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, executions.JobSuccess, job.State)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Equal(t, 3, builder.callCount("MSFT"))
	assert.Equal(t, 1, builder.callCount("AAPL"))

	for _, symbol := range []string{"AAPL", "MSFT", "AMZN"} {
		entry, err := reportRepo.Get(symbol, "2026-08-31")
		require.NoError(t, err, symbol)
		assert.Equal(t, reports.StatusSuccess, entry.Status)
	}

	// The watcher closed the execution, releasing the date lock.
	exec, err := execRepo.Get(result.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, exec.ClosedAt)

	_, err = orch.Start(ctx, StartParams{AsOfDate: "2026-08-31"})
	require.NoError(t, err)
}
