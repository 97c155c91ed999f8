package executions

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Pooled connections each get their own in-memory database, so pin to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE executions (
			id               TEXT PRIMARY KEY,
			source           TEXT NOT NULL DEFAULT '',
			as_of_date       TEXT NOT NULL,
			limit_count      INTEGER,
			dispatched_count INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			closed_at        INTEGER
		);
		CREATE UNIQUE INDEX idx_executions_open_date
			ON executions(as_of_date) WHERE closed_at IS NULL;
		CREATE TABLE jobs (
			execution_id  TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			state         TEXT NOT NULL CHECK (state IN ('pending', 'running', 'success', 'failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			started_at    INTEGER,
			finished_at   INTEGER,
			error         TEXT,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (execution_id, instrument_id)
		)`)
	require.NoError(t, err)

	return db
}

func setupRepos(t *testing.T) (*ExecutionRepository, *JobRepository) {
	t.Helper()

	db := setupTestDB(t)
	return NewExecutionRepository(db, zerolog.Nop()), NewJobRepository(db, zerolog.Nop())
}

func TestCreateWithJobs(t *testing.T) {
	execRepo, jobRepo := setupRepos(t)

	exec := Execution{ID: "exec-1", Source: "manual", AsOfDate: "2026-08-31"}
	require.NoError(t, execRepo.CreateWithJobs(exec, []string{"AAPL", "MSFT", "AMZN"}))

	got, err := execRepo.Get("exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.DispatchedCount)
	assert.Nil(t, got.ClosedAt)

	jobs, err := jobRepo.ListByExecution("exec-1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, JobPending, job.State)
		assert.Equal(t, 0, job.AttemptCount)
	}
}

func TestCreateWithJobs_DateLock(t *testing.T) {
	execRepo, _ := setupRepos(t)

	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-1", AsOfDate: "2026-08-31"}, []string{"AAPL"}))

	// A second open execution for the same date is refused.
	err := execRepo.CreateWithJobs(
		Execution{ID: "exec-2", AsOfDate: "2026-08-31"}, []string{"AAPL"})
	assert.ErrorIs(t, err, ErrExecutionInProgress)

	// A different date is fine.
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-3", AsOfDate: "2026-09-01"}, []string{"AAPL"}))

	// Closing releases the lock for the original date.
	require.NoError(t, execRepo.Close("exec-1", time.Now()))
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-4", AsOfDate: "2026-08-31"}, []string{"AAPL"}))
}

func TestJobTransitions(t *testing.T) {
	execRepo, jobRepo := setupRepos(t)
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-1", AsOfDate: "2026-08-31"}, []string{"AAPL"}))

	require.NoError(t, jobRepo.MarkRunning("exec-1", "AAPL", 1))

	job, err := jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.NotNil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)

	require.NoError(t, jobRepo.MarkFailed("exec-1", "AAPL", 1, "transient fetch error"))

	job, err = jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, "transient fetch error", job.Error)
	assert.NotNil(t, job.FinishedAt)

	// A new attempt reopens the failed record.
	require.NoError(t, jobRepo.MarkRunning("exec-1", "AAPL", 2))
	require.NoError(t, jobRepo.MarkSuccess("exec-1", "AAPL", 2))

	job, err = jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, job.State)
	assert.Equal(t, 2, job.AttemptCount)
}

func TestJobTransitions_Monotonic(t *testing.T) {
	execRepo, jobRepo := setupRepos(t)
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-1", AsOfDate: "2026-08-31"}, []string{"AAPL"}))

	require.NoError(t, jobRepo.MarkRunning("exec-1", "AAPL", 1))
	require.NoError(t, jobRepo.MarkSuccess("exec-1", "AAPL", 1))

	// A success record is never reopened, not even by a later attempt.
	assert.Error(t, jobRepo.MarkRunning("exec-1", "AAPL", 2))

	// A redelivered copy of the same attempt cannot restart it either.
	assert.Error(t, jobRepo.MarkRunning("exec-1", "AAPL", 1))

	job, err := jobRepo.Get("exec-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, job.State)
}

func TestCountByState(t *testing.T) {
	execRepo, jobRepo := setupRepos(t)
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-1", AsOfDate: "2026-08-31"}, []string{"AAPL", "MSFT", "AMZN"}))

	require.NoError(t, jobRepo.MarkRunning("exec-1", "AAPL", 1))
	require.NoError(t, jobRepo.MarkSuccess("exec-1", "AAPL", 1))
	require.NoError(t, jobRepo.MarkRunning("exec-1", "MSFT", 1))

	counts, err := jobRepo.CountByState("exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobSuccess])
	assert.Equal(t, 1, counts[JobRunning])
	assert.Equal(t, 1, counts[JobPending])
}

func TestListOpen(t *testing.T) {
	execRepo, _ := setupRepos(t)

	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-1", AsOfDate: "2026-08-30"}, []string{"AAPL"}))
	require.NoError(t, execRepo.CreateWithJobs(
		Execution{ID: "exec-2", AsOfDate: "2026-08-31"}, []string{"AAPL"}))

	open, err := execRepo.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, execRepo.Close("exec-1", time.Now()))

	open, err = execRepo.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "exec-2", open[0].ID)
}
