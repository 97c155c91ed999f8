package executions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// jobColumns is the list of columns for the jobs table.
const jobColumns = `execution_id, instrument_id, state, attempt_count, started_at, finished_at, error, updated_at`

// JobRepository handles JobRecord database operations.
//
// Every mark takes the attempt number and only applies when the stored
// attempt_count is not newer, which makes redelivered (at-least-once) work
// items safe: a stale replay can never roll a record backwards.
type JobRepository struct {
	pipelineDB *sql.DB // pipeline.db - jobs table
	log        zerolog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pipelineDB *sql.DB, log zerolog.Logger) *JobRepository {
	return &JobRepository{
		pipelineDB: pipelineDB,
		log:        log.With().Str("repo", "job").Logger(),
	}
}

// MarkRunning transitions the job to running for the given attempt.
// Success records are never reopened; leaving failed requires a higher
// attempt number (an explicit new attempt).
func (r *JobRepository) MarkRunning(executionID, instrumentID string, attempt int) error {
	now := time.Now().UnixMilli()

	res, err := r.pipelineDB.Exec(`
		UPDATE jobs
		SET state = ?, attempt_count = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE execution_id = ? AND instrument_id = ?
		  AND state != 'success'
		  AND attempt_count < ?`,
		string(JobRunning), attempt, now, now, executionID, instrumentID, attempt)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s/%s not eligible for attempt %d", executionID, instrumentID, attempt)
	}
	return nil
}

// MarkSuccess records a successful terminal outcome for the given attempt.
func (r *JobRepository) MarkSuccess(executionID, instrumentID string, attempt int) error {
	return r.markTerminal(executionID, instrumentID, attempt, JobSuccess, "")
}

// MarkFailed records a failed terminal outcome with a reason for the given attempt.
func (r *JobRepository) MarkFailed(executionID, instrumentID string, attempt int, reason string) error {
	return r.markTerminal(executionID, instrumentID, attempt, JobFailed, reason)
}

func (r *JobRepository) markTerminal(executionID, instrumentID string, attempt int, state JobState, reason string) error {
	now := time.Now().UnixMilli()

	var errMsg interface{}
	if reason != "" {
		errMsg = reason
	}

	// attempt_count <= attempt: a replay of the current attempt may overwrite
	// its own outcome, a stale attempt may not.
	_, err := r.pipelineDB.Exec(`
		UPDATE jobs
		SET state = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE execution_id = ? AND instrument_id = ?
		  AND attempt_count <= ?`,
		string(state), errMsg, now, now, executionID, instrumentID, attempt)
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", state, err)
	}
	return nil
}

// Get returns a single job record, or nil if not found.
func (r *JobRepository) Get(executionID, instrumentID string) (*JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE execution_id = ? AND instrument_id = ?"

	rows, err := r.pipelineDB.Query(query, executionID, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Job not found
	}

	job, err := scanJob(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

// ListByExecution returns all job records of one execution.
func (r *JobRepository) ListByExecution(executionID string) ([]JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE execution_id = ? ORDER BY instrument_id"

	rows, err := r.pipelineDB.Query(query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountByState returns job counts per state for one execution.
func (r *JobRepository) CountByState(executionID string) (map[JobState]int, error) {
	rows, err := r.pipelineDB.Query(
		"SELECT state, COUNT(*) FROM jobs WHERE execution_id = ? GROUP BY state", executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[JobState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}

func scanJob(rows *sql.Rows) (JobRecord, error) {
	var job JobRecord
	var state string
	var startedAt, finishedAt sql.NullInt64
	var errMsg sql.NullString
	var updatedAt int64

	if err := rows.Scan(&job.ExecutionID, &job.InstrumentID, &state, &job.AttemptCount,
		&startedAt, &finishedAt, &errMsg, &updatedAt); err != nil {
		return JobRecord{}, err
	}

	job.State = JobState(state)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		job.FinishedAt = &t
	}
	job.Error = errMsg.String
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return job, nil
}
