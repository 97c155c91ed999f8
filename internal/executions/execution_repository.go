package executions

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/database"
)

// executionColumns is the list of columns for the executions table.
const executionColumns = `id, source, as_of_date, limit_count, dispatched_count, created_at, closed_at`

// ExecutionRepository handles execution database operations.
type ExecutionRepository struct {
	pipelineDB *sql.DB // pipeline.db - executions table
	log        zerolog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(pipelineDB *sql.DB, log zerolog.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		pipelineDB: pipelineDB,
		log:        log.With().Str("repo", "execution").Logger(),
	}
}

// CreateWithJobs inserts the execution and one pending JobRecord per
// instrument in a single transaction, so a crash mid fan-out never leaves
// jobs without their execution. The partial unique index on open executions
// turns a concurrent trigger for the same date into ErrExecutionInProgress.
func (r *ExecutionRepository) CreateWithJobs(exec Execution, instrumentIDs []string) error {
	now := time.Now().UnixMilli()

	err := database.WithTransaction(r.pipelineDB, func(tx *sql.Tx) error {
		var limit interface{}
		if exec.Limit != nil {
			limit = *exec.Limit
		}

		_, err := tx.Exec(`
			INSERT INTO executions (id, source, as_of_date, limit_count, dispatched_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.Source, exec.AsOfDate, limit, len(instrumentIDs), now)
		if err != nil {
			return err
		}

		for _, instrumentID := range instrumentIDs {
			_, err := tx.Exec(`
				INSERT INTO jobs (execution_id, instrument_id, state, attempt_count, updated_at)
				VALUES (?, ?, ?, 0, ?)`,
				exec.ID, instrumentID, string(JobPending), now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: executions.as_of_date") {
			return ErrExecutionInProgress
		}
		return fmt.Errorf("failed to create execution %s: %w", exec.ID, err)
	}
	return nil
}

// Get returns an execution by ID, or nil if not found.
func (r *ExecutionRepository) Get(executionID string) (*Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE id = ?"

	rows, err := r.pipelineDB.Query(query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Execution not found
	}

	exec, err := scanExecution(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return &exec, nil
}

// ListOpen returns all executions that have not been closed yet.
func (r *ExecutionRepository) ListOpen() ([]Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE closed_at IS NULL ORDER BY created_at"

	rows, err := r.pipelineDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open executions: %w", err)
	}
	defer rows.Close()

	var open []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		open = append(open, exec)
	}
	return open, rows.Err()
}

// Close marks the execution terminal, releasing the per-date lock.
// Closing an already-closed execution is a no-op.
func (r *ExecutionRepository) Close(executionID string, at time.Time) error {
	_, err := r.pipelineDB.Exec(
		"UPDATE executions SET closed_at = ? WHERE id = ? AND closed_at IS NULL",
		at.UnixMilli(), executionID)
	if err != nil {
		return fmt.Errorf("failed to close execution %s: %w", executionID, err)
	}
	return nil
}

func scanExecution(rows *sql.Rows) (Execution, error) {
	var exec Execution
	var limit sql.NullInt64
	var createdAt int64
	var closedAt sql.NullInt64

	if err := rows.Scan(&exec.ID, &exec.Source, &exec.AsOfDate, &limit,
		&exec.DispatchedCount, &createdAt, &closedAt); err != nil {
		return Execution{}, err
	}

	if limit.Valid {
		v := int(limit.Int64)
		exec.Limit = &v
	}
	exec.CreatedAt = time.UnixMilli(createdAt)
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		exec.ClosedAt = &t
	}
	return exec, nil
}
