// Package executions tracks fan-out runs of the precompute pipeline: one
// Execution per trigger, one JobRecord per (execution, instrument), and a
// polling watcher that aggregates completion.
package executions

import (
	"errors"
	"time"
)

// ErrExecutionInProgress is returned when a trigger races an already-open
// execution for the same as-of date. The open execution holds the
// date-scoped lock until the watcher closes it.
var ErrExecutionInProgress = errors.New("an execution for this date is already in progress")

// JobState is the lifecycle state of one instrument's job within an
// execution. Transitions are monotonic; a terminal state is only left via
// an explicit new attempt.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobSuccess JobState = "success"
	JobFailed  JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Execution is one fan-out run across a chosen set of instruments.
// Rows are never deleted; they are the audit trail.
type Execution struct {
	ID              string
	Source          string
	AsOfDate        string // YYYY-MM-DD
	Limit           *int   // Optional cap on the instrument set
	DispatchedCount int
	CreatedAt       time.Time
	ClosedAt        *time.Time // Set by the watcher when the run is terminal
}

// JobRecord is the per-instrument status record of one execution.
type JobRecord struct {
	ExecutionID  string
	InstrumentID string
	State        JobState
	AttemptCount int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Error        string
	UpdatedAt    time.Time
}

// WatchState is the watcher's view of an execution.
type WatchState string

const (
	// WatchWaiting means jobs are still outstanding and the timeout has not fired.
	WatchWaiting WatchState = "waiting"
	// WatchDone means every dispatched job reached a terminal state.
	WatchDone WatchState = "done"
	// WatchTimeout means the watcher stopped waiting with jobs still pending.
	// It is terminal for the watcher but not an error.
	WatchTimeout WatchState = "timeout"
)

// Aggregate is the completion report for one execution. TIMEOUT simply
// reports a non-zero Pending count rather than failing the run.
type Aggregate struct {
	ExecutionID string
	State       WatchState
	Total       int
	Succeeded   int
	Failed      int
	Pending     int // pending + still-running jobs
	Duration    time.Duration

	// Duration statistics over finished jobs.
	MeanJobDuration time.Duration
	P95JobDuration  time.Duration
}
