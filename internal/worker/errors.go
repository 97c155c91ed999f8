// Package worker consumes work items from the queue and computes one
// instrument's report per item: build, cost-gate, persist.
package worker

import (
	"errors"
	"fmt"

	"github.com/aristath/foresight/internal/cost"
)

// TransientFetchError marks a failure that is expected to clear on its own
// (upstream data fetch, network). The consumer pool redispatches these with
// a higher attempt number.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error during %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ComputeError marks a failure in the report computation itself. Retrying
// at the same inputs would fail the same way, so it is not redispatched.
type ComputeError struct {
	Op  string
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute error during %s: %v", e.Op, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// BudgetExceededError aborts an attempt whose cost gate came back
// over-budget. The cost is already spent; the attempt is recorded as failed
// with a labelled reason and flagged for review, never silently retried.
type BudgetExceededError struct {
	Score cost.Score
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: cost %s", e.Score)
}

// Retryable reports whether the consumer pool may redispatch the work item.
// Unknown failures default to retryable: infrastructure hiccups outnumber
// deterministic bugs, and the attempt cap bounds the damage.
func Retryable(err error) bool {
	var computeErr *ComputeError
	var budgetErr *BudgetExceededError

	if errors.As(err, &computeErr) || errors.As(err, &budgetErr) {
		return false
	}
	return true
}
