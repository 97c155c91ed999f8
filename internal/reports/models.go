// Package reports stores precomputed report artifacts with freshness
// metadata and serves them under strict staleness semantics.
package reports

import (
	"errors"
	"time"
)

// SchemaVersion is the version of the report payload format. Bumping it
// invalidates every cached row; readers refuse rows written by a newer
// binary instead of serving them.
const SchemaVersion = 1

// Status of a cache entry.
type Status string

const (
	// StatusSuccess marks a computed payload.
	StatusSuccess Status = "success"
	// StatusError marks a negative-cache row recording a failure reason.
	StatusError Status = "error"
)

// ErrCacheMiss is returned by Get when no fresh successful entry exists,
// even if a stale or error row is physically present.
var ErrCacheMiss = errors.New("report cache miss")

// ErrSchemaMismatch is returned when a cached row was written by a newer
// schema version than this binary understands. It is fatal to the read path
// and must surface loudly rather than degrade into a miss.
var ErrSchemaMismatch = errors.New("report schema version mismatch")

// CacheEntry is a persisted computed artifact plus freshness metadata,
// keyed by (instrument, as-of date).
type CacheEntry struct {
	InstrumentID  string
	AsOfDate      string // YYYY-MM-DD
	Payload       string
	Status        Status
	ErrorMessage  string
	ComputedAt    time.Time
	ExpiresAt     time.Time
	SchemaVersion int
}

// Fresh reports whether the entry may be served at the given instant.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return e.Status == StatusSuccess && now.Before(e.ExpiresAt)
}
