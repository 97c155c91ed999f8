package reports

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// reportColumns is the list of columns for the report_cache table.
// Used to avoid SELECT * which can break when schema changes.
const reportColumns = `instrument_id, as_of_date, payload, status, error_message,
computed_at, expires_at, schema_version`

// ReportRepository handles report-cache database operations.
// All writes are single-row upserts keyed by (instrument, date); concurrent
// writers race by timestamp and the last write wins.
type ReportRepository struct {
	reportsDB *sql.DB // reports.db - report_cache table
	log       zerolog.Logger
}

// NewReportRepository creates a new report repository.
func NewReportRepository(reportsDB *sql.DB, log zerolog.Logger) *ReportRepository {
	return &ReportRepository{
		reportsDB: reportsDB,
		log:       log.With().Str("repo", "report").Logger(),
	}
}

// Put upserts a cache entry. The expires_at > computed_at invariant is
// enforced here as well as by the schema.
func (r *ReportRepository) Put(entry CacheEntry) error {
	if entry.InstrumentID == "" || entry.AsOfDate == "" {
		return fmt.Errorf("cache entry key is incomplete: (%q, %q)", entry.InstrumentID, entry.AsOfDate)
	}
	if !entry.ExpiresAt.After(entry.ComputedAt) {
		return fmt.Errorf("cache entry for %s/%s has expires_at <= computed_at", entry.InstrumentID, entry.AsOfDate)
	}
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = SchemaVersion
	}

	query := `
		INSERT INTO report_cache (instrument_id, as_of_date, payload, status, error_message,
			computed_at, expires_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument_id, as_of_date) DO UPDATE SET
			payload = excluded.payload,
			status = excluded.status,
			error_message = excluded.error_message,
			computed_at = excluded.computed_at,
			expires_at = excluded.expires_at,
			schema_version = excluded.schema_version`

	var errMsg interface{}
	if entry.ErrorMessage != "" {
		errMsg = entry.ErrorMessage
	}

	_, err := r.reportsDB.Exec(query,
		entry.InstrumentID, entry.AsOfDate, entry.Payload, string(entry.Status), errMsg,
		entry.ComputedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(), entry.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry for %s/%s: %w", entry.InstrumentID, entry.AsOfDate, err)
	}
	return nil
}

// Get returns the fresh successful entry for (instrument, date).
// It returns ErrCacheMiss when the row is absent, expired, written by an
// older schema version, or records an error - even though such rows remain
// physically present. A row written by a NEWER schema version returns
// ErrSchemaMismatch instead.
func (r *ReportRepository) Get(instrumentID, asOfDate string) (*CacheEntry, error) {
	entry, err := r.GetAny(instrumentID, asOfDate)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrCacheMiss
	}

	if entry.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: row has v%d, binary understands v%d",
			ErrSchemaMismatch, entry.SchemaVersion, SchemaVersion)
	}
	if entry.SchemaVersion < SchemaVersion {
		return nil, ErrCacheMiss
	}
	if !entry.Fresh(time.Now()) {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// GetAny returns whatever row exists for (instrument, date) regardless of
// status or freshness, or nil when none exists. Readers use it to surface
// the stored failure reason of an error row.
func (r *ReportRepository) GetAny(instrumentID, asOfDate string) (*CacheEntry, error) {
	query := "SELECT " + reportColumns + " FROM report_cache WHERE instrument_id = ? AND as_of_date = ?"

	rows, err := r.reportsDB.Query(query, instrumentID, asOfDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	entry, err := scanEntry(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}
	return &entry, nil
}

// Invalidate forces the entry for (instrument, date) to be treated as
// expired without deleting history. The expires_at > computed_at invariant
// is preserved by clamping to one millisecond past computation.
func (r *ReportRepository) Invalidate(instrumentID, asOfDate string) error {
	query := `
		UPDATE report_cache
		SET expires_at = computed_at + 1
		WHERE instrument_id = ? AND as_of_date = ?`

	res, err := r.reportsDB.Exec(query, instrumentID, asOfDate)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entry for %s/%s: %w", instrumentID, asOfDate, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.log.Info().Str("instrument", instrumentID).Str("date", asOfDate).Msg("Cache entry invalidated")
	}
	return nil
}

// InvalidateAll expires every cached row. Used when the report schema
// version is bumped.
func (r *ReportRepository) InvalidateAll() error {
	_, err := r.reportsDB.Exec("UPDATE report_cache SET expires_at = computed_at + 1")
	if err != nil {
		return fmt.Errorf("failed to invalidate report cache: %w", err)
	}
	r.log.Warn().Msg("Entire report cache invalidated")
	return nil
}

func scanEntry(rows *sql.Rows) (CacheEntry, error) {
	var entry CacheEntry
	var status string
	var errMsg sql.NullString
	var computedAt, expiresAt int64

	if err := rows.Scan(&entry.InstrumentID, &entry.AsOfDate, &entry.Payload, &status, &errMsg,
		&computedAt, &expiresAt, &entry.SchemaVersion); err != nil {
		return CacheEntry{}, err
	}

	entry.Status = Status(status)
	entry.ErrorMessage = errMsg.String
	entry.ComputedAt = time.UnixMilli(computedAt)
	entry.ExpiresAt = time.UnixMilli(expiresAt)
	return entry, nil
}
