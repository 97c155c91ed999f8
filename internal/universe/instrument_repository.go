package universe

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// instrumentColumns is the list of columns for the instruments table.
// Used to avoid SELECT * which can break when schema changes.
const instrumentColumns = `symbol, name, currency, active, created_at, updated_at`

// InstrumentRepository handles instrument database operations.
type InstrumentRepository struct {
	universeDB *sql.DB // universe.db - instruments table
	log        zerolog.Logger
}

// NewInstrumentRepository creates a new instrument repository.
func NewInstrumentRepository(universeDB *sql.DB, log zerolog.Logger) *InstrumentRepository {
	return &InstrumentRepository{
		universeDB: universeDB,
		log:        log.With().Str("repo", "instrument").Logger(),
	}
}

// Upsert inserts or updates an instrument keyed by symbol.
func (r *InstrumentRepository) Upsert(inst Instrument) error {
	now := time.Now().UnixMilli()
	symbol := normalizeSymbol(inst.Symbol)
	if symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}

	query := `
		INSERT INTO instruments (symbol, name, currency, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			active = excluded.active,
			updated_at = excluded.updated_at`

	_, err := r.universeDB.Exec(query, symbol, inst.Name, inst.Currency, boolToInt(inst.Active), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", symbol, err)
	}
	return nil
}

// GetBySymbol returns an instrument by symbol, or nil if not found.
func (r *InstrumentRepository) GetBySymbol(symbol string) (*Instrument, error) {
	query := "SELECT " + instrumentColumns + " FROM instruments WHERE symbol = ?"

	rows, err := r.universeDB.Query(query, normalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument by symbol: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Instrument not found
	}

	inst, err := scanInstrument(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan instrument: %w", err)
	}
	return &inst, nil
}

// ListActive returns all active instruments ordered by symbol.
func (r *InstrumentRepository) ListActive() ([]Instrument, error) {
	query := "SELECT " + instrumentColumns + " FROM instruments WHERE active = 1 ORDER BY symbol"

	rows, err := r.universeDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instruments: %w", err)
	}
	defer rows.Close()

	var instruments []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instruments: %w", err)
	}
	return instruments, nil
}

// CountActive returns the number of active instruments.
func (r *InstrumentRepository) CountActive() (int, error) {
	var count int
	err := r.universeDB.QueryRow("SELECT COUNT(*) FROM instruments WHERE active = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active instruments: %w", err)
	}
	return count, nil
}

func scanInstrument(rows *sql.Rows) (Instrument, error) {
	var inst Instrument
	var active int
	var createdAt, updatedAt int64

	if err := rows.Scan(&inst.Symbol, &inst.Name, &inst.Currency, &active, &createdAt, &updatedAt); err != nil {
		return Instrument{}, err
	}

	inst.Active = active != 0
	inst.CreatedAt = time.UnixMilli(createdAt)
	inst.UpdatedAt = time.UnixMilli(updatedAt)
	return inst, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
