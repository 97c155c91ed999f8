// Package cost scores the resource expenditure of one report computation
// against fixed budget bands. The gate is advisory for every band except
// over-budget, which callers treat as a hard stop.
package cost

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/config"
)

// Band is a named tier classifying a cost score.
type Band string

const (
	BandExcellent  Band = "excellent"
	BandGood       Band = "good"
	BandAcceptable Band = "acceptable"
	BandPoor       Band = "poor"
	BandOverBudget Band = "over-budget"
)

// Usage is the resource consumption tracked during one computation.
type Usage struct {
	Tokens     int // LLM tokens consumed
	QueryCount int // Data-store queries issued
}

// Score is the gate's verdict for one computation. It is transient; it is
// only persisted indirectly, in a job's error text when it causes a failure.
type Score struct {
	LLMCost  float64 // In the reporting currency
	DBCost   float64 // In the reporting currency
	Total    float64 // LLMCost + DBCost
	Currency string
	Band     Band
}

// OverBudget reports whether this score must abort the attempt.
func (s Score) OverBudget() bool {
	return s.Band == BandOverBudget
}

// String renders the score for log and error messages.
func (s Score) String() string {
	return fmt.Sprintf("%.4f %s (llm=%.4f, db=%.4f, band=%s)",
		s.Total, s.Currency, s.LLMCost, s.DBCost, s.Band)
}

// Gate converts usage into a banded cost score.
type Gate struct {
	cfg config.CostConfig
	log zerolog.Logger
}

// NewGate creates a new cost gate. The config is assumed validated (thresholds
// strictly ascending).
func NewGate(cfg config.CostConfig, log zerolog.Logger) *Gate {
	return &Gate{
		cfg: cfg,
		log: log.With().Str("component", "cost_gate").Logger(),
	}
}

// ScoreUsage prices the usage in USD, converts to the reporting currency and
// classifies the total into a band.
func (g *Gate) ScoreUsage(u Usage) Score {
	llmUSD := float64(u.Tokens) / 1000.0 * g.cfg.TokenRatePer1K
	dbUSD := float64(u.QueryCount) * g.cfg.QueryUnitCost

	score := Score{
		LLMCost:  llmUSD * g.cfg.FxRate,
		DBCost:   dbUSD * g.cfg.FxRate,
		Currency: g.cfg.Currency,
	}
	score.Total = score.LLMCost + score.DBCost
	score.Band = g.classify(score.Total)

	g.log.Debug().
		Int("tokens", u.Tokens).
		Int("queries", u.QueryCount).
		Float64("total", score.Total).
		Str("band", string(score.Band)).
		Msg("Scored usage")

	return score
}

// classify maps a total to a band via the ascending thresholds.
func (g *Gate) classify(total float64) Band {
	switch {
	case total <= g.cfg.Excellent:
		return BandExcellent
	case total <= g.cfg.Good:
		return BandGood
	case total <= g.cfg.Acceptable:
		return BandAcceptable
	case total <= g.cfg.Poor:
		return BandPoor
	default:
		return BandOverBudget
	}
}
