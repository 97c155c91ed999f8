package cost

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/foresight/internal/config"
)

func testGate() *Gate {
	return NewGate(config.CostConfig{
		TokenRatePer1K: 0.01,
		QueryUnitCost:  0.0002,
		FxRate:         0.92,
		Currency:       "EUR",
		Excellent:      0.05,
		Good:           0.15,
		Acceptable:     0.40,
		Poor:           1.00,
	}, zerolog.Nop())
}

func TestScoreUsage_TotalIsSumOfComponents(t *testing.T) {
	g := testGate()

	score := g.ScoreUsage(Usage{Tokens: 12345, QueryCount: 678})

	assert.InDelta(t, score.LLMCost+score.DBCost, score.Total, 0.01)
	assert.Equal(t, "EUR", score.Currency)
}

func TestScoreUsage_ComponentPricing(t *testing.T) {
	g := testGate()

	score := g.ScoreUsage(Usage{Tokens: 10000, QueryCount: 100})

	// 10k tokens * 0.01/1k = 0.10 USD -> 0.092 EUR
	assert.InDelta(t, 0.092, score.LLMCost, 1e-9)
	// 100 queries * 0.0002 = 0.02 USD -> 0.0184 EUR
	assert.InDelta(t, 0.0184, score.DBCost, 1e-9)
}

func TestScoreUsage_Bands(t *testing.T) {
	g := testGate()

	tests := []struct {
		name   string
		tokens int
		want   Band
	}{
		{"zero usage is excellent", 0, BandExcellent},
		{"small run is good", 12000, BandGood},       // ~0.11 EUR
		{"medium run is acceptable", 40000, BandAcceptable}, // ~0.37 EUR
		{"large run is poor", 100000, BandPoor},      // ~0.92 EUR
		{"huge run is over budget", 150000, BandOverBudget}, // ~1.38 EUR
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := g.ScoreUsage(Usage{Tokens: tt.tokens})
			assert.Equal(t, tt.want, score.Band)
			assert.Equal(t, tt.want == BandOverBudget, score.OverBudget())
		})
	}
}

func TestScoreUsage_BandBoundariesInclusive(t *testing.T) {
	g := NewGate(config.CostConfig{
		TokenRatePer1K: 1.0, // 1 token = 0.001 USD
		FxRate:         1.0,
		Currency:       "USD",
		Excellent:      0.05,
		Good:           0.15,
		Acceptable:     0.40,
		Poor:           1.00,
	}, zerolog.Nop())

	// Exactly on a threshold belongs to the lower band.
	assert.Equal(t, BandExcellent, g.ScoreUsage(Usage{Tokens: 50}).Band)
	assert.Equal(t, BandGood, g.ScoreUsage(Usage{Tokens: 51}).Band)
	assert.Equal(t, BandPoor, g.ScoreUsage(Usage{Tokens: 1000}).Band)
	assert.Equal(t, BandOverBudget, g.ScoreUsage(Usage{Tokens: 1001}).Band)
}

func TestScore_String(t *testing.T) {
	g := testGate()

	s := g.ScoreUsage(Usage{Tokens: 150000})
	str := s.String()

	assert.Contains(t, str, "EUR")
	assert.Contains(t, str, "over-budget")
	assert.False(t, math.IsNaN(s.Total))
}
