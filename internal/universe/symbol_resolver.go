package universe

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
)

// MatchTier classifies how confident a symbol resolution is.
type MatchTier int

const (
	// TierNone means no candidate scored well enough; the query is rejected.
	TierNone MatchTier = iota
	// TierSuggest means the best candidate should be surfaced to the caller
	// as a suggestion, not used silently (confidence in [0.6, 0.85)).
	TierSuggest
	// TierAutoCorrect means the best candidate is close enough to use
	// silently (confidence >= 0.85).
	TierAutoCorrect
	// TierExact means the query matched a known symbol verbatim (confidence 1.0).
	TierExact
)

// String returns a human-readable name for the match tier.
func (t MatchTier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierAutoCorrect:
		return "auto_correct"
	case TierSuggest:
		return "suggest"
	default:
		return "none"
	}
}

// Confidence thresholds for the resolution tiers.
const (
	autoCorrectThreshold = 0.85
	suggestThreshold     = 0.60
)

// Resolution is the outcome of resolving a free-form identifier against the
// instrument registry.
type Resolution struct {
	Symbol     string
	Name       string
	Confidence float64
	Tier       MatchTier
}

// SymbolResolver resolves user-supplied identifiers to known instruments
// using a scored nearest-neighbor lookup over symbols and instrument names.
type SymbolResolver struct {
	repo *InstrumentRepository
	log  zerolog.Logger
}

// NewSymbolResolver creates a new symbol resolver.
func NewSymbolResolver(repo *InstrumentRepository, log zerolog.Logger) *SymbolResolver {
	return &SymbolResolver{
		repo: repo,
		log:  log.With().Str("component", "symbol_resolver").Logger(),
	}
}

// Resolve resolves an identifier to the best-matching instrument.
// An exact symbol match wins immediately with confidence 1.0. Otherwise all
// active instruments are scored and the best candidate is classified into a
// tier; TierNone means the caller should treat the query as unknown.
func (r *SymbolResolver) Resolve(query string) (*Resolution, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}

	exact, err := r.repo.GetBySymbol(q)
	if err != nil {
		return nil, fmt.Errorf("failed to look up exact symbol: %w", err)
	}
	if exact != nil {
		return &Resolution{Symbol: exact.Symbol, Name: exact.Name, Confidence: 1.0, Tier: TierExact}, nil
	}

	instruments, err := r.repo.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments for fuzzy match: %w", err)
	}

	best := Resolution{Tier: TierNone}
	for _, inst := range instruments {
		score := scoreCandidate(q, inst)
		if score > best.Confidence {
			best = Resolution{Symbol: inst.Symbol, Name: inst.Name, Confidence: score}
		}
	}

	switch {
	case best.Confidence >= autoCorrectThreshold:
		best.Tier = TierAutoCorrect
	case best.Confidence >= suggestThreshold:
		best.Tier = TierSuggest
	default:
		best.Tier = TierNone
	}

	r.log.Debug().
		Str("query", q).
		Str("match", best.Symbol).
		Float64("confidence", best.Confidence).
		Str("tier", best.Tier.String()).
		Msg("Resolved identifier")

	return &best, nil
}

// scoreCandidate returns the best similarity between the query and the
// candidate's symbol or any word of its name.
func scoreCandidate(query string, inst Instrument) float64 {
	best := similarity(query, inst.Symbol)

	for _, token := range strings.Fields(strings.ToUpper(inst.Name)) {
		if s := similarity(query, token); s > best {
			best = s
		}
	}
	return best
}

// similarity converts Levenshtein distance to a [0, 1] score where 1 is an
// exact match.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
