package scoring

import (
	"context"
	"time"

	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Engine scores leads from their qualification attributes. Stateless and
// fully parallel: the only shared state is the read-only active weight
// version snapshot.
type Engine interface {
	// Score computes the composite score, tier, revenue potential, and
	// conversion probability for an attribute set. Deterministic given
	// identical attributes and weight version.
	Score(ctx context.Context, attrs lead.AttributeSet) (*Result, error)
}

// SubScores are the four weighted signal components of the composite score
type SubScores struct {
	Base       float64 `json:"base"`
	Behavioral float64 `json:"behavioral"`
	Timing     float64 `json:"timing"`
	Contextual float64 `json:"contextual"`
}

// Result is the output of scoring one attribute set
type Result struct {
	Score                 float64      `json:"score"`
	Tier                  values.Tier  `json:"tier"`
	RevenuePotential      values.Money `json:"revenue_potential"`
	ConversionProbability float64      `json:"conversion_probability"`
	SubScores             SubScores    `json:"sub_scores"`
	WeightVersion         int64        `json:"weight_version"`

	// Degraded marks a result served from cache while the store backend
	// is unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// Config controls tier economics and result caching
type Config struct {
	CacheTTL time.Duration

	// Base revenue value per tier (USD), scaled by the composite ratio
	TierBaseValues map[values.Tier]float64
	// Base conversion probability per tier, scaled by the composite ratio
	TierBaseProbs map[values.Tier]float64
}

// DefaultConfig returns the stock tier economics
func DefaultConfig() Config {
	return Config{
		CacheTTL: 10 * time.Minute,
		TierBaseValues: map[values.Tier]float64{
			values.TierPremium:     250,
			values.TierStandard:    120,
			values.TierBasic:       50,
			values.TierUnqualified: 0,
		},
		TierBaseProbs: map[values.Tier]float64{
			values.TierPremium:     0.65,
			values.TierStandard:    0.45,
			values.TierBasic:       0.25,
			values.TierUnqualified: 0.05,
		},
	}
}
