package pricing

import (
	"fmt"
	"time"

	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Config tunes the price multipliers
type Config struct {
	// SurgeThreshold is the utilization fraction above which surge pricing
	// ramps in. SurgeRamp is the width of the linear ramp; at or beyond
	// threshold+ramp the surge multiplier is SurgeMax.
	SurgeThreshold float64
	SurgeRamp      float64
	SurgeMax       float64

	// TemporalFactors keyed by day segment: business, evening, night
	TemporalFactors map[string]float64

	// MarketFactors keyed by region; unlisted regions use 1.0
	MarketFactors map[string]float64
}

// DefaultConfig returns the stock multiplier tuning
func DefaultConfig() Config {
	return Config{
		SurgeThreshold: 0.80,
		SurgeRamp:      0.05,
		SurgeMax:       1.5,
		TemporalFactors: map[string]float64{
			"business": 1.0,
			"evening":  0.9,
			"night":    0.75,
		},
		MarketFactors: map[string]float64{},
	}
}

// Engine computes allocation prices. Pure: no I/O, no stored state, so
// it is trivially safe under concurrent quoting.
type Engine struct {
	cfg Config
}

// NewEngine creates a pricing engine
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Quote is the price breakdown for one buyer and lead
type Quote struct {
	Price    values.Money `json:"price"`
	Base     values.Money `json:"base"`
	Quality  float64      `json:"quality_multiplier"`
	Surge    float64      `json:"surge_multiplier"`
	Temporal float64      `json:"temporal_multiplier"`
	Market   float64      `json:"market_multiplier"`
	Clamped  bool         `json:"clamped"`
	Tier     values.Tier  `json:"tier"`
}

// Price quotes a buyer's price for a scored lead. The result is always
// within the buyer's floor and ceiling for the lead's tier.
func (e *Engine) Price(score float64, tier values.Tier, b *buyer.Buyer, utilization float64, region string, now time.Time) (Quote, error) {
	pricing, ok := b.Pricing(tier)
	if !ok {
		return Quote{}, errors.NewBusinessError("NO_PRICE_TABLE",
			fmt.Sprintf("buyer %s has no pricing for tier %s", b.ID, tier))
	}

	quality := qualityMultiplier(score)
	surge := e.surgeMultiplier(utilization)
	temporal := e.temporalMultiplier(now)
	market := e.marketMultiplier(region)

	raw := pricing.Base.MulFloat(quality * surge * temporal * market)
	clamped := raw.Clamp(pricing.Floor, pricing.Ceiling).Round(2)

	return Quote{
		Price:    clamped,
		Base:     pricing.Base,
		Quality:  quality,
		Surge:    surge,
		Temporal: temporal,
		Market:   market,
		Clamped:  !raw.Round(2).Equal(clamped),
		Tier:     tier,
	}, nil
}

// qualityMultiplier maps score 0..100 onto 0.5..1.5, strictly increasing
// so a higher-scored lead is never cheaper than a lower-scored one under
// identical conditions.
func qualityMultiplier(score float64) float64 {
	return 0.5 + values.ClampScore(score)/values.MaxScore
}

// surgeMultiplier ramps linearly from 1.0 at the threshold to SurgeMax at
// threshold+ramp, then stays capped.
func (e *Engine) surgeMultiplier(utilization float64) float64 {
	if utilization < e.cfg.SurgeThreshold || e.cfg.SurgeRamp <= 0 {
		if utilization >= e.cfg.SurgeThreshold {
			return e.cfg.SurgeMax
		}
		return 1.0
	}
	frac := (utilization - e.cfg.SurgeThreshold) / e.cfg.SurgeRamp
	if frac > 1 {
		frac = 1
	}
	return 1.0 + frac*(e.cfg.SurgeMax-1.0)
}

func (e *Engine) temporalMultiplier(now time.Time) float64 {
	var segment string
	switch h := now.Hour(); {
	case h >= 9 && h < 18:
		segment = "business"
	case h >= 18 && h < 23:
		segment = "evening"
	default:
		segment = "night"
	}
	if f, ok := e.cfg.TemporalFactors[segment]; ok {
		return f
	}
	return 1.0
}

func (e *Engine) marketMultiplier(region string) float64 {
	if f, ok := e.cfg.MarketFactors[region]; ok {
		return f
	}
	return 1.0
}
