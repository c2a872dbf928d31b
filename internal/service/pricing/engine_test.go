package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/testutil/fixtures"
)

// businessHours is a Wednesday morning, multiplier 1.0
var businessHours = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func TestPriceWithinClampBounds(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	b := fixtures.NewBuyer().Build()

	for _, score := range []float64{0, 25, 50, 75, 100} {
		for _, util := range []float64{0, 0.5, 0.85, 1.0} {
			tier := values.TierFromScore(score)
			q, err := engine.Price(score, tier, b, util, "", businessHours)
			require.NoError(t, err)

			pricing, ok := b.Pricing(tier)
			require.True(t, ok)
			assert.GreaterOrEqual(t, q.Price.Compare(pricing.Floor), 0,
				"price below floor at score=%v util=%v", score, util)
			assert.LessOrEqual(t, q.Price.Compare(pricing.Ceiling), 0,
				"price above ceiling at score=%v util=%v", score, util)
		}
	}
}

func TestPriceMonotonicInScore(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	b := fixtures.NewBuyer().Build()

	// same tier, increasing score, identical conditions
	prev := 0.0
	for _, score := range []float64{70, 75, 80, 84} {
		q, err := engine.Price(score, values.TierStandard, b, 0.2, "", businessHours)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, q.Price.ToFloat64(), prev,
			"higher-scored lead must never be cheaper under identical conditions")
		prev = q.Price.ToFloat64()
	}
}

func TestSurgeMultiplier(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	tests := []struct {
		utilization float64
		want        float64
	}{
		{0.0, 1.0},
		{0.79, 1.0},
		{0.80, 1.0},
		{0.825, 1.25},
		{0.85, 1.5},
		{0.95, 1.5},
		{1.0, 1.5},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, engine.surgeMultiplier(tt.utilization), 1e-9,
			"utilization %.3f", tt.utilization)
	}
}

func TestSurgeAppliedToQuote(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	// wide bounds so the surge is visible before clamping
	b := fixtures.NewBuyer().WithPriceTable(buyer.PriceTable{
		values.TierStandard: {
			Base:    values.MustNewMoneyFromFloat(100, values.USD),
			Floor:   values.MustNewMoneyFromFloat(1, values.USD),
			Ceiling: values.MustNewMoneyFromFloat(1000, values.USD),
		},
	}).Build()

	calm, err := engine.Price(80, values.TierStandard, b, 0.10, "", businessHours)
	require.NoError(t, err)
	surged, err := engine.Price(80, values.TierStandard, b, 0.85, "", businessHours)
	require.NoError(t, err)

	assert.Equal(t, 1.0, calm.Surge)
	assert.Equal(t, 1.5, surged.Surge)
	assert.InDelta(t, calm.Price.ToFloat64()*1.5, surged.Price.ToFloat64(), 0.01)
}

func TestTemporalMultiplier(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	tests := []struct {
		hour int
		want float64
	}{
		{10, 1.0},  // business
		{17, 1.0},  // business
		{19, 0.9},  // evening
		{22, 0.9},  // evening
		{23, 0.75}, // night
		{3, 0.75},  // night
	}

	for _, tt := range tests {
		at := time.Date(2026, 3, 4, tt.hour, 0, 0, 0, time.UTC)
		assert.Equal(t, tt.want, engine.temporalMultiplier(at), "hour %d", tt.hour)
	}
}

func TestMarketMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketFactors = map[string]float64{"us-west": 1.2}
	engine := NewEngine(cfg)

	assert.Equal(t, 1.2, engine.marketMultiplier("us-west"))
	assert.Equal(t, 1.0, engine.marketMultiplier("unlisted"))
	assert.Equal(t, 1.0, engine.marketMultiplier(""))
}

func TestPriceFallsBackToBasicTier(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	b := fixtures.NewBuyer().WithPriceTable(buyer.PriceTable{
		values.TierBasic: {
			Base:    values.MustNewMoneyFromFloat(40, values.USD),
			Floor:   values.MustNewMoneyFromFloat(20, values.USD),
			Ceiling: values.MustNewMoneyFromFloat(80, values.USD),
		},
	}).Build()

	q, err := engine.Price(90, values.TierPremium, b, 0.1, "", businessHours)
	require.NoError(t, err)
	assert.Equal(t, "40.00 USD", q.Base.String())
}

func TestPriceErrorsWithoutAnyPricing(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	b := fixtures.NewBuyer().WithPriceTable(buyer.PriceTable{}).Build()

	_, err := engine.Price(90, values.TierPremium, b, 0.1, "", businessHours)
	assert.Error(t, err)
}
