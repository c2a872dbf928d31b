package fixtures

import (
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// BuyerBuilder builds test buyers with sensible defaults
type BuyerBuilder struct {
	buyer *buyer.Buyer
}

// NewBuyer creates a builder for an active standard-tier buyer with
// capacity for five concurrent allocations and a full price table.
func NewBuyer() *BuyerBuilder {
	b := buyer.NewBuyer("Acme Leads", values.TierStandard, 5, DefaultPriceTable())
	b.AcceptanceRate = 0.8
	b.HistoricalPerformance = 0.7
	return &BuyerBuilder{buyer: b}
}

func (b *BuyerBuilder) WithName(name string) *BuyerBuilder {
	b.buyer.Name = name
	return b
}

func (b *BuyerBuilder) WithTier(tier values.Tier) *BuyerBuilder {
	b.buyer.Tier = tier
	return b
}

func (b *BuyerBuilder) WithCapacity(capacity int64) *BuyerBuilder {
	b.buyer.Capacity = capacity
	return b
}

func (b *BuyerBuilder) WithAcceptanceRate(rate float64) *BuyerBuilder {
	b.buyer.AcceptanceRate = rate
	return b
}

func (b *BuyerBuilder) WithGeography(regions ...string) *BuyerBuilder {
	b.buyer.Geography = regions
	return b
}

func (b *BuyerBuilder) WithMinQuality(threshold float64) *BuyerBuilder {
	b.buyer.MinQualityThreshold = threshold
	return b
}

func (b *BuyerBuilder) WithPriority(priority int) *BuyerBuilder {
	b.buyer.Priority = priority
	return b
}

func (b *BuyerBuilder) WithPriceTable(table buyer.PriceTable) *BuyerBuilder {
	b.buyer.PriceTable = table
	return b
}

func (b *BuyerBuilder) Paused() *BuyerBuilder {
	b.buyer.Status = buyer.StatusPaused
	return b
}

func (b *BuyerBuilder) Build() *buyer.Buyer {
	return b.buyer
}

// DefaultPriceTable covers every qualified tier with wide clamp bounds
func DefaultPriceTable() buyer.PriceTable {
	usd := func(v float64) values.Money {
		return values.MustNewMoneyFromFloat(v, values.USD)
	}
	return buyer.PriceTable{
		values.TierPremium:  {Base: usd(200), Floor: usd(100), Ceiling: usd(400)},
		values.TierStandard: {Base: usd(100), Floor: usd(50), Ceiling: usd(200)},
		values.TierBasic:    {Base: usd(40), Floor: usd(20), Ceiling: usd(80)},
	}
}
