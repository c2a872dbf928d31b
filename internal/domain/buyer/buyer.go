package buyer

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Buyer is a downstream consumer that purchases allocated leads, with
// finite capacity per period.
type Buyer struct {
	ID     uuid.UUID   `json:"id"`
	Name   string      `json:"name"`
	Tier   values.Tier `json:"tier"`
	Status Status      `json:"status"`

	// Capacity is the maximum concurrent allocations this buyer accepts.
	// Live utilization is tracked by the capacity ledger, not here; the
	// Utilized field is a snapshot for persistence and reporting.
	Capacity int64 `json:"capacity"`
	Utilized int64 `json:"utilized"`

	// Routing inputs
	AcceptanceRate        float64  `json:"acceptance_rate"`
	Geography             []string `json:"geography"`
	MinQualityThreshold   float64  `json:"min_quality_threshold"`
	Priority              int      `json:"priority"`
	HistoricalPerformance float64  `json:"historical_performance"`

	// Pricing inputs
	PriceTable PriceTable `json:"price_table"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency token for store updates
	Version int64 `json:"version"`
}

type Status int

const (
	StatusActive Status = iota
	StatusPaused
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TierPricing holds the base price and clamp bounds for one quality tier
type TierPricing struct {
	Base    values.Money `json:"base"`
	Floor   values.Money `json:"floor"`
	Ceiling values.Money `json:"ceiling"`
}

// PriceTable maps quality tiers to buyer-specific pricing
type PriceTable map[values.Tier]TierPricing

// NewBuyer creates an active buyer with the given capacity
func NewBuyer(name string, tier values.Tier, capacity int64, prices PriceTable) *Buyer {
	now := time.Now()
	return &Buyer{
		ID:                    uuid.New(),
		Name:                  name,
		Tier:                  tier,
		Status:                StatusActive,
		Capacity:              capacity,
		AcceptanceRate:        0.5,
		MinQualityThreshold:   values.BasicThreshold,
		HistoricalPerformance: 0.5,
		PriceTable:            prices,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Pricing returns the tier pricing for a quality tier, falling back to
// the basic tier when a buyer has no entry for the requested one.
func (b *Buyer) Pricing(tier values.Tier) (TierPricing, bool) {
	if p, ok := b.PriceTable[tier]; ok {
		return p, true
	}
	p, ok := b.PriceTable[values.TierBasic]
	return p, ok
}

// MatchesGeography reports whether the buyer prefers the given region.
// Buyers with no geographic preference match everything.
func (b *Buyer) MatchesGeography(region string) bool {
	if len(b.Geography) == 0 {
		return true
	}
	for _, g := range b.Geography {
		if g == region {
			return true
		}
	}
	return false
}

// IsActive reports whether the buyer can receive allocations
func (b *Buyer) IsActive() bool {
	return b.Status == StatusActive
}
