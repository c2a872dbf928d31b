package fixtures

import (
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// LeadBuilder builds test leads with sensible defaults
type LeadBuilder struct {
	lead *lead.Lead
}

// NewLead creates a builder for a freshly created lead with a strong
// qualification attribute set.
func NewLead() *LeadBuilder {
	l := lead.NewLead()
	l.Attributes = PremiumAttributes()
	return &LeadBuilder{lead: l}
}

func (b *LeadBuilder) WithAttributes(attrs lead.AttributeSet) *LeadBuilder {
	b.lead.Attributes = attrs.Clone()
	return b
}

func (b *LeadBuilder) WithAttribute(key string, v lead.AttributeValue) *LeadBuilder {
	b.lead.Attributes[key] = v
	return b
}

// Scored applies a score and moves the lead into the scored state
func (b *LeadBuilder) Scored(score float64) *LeadBuilder {
	tier := values.TierFromScore(score)
	revenue := values.MustNewMoneyFromFloat(score*2, values.USD)
	if err := b.lead.ApplyScore(score, tier, revenue, score/200); err != nil {
		panic(err)
	}
	return b
}

func (b *LeadBuilder) Build() *lead.Lead {
	return b.lead
}

// PremiumAttributes is a full attribute set that scores well above the
// premium threshold under default weights.
func PremiumAttributes() lead.AttributeSet {
	return lead.AttributeSet{
		"intent":                lead.Numeric(95),
		"budget":                lead.Numeric(500),
		"authority":             lead.Categorical("decision_maker"),
		"need":                  lead.Numeric(90),
		"engagement":            lead.Numeric(95),
		"interactions":          lead.Numeric(20),
		"response_time_seconds": lead.Numeric(0),
		"urgency":               lead.Categorical("immediate"),
		"recency_minutes":       lead.Numeric(0),
		"market_demand":         lead.Numeric(1.0),
		"competition":           lead.Categorical("low"),
		"season_factor":         lead.Numeric(1.0),
	}
}

// BasicAttributes is a sparse, weak attribute set for low-score cases
func BasicAttributes() lead.AttributeSet {
	return lead.AttributeSet{
		"intent":     lead.Numeric(40),
		"budget":     lead.Numeric(100),
		"authority":  lead.Categorical("researcher"),
		"engagement": lead.Numeric(30),
	}
}
