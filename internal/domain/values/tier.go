package values

import (
	"encoding/json"
	"fmt"
)

// Tier is a quality classification bucket derived from a lead's score
type Tier int

const (
	TierUnqualified Tier = iota
	TierBasic
	TierStandard
	TierPremium
)

// Fixed score thresholds for tier assignment. Monotonic, never re-ordered.
const (
	PremiumThreshold  = 85.0
	StandardThreshold = 70.0
	BasicThreshold    = 50.0
)

// Score bounds
const (
	MinScore = 0.0
	MaxScore = 100.0
)

func (t Tier) String() string {
	switch t {
	case TierPremium:
		return "premium"
	case TierStandard:
		return "standard"
	case TierBasic:
		return "basic"
	case TierUnqualified:
		return "unqualified"
	default:
		return "unknown"
	}
}

// TierFromScore maps a composite score to its quality tier
func TierFromScore(score float64) Tier {
	switch {
	case score >= PremiumThreshold:
		return TierPremium
	case score >= StandardThreshold:
		return TierStandard
	case score >= BasicThreshold:
		return TierBasic
	default:
		return TierUnqualified
	}
}

// ParseTier parses a tier name
func ParseTier(s string) (Tier, error) {
	switch s {
	case "premium":
		return TierPremium, nil
	case "standard":
		return TierStandard, nil
	case "basic":
		return TierBasic, nil
	case "unqualified":
		return TierUnqualified, nil
	default:
		return TierUnqualified, fmt.Errorf("unknown tier: %q", s)
	}
}

// ClampScore bounds a score to [MinScore, MaxScore]
func ClampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// MarshalJSON implements json.Marshaler
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	tier, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = tier
	return nil
}
