package scoring

import (
	"fmt"
	"math"

	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
)

type group int

const (
	groupBase group = iota
	groupBehavioral
	groupTiming
	groupContextual
)

// normalizer maps a raw attribute value onto the 0..100 scale
type normalizer func(v lead.AttributeValue) (float64, error)

type attributeSpec struct {
	group group
	norm  normalizer
}

// attributeSpecs fixes the signal vocabulary. Each sub-score averages its
// group's normalized attributes over the full group size, so an absent
// attribute contributes zero rather than shrinking the denominator.
var attributeSpecs = map[string]attributeSpec{
	// Firmographic and intent signals.
	"intent":    {groupBase, numericRange(0, 100)},
	"budget":    {groupBase, numericScaled(500)},
	"authority": {groupBase, categorical(map[string]float64{"decision_maker": 100, "influencer": 60, "researcher": 30, "none": 0})},
	"need":      {groupBase, numericRange(0, 100)},

	// Observed behavior.
	"engagement":            {groupBehavioral, numericRange(0, 100)},
	"interactions":          {groupBehavioral, numericScaled(20)},
	"response_time_seconds": {groupBehavioral, inverseScaled(300)},

	// Recency and urgency.
	"urgency":         {groupTiming, categorical(map[string]float64{"immediate": 100, "this_week": 75, "this_month": 50, "exploring": 20})},
	"recency_minutes": {groupTiming, inverseScaled(1440)},

	// Market context.
	"market_demand": {groupContextual, fraction()},
	"competition":   {groupContextual, categorical(map[string]float64{"low": 100, "medium": 60, "high": 20})},
	"season_factor": {groupContextual, fraction()},
}

var groupSizes = func() map[group]int {
	sizes := make(map[group]int)
	for _, spec := range attributeSpecs {
		sizes[spec.group]++
	}
	return sizes
}()

// numericRange clamps a numeric value into [lo, hi] and rescales to 0..100
func numericRange(lo, hi float64) normalizer {
	return func(v lead.AttributeValue) (float64, error) {
		if v.Kind != lead.KindNumeric {
			return 0, fmt.Errorf("expected numeric value")
		}
		n := math.Max(lo, math.Min(hi, v.Num))
		return (n - lo) / (hi - lo) * 100, nil
	}
}

// numericScaled maps [0, ceiling] linearly to 0..100, saturating above
func numericScaled(ceiling float64) normalizer {
	return func(v lead.AttributeValue) (float64, error) {
		if v.Kind != lead.KindNumeric {
			return 0, fmt.Errorf("expected numeric value")
		}
		if v.Num <= 0 {
			return 0, nil
		}
		return math.Min(v.Num/ceiling, 1) * 100, nil
	}
}

// inverseScaled maps 0 to 100 and halfLife-and-beyond toward 0, so smaller
// raw values (faster responses, fresher leads) score higher
func inverseScaled(halfLife float64) normalizer {
	return func(v lead.AttributeValue) (float64, error) {
		if v.Kind != lead.KindNumeric {
			return 0, fmt.Errorf("expected numeric value")
		}
		if v.Num <= 0 {
			return 100, nil
		}
		return 100 / (1 + v.Num/halfLife), nil
	}
}

// fraction maps a 0..1 numeric onto 0..100
func fraction() normalizer {
	return func(v lead.AttributeValue) (float64, error) {
		if v.Kind != lead.KindNumeric {
			return 0, fmt.Errorf("expected numeric value")
		}
		return math.Max(0, math.Min(1, v.Num)) * 100, nil
	}
}

func categorical(levels map[string]float64) normalizer {
	return func(v lead.AttributeValue) (float64, error) {
		if v.Kind != lead.KindCategorical {
			return 0, fmt.Errorf("expected categorical value")
		}
		score, ok := levels[v.Str]
		if !ok {
			return 0, fmt.Errorf("unknown category %q", v.Str)
		}
		return score, nil
	}
}

// ComputeSubScores normalizes the recognized attributes into the four
// sub-scores. Unrecognized keys are ignored. A recognized key with a value
// of the wrong kind or an unknown category is a validation error.
func ComputeSubScores(attrs lead.AttributeSet) (SubScores, error) {
	totals := make(map[group]float64, 4)
	for key, value := range attrs {
		spec, ok := attributeSpecs[key]
		if !ok {
			continue
		}
		n, err := spec.norm(value)
		if err != nil {
			return SubScores{}, errors.NewValidationError("INVALID_ATTRIBUTE",
				fmt.Sprintf("attribute %q: %v", key, err))
		}
		totals[spec.group] += n
	}

	return SubScores{
		Base:       totals[groupBase] / float64(groupSizes[groupBase]),
		Behavioral: totals[groupBehavioral] / float64(groupSizes[groupBehavioral]),
		Timing:     totals[groupTiming] / float64(groupSizes[groupTiming]),
		Contextual: totals[groupContextual] / float64(groupSizes[groupContextual]),
	}, nil
}

// Compose folds the sub-scores through a weight vector into the bounded
// composite score.
func Compose(sub SubScores, w weights.Vector) float64 {
	composite := sub.Base*w.Base +
		sub.Behavioral*w.Behavioral +
		sub.Timing*w.Timing +
		sub.Contextual*w.Contextual
	return math.Max(0, math.Min(100, composite))
}

// Vector converts the sub-scores to a slice ordered base, behavioral,
// timing, contextual. Used by calibration.
func (s SubScores) Vector() []float64 {
	return []float64{s.Base, s.Behavioral, s.Timing, s.Contextual}
}
