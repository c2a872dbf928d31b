package calibration

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
)

// Sample pairs a lead's sub-scores with the observed buyer verdict
type Sample struct {
	Sub      scoring.SubScores
	Accepted bool
}

// Strategy proposes a raw weight adjustment from observed outcomes. The
// calibrator clamps and normalizes the proposal before evaluating it, so
// strategies are free to return aggressive deltas.
type Strategy interface {
	ProposeDelta(active weights.Vector, samples []Sample) weights.Vector
}

// CorrelationStrategy nudges each weight proportionally to the Pearson
// correlation between its sub-score and acceptance: signals that predict
// acceptance gain weight, signals that predict rejection lose it.
type CorrelationStrategy struct {
	LearningRate float64
}

func (s CorrelationStrategy) ProposeDelta(_ weights.Vector, samples []Sample) weights.Vector {
	n := len(samples)
	if n == 0 {
		return weights.Vector{}
	}

	dims := make([][]float64, 4)
	for i := range dims {
		dims[i] = make([]float64, n)
	}
	outcomes := make([]float64, n)

	for i, sm := range samples {
		v := sm.Sub.Vector()
		for d := 0; d < 4; d++ {
			dims[d][i] = v[d]
		}
		if sm.Accepted {
			outcomes[i] = 1
		}
	}

	corr := func(xs []float64) float64 {
		c := stat.Correlation(xs, outcomes, nil)
		if math.IsNaN(c) {
			// zero variance in the signal or the outcomes
			return 0
		}
		return c
	}

	return weights.Vector{
		Base:       s.LearningRate * corr(dims[0]),
		Behavioral: s.LearningRate * corr(dims[1]),
		Timing:     s.LearningRate * corr(dims[2]),
		Contextual: s.LearningRate * corr(dims[3]),
	}
}
