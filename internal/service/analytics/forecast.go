package analytics

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// ForecastPoint is one projected revenue bucket
type ForecastPoint struct {
	Start    time.Time    `json:"start"`
	Revenue  values.Money `json:"revenue"`
	Seasonal float64      `json:"seasonal_factor"`
}

// minForecastBuckets is the observed history needed before a trend line
// is meaningful.
const minForecastBuckets = 3

// Forecast projects revenue for the next horizon buckets by fitting an
// ordinary least squares trend to the retained history and scaling each
// projected bucket by its weekday's seasonal factor.
func (t *Tracker) Forecast(horizon int) ([]ForecastPoint, error) {
	if horizon <= 0 {
		return nil, errors.NewValidationError("INVALID_HORIZON", "forecast horizon must be positive")
	}

	// Snapshot under the lock: buckets keep mutating while the trend
	// is fitted.
	type observed struct {
		start   time.Time
		revenue float64
	}
	t.mu.RLock()
	history := make([]observed, 0, len(t.buckets))
	for _, b := range t.buckets {
		rev, _ := b.revenue.Float64()
		history = append(history, observed{start: b.start, revenue: rev})
	}
	t.mu.RUnlock()

	if len(history) < minForecastBuckets {
		return nil, errors.NewBusinessError("INSUFFICIENT_HISTORY",
			"not enough observed buckets to fit a revenue trend")
	}
	sort.Slice(history, func(i, j int) bool { return history[i].start.Before(history[j].start) })

	xs := make([]float64, len(history))
	ys := make([]float64, len(history))
	for i, b := range history {
		xs[i] = float64(i)
		ys[i] = b.revenue
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)

	last := history[len(history)-1].start
	out := make([]ForecastPoint, 0, horizon)
	for h := 1; h <= horizon; h++ {
		start := last.Add(t.cfg.BucketSize * time.Duration(h))
		projected := alpha + beta*float64(len(history)-1+h)
		if projected < 0 {
			projected = 0
		}
		seasonal := t.seasonalFactor(start)
		out = append(out, ForecastPoint{
			Start:    start,
			Revenue:  values.MustNewMoneyFromFloat(projected*seasonal, values.USD).Round(2),
			Seasonal: seasonal,
		})
	}
	return out, nil
}

func (t *Tracker) seasonalFactor(ts time.Time) float64 {
	if f, ok := t.cfg.SeasonalFactors[ts.Weekday().String()]; ok {
		return f
	}
	return 1.0
}
