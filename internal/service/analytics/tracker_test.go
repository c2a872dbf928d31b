package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// monday is a fixed weekday anchor so seasonal factors stay at 1.0
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestTracker(cfg Config) *Tracker {
	return NewTracker(cfg, nil, nil)
}

// drainEvents applies everything buffered on the event channel
func drainEvents(tr *Tracker) {
	for {
		select {
		case e := <-tr.events:
			tr.apply(e)
		default:
			return
		}
	}
}

func collectAlerts(tr *Tracker) []Alert {
	var out []Alert
	for {
		select {
		case a := <-tr.alerts:
			out = append(out, a)
		default:
			return out
		}
	}
}

func resolvedAllocation(buyerID uuid.UUID, status allocation.Status, price float64, at time.Time) *allocation.Allocation {
	a := allocation.New(uuid.New(), buyerID, values.MustNewMoneyFromFloat(price, values.USD), time.Minute)
	a.CreatedAt = at
	a.Status = status
	a.ResolvedAt = &at
	return a
}

func TestTrackerBucketsRevenue(t *testing.T) {
	tr := newTestTracker(DefaultConfig())
	buyerID := uuid.New()

	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 100, monday))
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusRejected, 80, monday))
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 50, monday.Add(10*time.Minute)))
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 25, monday.Add(time.Hour)))
	drainEvents(tr)

	series := tr.RevenueSeries(monday, monday.Add(2*time.Hour))
	require.Len(t, series, 2)

	assert.Equal(t, monday, series[0].Start)
	assert.Equal(t, int64(2), series[0].Accepted)
	assert.Equal(t, int64(1), series[0].Rejected)
	assert.Equal(t, "150.00 USD", series[0].Revenue.String())

	assert.Equal(t, int64(1), series[1].Accepted)
	assert.Equal(t, "25.00 USD", series[1].Revenue.String())

	assert.InDelta(t, 0.75, tr.ConversionRate(), 1e-9)
}

func TestTrackerDropsLateEvents(t *testing.T) {
	tr := newTestTracker(DefaultConfig())
	buyerID := uuid.New()

	// advance the watermark an hour past the anchor
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 100, monday.Add(time.Hour)))
	drainEvents(tr)

	// an hour-old event is far outside the lateness window
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 999, monday))
	drainEvents(tr)
	assert.Empty(t, tr.RevenueSeries(monday, monday.Add(30*time.Minute)),
		"events behind the lateness window never land")

	// slightly out of order is still attributed
	within := monday.Add(time.Hour - 2*time.Minute)
	tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, 10, within))
	drainEvents(tr)

	series := tr.RevenueSeries(monday, monday.Add(2*time.Hour))
	require.Len(t, series, 2)
	assert.Equal(t, "10.00 USD", series[0].Revenue.String())
}

func TestBuyerPerformanceAndAcceptanceAlert(t *testing.T) {
	tr := newTestTracker(DefaultConfig())
	buyerID := uuid.New()

	for i := 0; i < 10; i++ {
		a := resolvedAllocation(buyerID, allocation.StatusRejected, 100, monday)
		if i < 2 {
			a.Status = allocation.StatusAccepted
		}
		tr.AllocationCreated(a)
		tr.AllocationResolved(a)
	}
	drainEvents(tr)

	m, ok := tr.BuyerPerformance(buyerID)
	require.True(t, ok)
	assert.Equal(t, int64(10), m.Allocations)
	assert.Equal(t, int64(2), m.Accepted)
	assert.Equal(t, int64(8), m.Rejected)
	assert.InDelta(t, 0.2, m.AcceptanceRate, 1e-9)
	assert.Equal(t, "200.00 USD", m.Revenue.String())

	alerts := collectAlerts(tr)
	require.Len(t, alerts, 1, "alerts are throttled per bucket interval")
	assert.Equal(t, "buyer_acceptance_low", alerts[0].Kind)
	assert.InDelta(t, 0.2, alerts[0].Value, 1e-9)

	_, ok = tr.BuyerPerformance(uuid.New())
	assert.False(t, ok)
}

func TestConversionRateAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptanceAlertThreshold = 0 // keep the per-buyer alert quiet

	tr := newTestTracker(cfg)
	for i := 0; i < 20; i++ {
		status := allocation.StatusRejected
		if i < 2 {
			status = allocation.StatusAccepted
		}
		tr.AllocationResolved(resolvedAllocation(uuid.New(), status, 100, monday))
	}
	drainEvents(tr)

	alerts := collectAlerts(tr)
	require.Len(t, alerts, 1)
	assert.Equal(t, "conversion_rate_low", alerts[0].Kind)
	assert.InDelta(t, 0.1, alerts[0].Value, 1e-9)
}

func TestTierDistribution(t *testing.T) {
	tr := newTestTracker(DefaultConfig())

	tr.LeadScored(values.TierPremium, monday)
	tr.LeadScored(values.TierPremium, monday)
	tr.LeadScored(values.TierStandard, monday)
	drainEvents(tr)

	dist := tr.TierDistribution()
	assert.Equal(t, int64(2), dist[values.TierPremium])
	assert.Equal(t, int64(1), dist[values.TierStandard])
	assert.Zero(t, dist[values.TierBasic])
}

func TestRaiseAlertForwardsToStream(t *testing.T) {
	tr := newTestTracker(DefaultConfig())

	tr.RaiseAlert("calibration_divergence", "candidate regressed", 0.4, 0.9)

	alerts := collectAlerts(tr)
	require.Len(t, alerts, 1)
	assert.Equal(t, "calibration_divergence", alerts[0].Kind)
	assert.Equal(t, 0.4, alerts[0].Value)
}

func TestForecastProjectsLinearTrend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeasonalFactors = nil

	tr := newTestTracker(cfg)
	buyerID := uuid.New()
	for i, revenue := range []float64{100, 200, 300} {
		at := monday.Add(time.Duration(i) * time.Hour)
		tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, revenue, at))
	}
	drainEvents(tr)

	points, err := tr.Forecast(2)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, monday.Add(3*time.Hour), points[0].Start)
	assert.Equal(t, "400.00 USD", points[0].Revenue.String())
	assert.Equal(t, 1.0, points[0].Seasonal)
	assert.Equal(t, "500.00 USD", points[1].Revenue.String())
}

func TestForecastFloorsAtZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeasonalFactors = nil

	tr := newTestTracker(cfg)
	buyerID := uuid.New()
	for i, revenue := range []float64{300, 200, 100} {
		at := monday.Add(time.Duration(i) * time.Hour)
		tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, revenue, at))
	}
	drainEvents(tr)

	points, err := tr.Forecast(2)
	require.NoError(t, err)
	assert.Equal(t, "0.00 USD", points[0].Revenue.String())
	assert.Equal(t, "0.00 USD", points[1].Revenue.String())
}

// TestForecastConcurrentWithIngest fits trend lines while buckets keep
// mutating, exercising the snapshot taken under the lock.
func TestForecastConcurrentWithIngest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeasonalFactors = nil

	tr := newTestTracker(cfg)
	buyerID := uuid.New()
	for i, revenue := range []float64{100, 200, 300} {
		at := monday.Add(time.Duration(i) * time.Hour)
		tr.AllocationResolved(resolvedAllocation(buyerID, allocation.StatusAccepted, revenue, at))
	}
	drainEvents(tr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			at := monday.Add(2*time.Hour + time.Duration(i)*time.Second)
			tr.apply(event{
				typ:   eventAllocationResolved,
				alloc: resolvedAllocation(buyerID, allocation.StatusAccepted, 5, at),
				ts:    at,
			})
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := tr.Forecast(2); err != nil {
			t.Errorf("forecast failed: %v", err)
		}
	}
	<-done
}

func TestForecastErrors(t *testing.T) {
	tr := newTestTracker(DefaultConfig())

	_, err := tr.Forecast(0)
	assert.True(t, errors.IsCode(err, "INVALID_HORIZON"))

	_, err = tr.Forecast(3)
	assert.True(t, errors.IsCode(err, "INSUFFICIENT_HISTORY"))
}

func TestSeasonalFactor(t *testing.T) {
	tr := newTestTracker(DefaultConfig())

	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0.8, tr.seasonalFactor(saturday))
	assert.Equal(t, 1.0, tr.seasonalFactor(monday))
}
