package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/metrics"
)

// Config tunes aggregation and alerting
type Config struct {
	BucketSize      time.Duration
	LatenessWindow  time.Duration
	RetainedBuckets int

	ConversionRateTarget     float64
	AcceptanceAlertThreshold float64

	// SeasonalFactors scale forecasts by weekday name
	SeasonalFactors map[string]float64

	BufferSize int
}

// DefaultConfig returns the stock analytics tuning
func DefaultConfig() Config {
	return Config{
		BucketSize:               time.Hour,
		LatenessWindow:           5 * time.Minute,
		RetainedBuckets:          168,
		ConversionRateTarget:     0.30,
		AcceptanceAlertThreshold: 0.40,
		SeasonalFactors: map[string]float64{
			"Saturday": 0.8,
			"Sunday":   0.7,
		},
		BufferSize: 1024,
	}
}

// Alert is an operational anomaly surfaced by the tracker
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

type eventType int

const (
	eventAllocationCreated eventType = iota
	eventAllocationResolved
	eventFeedback
	eventLeadScored
)

type event struct {
	typ   eventType
	alloc *allocation.Allocation
	fb    *feedback.Record
	tier  values.Tier
	ts    time.Time
}

type bucket struct {
	start           time.Time
	allocations     int64
	delivered       int64
	accepted        int64
	rejected        int64
	expired         int64
	revenue         decimal.Decimal
	conversionValue decimal.Decimal
}

type buyerStat struct {
	allocations int64
	accepted    int64
	rejected    int64
	revenue     decimal.Decimal
}

// Tracker ingests allocation lifecycle events over a buffered channel so
// the allocation hot path never blocks on analytics, aggregates them
// into fixed time buckets, and raises threshold alerts.
type Tracker struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry

	events chan event
	alerts chan Alert

	mu         sync.RWMutex
	buckets    map[int64]*bucket
	buyers     map[uuid.UUID]*buyerStat
	tiers      map[values.Tier]int64
	watermark  time.Time
	lastAlerts map[string]time.Time
}

// NewTracker creates the tracker. Metrics are optional.
func NewTracker(cfg Config, logger *zap.Logger, m *metrics.Registry) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		events:     make(chan event, cfg.BufferSize),
		alerts:     make(chan Alert, 64),
		buckets:    make(map[int64]*bucket),
		buyers:     make(map[uuid.UUID]*buyerStat),
		tiers:      make(map[values.Tier]int64),
		lastAlerts: make(map[string]time.Time),
	}
}

// Run consumes events until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-t.events:
			t.apply(e)
		}
	}
}

// Alerts exposes the anomaly stream
func (t *Tracker) Alerts() <-chan Alert {
	return t.alerts
}

// AllocationCreated implements routing.EventSink
func (t *Tracker) AllocationCreated(a *allocation.Allocation) {
	t.push(event{typ: eventAllocationCreated, alloc: a, ts: a.CreatedAt})
}

// AllocationResolved implements routing.EventSink
func (t *Tracker) AllocationResolved(a *allocation.Allocation) {
	ts := a.CreatedAt
	if a.ResolvedAt != nil {
		ts = *a.ResolvedAt
	}
	t.push(event{typ: eventAllocationResolved, alloc: a, ts: ts})
}

// FeedbackRecorded implements routing.EventSink
func (t *Tracker) FeedbackRecorded(r *feedback.Record) {
	t.push(event{typ: eventFeedback, fb: r, ts: r.Timestamp})
}

// LeadScored feeds the tier distribution
func (t *Tracker) LeadScored(tier values.Tier, at time.Time) {
	t.push(event{typ: eventLeadScored, tier: tier, ts: at})
}

// RaiseAlert injects an external alert into the stream. Satisfies the
// calibration AlertFunc signature.
func (t *Tracker) RaiseAlert(kind, message string, value, threshold float64) {
	t.emit(Alert{Kind: kind, Message: message, Value: value, Threshold: threshold, At: time.Now()})
}

func (t *Tracker) push(e event) {
	select {
	case t.events <- e:
	default:
		t.logger.Warn("analytics buffer full, event dropped")
	}
}

func (t *Tracker) apply(e event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Out-of-order events inside the lateness window land in their own
	// bucket; older than that they are dropped, never misattributed.
	if e.ts.Before(t.watermark.Add(-t.cfg.LatenessWindow)) {
		if t.metrics != nil {
			t.metrics.AnalyticsLateDrops.Inc()
		}
		t.logger.Debug("late event dropped", zap.Time("event_ts", e.ts))
		return
	}
	if e.ts.After(t.watermark) {
		t.watermark = e.ts
	}

	b := t.bucketFor(e.ts)
	switch e.typ {
	case eventAllocationCreated:
		b.allocations++
		t.buyer(e.alloc.BuyerID).allocations++

	case eventAllocationResolved:
		bs := t.buyer(e.alloc.BuyerID)
		switch e.alloc.Status {
		case allocation.StatusAccepted:
			b.accepted++
			b.revenue = b.revenue.Add(e.alloc.Price.Amount())
			bs.accepted++
			bs.revenue = bs.revenue.Add(e.alloc.Price.Amount())
		case allocation.StatusRejected:
			b.rejected++
			bs.rejected++
		case allocation.StatusExpired:
			b.expired++
		}
		t.checkThresholds(e.ts, e.alloc.BuyerID, bs)

	case eventFeedback:
		b.conversionValue = b.conversionValue.Add(e.fb.ConversionValue.Amount())

	case eventLeadScored:
		t.tiers[e.tier]++
	}

	t.prune()
}

func (t *Tracker) bucketFor(ts time.Time) *bucket {
	start := ts.Truncate(t.cfg.BucketSize)
	key := start.Unix()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{start: start}
		t.buckets[key] = b
	}
	return b
}

func (t *Tracker) buyer(id uuid.UUID) *buyerStat {
	s, ok := t.buyers[id]
	if !ok {
		s = &buyerStat{}
		t.buyers[id] = s
	}
	return s
}

func (t *Tracker) prune() {
	if len(t.buckets) <= t.cfg.RetainedBuckets {
		return
	}
	cutoff := t.watermark.Add(-t.cfg.BucketSize * time.Duration(t.cfg.RetainedBuckets))
	for key, b := range t.buckets {
		if b.start.Before(cutoff) {
			delete(t.buckets, key)
		}
	}
}

// checkThresholds raises at most one alert per kind per bucket interval
func (t *Tracker) checkThresholds(now time.Time, buyerID uuid.UUID, bs *buyerStat) {
	if resolved := bs.accepted + bs.rejected; resolved >= 10 {
		rate := float64(bs.accepted) / float64(resolved)
		if rate < t.cfg.AcceptanceAlertThreshold {
			t.throttled("buyer_acceptance:"+buyerID.String(), now, Alert{
				Kind:      "buyer_acceptance_low",
				Message:   "buyer acceptance rate below threshold: " + buyerID.String(),
				Value:     rate,
				Threshold: t.cfg.AcceptanceAlertThreshold,
				At:        now,
			})
		}
	}

	if rate, total := t.conversionRateLocked(); total >= 20 && rate < t.cfg.ConversionRateTarget {
		t.throttled("conversion_rate", now, Alert{
			Kind:      "conversion_rate_low",
			Message:   "overall conversion rate below target",
			Value:     rate,
			Threshold: t.cfg.ConversionRateTarget,
			At:        now,
		})
	}
}

func (t *Tracker) throttled(key string, now time.Time, a Alert) {
	if last, ok := t.lastAlerts[key]; ok && now.Sub(last) < t.cfg.BucketSize {
		return
	}
	t.lastAlerts[key] = now
	t.emit(a)
}

func (t *Tracker) emit(a Alert) {
	select {
	case t.alerts <- a:
	default:
		t.logger.Warn("alert channel full, alert dropped", zap.String("kind", a.Kind))
	}
}

func (t *Tracker) conversionRateLocked() (float64, int64) {
	var accepted, resolved int64
	for _, b := range t.buckets {
		accepted += b.accepted
		resolved += b.accepted + b.rejected + b.expired
	}
	if resolved == 0 {
		return 0, 0
	}
	return float64(accepted) / float64(resolved), resolved
}

// BucketMetrics is one aggregated time bucket
type BucketMetrics struct {
	Start           time.Time    `json:"start"`
	Allocations     int64        `json:"allocations"`
	Accepted        int64        `json:"accepted"`
	Rejected        int64        `json:"rejected"`
	Expired         int64        `json:"expired"`
	Revenue         values.Money `json:"revenue"`
	ConversionValue values.Money `json:"conversion_value"`
}

// BuyerMetrics is the cumulative view of one buyer
type BuyerMetrics struct {
	BuyerID        uuid.UUID    `json:"buyer_id"`
	Allocations    int64        `json:"allocations"`
	Accepted       int64        `json:"accepted"`
	Rejected       int64        `json:"rejected"`
	AcceptanceRate float64      `json:"acceptance_rate"`
	Revenue        values.Money `json:"revenue"`
}

// RevenueSeries returns buckets overlapping [from, to), oldest first
func (t *Tracker) RevenueSeries(from, to time.Time) []BucketMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []BucketMetrics
	for _, b := range t.buckets {
		if b.start.Before(from) || !b.start.Before(to) {
			continue
		}
		out = append(out, t.snapshot(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (t *Tracker) snapshot(b *bucket) BucketMetrics {
	return BucketMetrics{
		Start:           b.start,
		Allocations:     b.allocations,
		Accepted:        b.accepted,
		Rejected:        b.rejected,
		Expired:         b.expired,
		Revenue:         mustMoney(b.revenue),
		ConversionValue: mustMoney(b.conversionValue),
	}
}

// BuyerPerformance returns the cumulative stats for one buyer
func (t *Tracker) BuyerPerformance(id uuid.UUID) (BuyerMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bs, ok := t.buyers[id]
	if !ok {
		return BuyerMetrics{}, false
	}
	m := BuyerMetrics{
		BuyerID:     id,
		Allocations: bs.allocations,
		Accepted:    bs.accepted,
		Rejected:    bs.rejected,
		Revenue:     mustMoney(bs.revenue),
	}
	if resolved := bs.accepted + bs.rejected; resolved > 0 {
		m.AcceptanceRate = float64(bs.accepted) / float64(resolved)
	}
	return m, true
}

// TierDistribution returns the count of scored leads per tier
func (t *Tracker) TierDistribution() map[values.Tier]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[values.Tier]int64, len(t.tiers))
	for tier, n := range t.tiers {
		out[tier] = n
	}
	return out
}

// ConversionRate returns the overall accepted fraction of resolved
// allocations across retained buckets.
func (t *Tracker) ConversionRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rate, _ := t.conversionRateLocked()
	return rate
}

func mustMoney(d decimal.Decimal) values.Money {
	m, err := values.NewMoney(d, values.USD)
	if err != nil {
		return values.Zero(values.USD)
	}
	return m.Round(2)
}
