package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the engine's Prometheus metrics
type Registry struct {
	ScoringDuration    prometheus.Histogram
	ScoreCacheHits     prometheus.Counter
	ScoreCacheMisses   prometheus.Counter
	AllocationsTotal   *prometheus.CounterVec
	LeadsDropped       prometheus.Counter
	ReroutesTotal      prometheus.Counter
	BuyerUtilization   *prometheus.GaugeVec
	QuotedPrice        prometheus.Histogram
	CalibrationCycles  *prometheus.CounterVec
	FeedbackIngested   prometheus.Counter
	AnalyticsLateDrops prometheus.Counter
}

// NewRegistry creates and registers the engine metrics
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ScoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leadflow",
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time to score a lead.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		ScoreCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "scoring",
			Name:      "cache_hits_total",
			Help:      "Score cache hits.",
		}),
		ScoreCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "scoring",
			Name:      "cache_misses_total",
			Help:      "Score cache misses.",
		}),
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "routing",
			Name:      "allocations_total",
			Help:      "Allocation outcomes by status.",
		}, []string{"status"}),
		LeadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "routing",
			Name:      "leads_dropped_total",
			Help:      "Leads dropped after exhausting retries.",
		}),
		ReroutesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "routing",
			Name:      "reroutes_total",
			Help:      "Re-route attempts after rejection or expiry.",
		}),
		BuyerUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "leadflow",
			Subsystem: "routing",
			Name:      "buyer_utilization",
			Help:      "Buyer capacity utilization fraction.",
		}, []string{"buyer"}),
		QuotedPrice: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leadflow",
			Subsystem: "pricing",
			Name:      "quote_value",
			Help:      "Quoted allocation prices.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		CalibrationCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "calibration",
			Name:      "cycles_total",
			Help:      "Calibration cycles by result.",
		}, []string{"result"}),
		FeedbackIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "feedback",
			Name:      "records_total",
			Help:      "Feedback records ingested.",
		}),
		AnalyticsLateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "analytics",
			Name:      "late_events_total",
			Help:      "Events dropped for arriving outside the lateness window.",
		}),
	}

	reg.MustRegister(
		r.ScoringDuration,
		r.ScoreCacheHits,
		r.ScoreCacheMisses,
		r.AllocationsTotal,
		r.LeadsDropped,
		r.ReroutesTotal,
		r.BuyerUtilization,
		r.QuotedPrice,
		r.CalibrationCycles,
		r.FeedbackIngested,
		r.AnalyticsLateDrops,
	)
	return r
}
