package calibration

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/metrics"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
)

// Config tunes the feedback calibration loop
type Config struct {
	Interval time.Duration

	// MinSamples gates a cycle: fewer new outcomes than this and the
	// cycle is skipped.
	MinSamples int

	// MaxDelta bounds the per-component weight change per cycle
	MaxDelta float64

	LearningRate float64

	// HoldoutFraction of samples reserved for candidate evaluation
	HoldoutFraction float64

	// AcceptThreshold is the composite score above which a lead is
	// predicted accepted when measuring accuracy.
	AcceptThreshold float64
}

// DefaultConfig returns the stock calibration tuning
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		MinSamples:      20,
		MaxDelta:        0.05,
		LearningRate:    0.1,
		HoldoutFraction: 0.2,
		AcceptThreshold: 70,
	}
}

// AlertFunc receives calibration alerts, typically wired to the
// analytics tracker.
type AlertFunc func(kind, message string, value, threshold float64)

// CycleResult describes one calibration cycle
type CycleResult struct {
	Skipped   bool
	Activated bool
	Discarded bool

	Samples           int
	Candidate         weights.Vector
	CandidateAccuracy float64
	ActiveAccuracy    float64
	Version           *weights.Version
}

// Calibrator periodically folds buyer feedback into the scoring weights.
// Candidates that regress against held-out outcomes are discarded, so a
// divergent adjustment can never replace the active version.
type Calibrator struct {
	store    repository.Store
	weights  *weights.Store
	strategy Strategy
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Registry
	alert    AlertFunc

	// watermark and processed guard against re-calibrating on records
	// already consumed by an earlier cycle.
	watermark time.Time
	processed map[string]time.Time
}

// NewCalibrator creates the calibrator. Alert and metrics are optional;
// a nil strategy gets the correlation default.
func NewCalibrator(store repository.Store, ws *weights.Store, strategy Strategy, cfg Config, logger *zap.Logger, m *metrics.Registry, alert AlertFunc) *Calibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == nil {
		strategy = CorrelationStrategy{LearningRate: cfg.LearningRate}
	}
	return &Calibrator{
		store:     store,
		weights:   ws,
		strategy:  strategy,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		alert:     alert,
		processed: make(map[string]time.Time),
	}
}

// Run executes calibration cycles until ctx is done
func (c *Calibrator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				c.logger.Error("calibration cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle performs one calibration pass over the feedback accumulated
// since the previous cycle.
func (c *Calibrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	samples, err := c.collectSamples(ctx)
	if err != nil {
		return nil, err
	}

	if len(samples) < c.cfg.MinSamples {
		c.countCycle("skipped")
		return &CycleResult{Skipped: true, Samples: len(samples)}, nil
	}

	train, holdout := c.split(samples)
	active := c.weights.Active()

	delta := c.clampDelta(c.strategy.ProposeDelta(active.Weights, train))
	candidate := floorAtZero(active.Weights.Add(delta)).Normalize()

	candidateAcc := c.accuracy(candidate, holdout)
	activeAcc := c.accuracy(active.Weights, holdout)

	result := &CycleResult{
		Samples:           len(samples),
		Candidate:         candidate,
		CandidateAccuracy: candidateAcc,
		ActiveAccuracy:    activeAcc,
	}

	if candidateAcc < activeAcc {
		result.Discarded = true
		c.countCycle("discarded")
		c.logger.Warn("calibration candidate regressed, keeping active weights",
			zap.Float64("candidate_accuracy", candidateAcc),
			zap.Float64("active_accuracy", activeAcc),
			zap.Int("samples", len(samples)))
		if c.alert != nil {
			c.alert("calibration_divergence",
				"candidate weight vector regressed on held-out feedback",
				candidateAcc, activeAcc)
		}
		return result, nil
	}

	ver, err := c.weights.Activate(candidate, weights.Performance{
		PredictedAcceptance: candidateAcc,
		SampleSize:          len(samples),
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.PutWeightVersion(ctx, ver); err != nil {
		c.logger.Warn("persisting weight version failed", zap.Error(err))
	}

	result.Activated = true
	result.Version = ver
	c.countCycle("activated")
	c.logger.Info("calibration activated new weights",
		zap.Int64("version", ver.VersionID),
		zap.Float64("accuracy", candidateAcc),
		zap.Int("samples", len(samples)))
	return result, nil
}

// collectSamples loads unprocessed feedback and joins each record to its
// lead's sub-scores. Records already consumed, and records whose lead is
// gone, are skipped.
func (c *Calibrator) collectSamples(ctx context.Context) ([]Sample, error) {
	records, err := c.store.ListFeedbackSince(ctx, c.watermark)
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, r := range records {
		key := r.Key()
		if _, seen := c.processed[key]; seen {
			continue
		}

		l, err := c.store.GetLead(ctx, r.LeadID)
		if err != nil {
			if repository.IsNotFound(err) {
				c.processed[key] = r.Timestamp
				continue
			}
			return nil, err
		}
		sub, err := scoring.ComputeSubScores(l.Attributes)
		if err != nil {
			c.processed[key] = r.Timestamp
			continue
		}

		samples = append(samples, Sample{Sub: sub, Accepted: r.Outcome == feedback.OutcomeAccepted})
		c.processed[key] = r.Timestamp
		if r.Timestamp.After(c.watermark) {
			c.watermark = r.Timestamp
		}
	}

	c.pruneProcessed()
	return samples, nil
}

// split reserves every k-th sample for held-out evaluation
func (c *Calibrator) split(samples []Sample) (train, holdout []Sample) {
	k := 5
	if c.cfg.HoldoutFraction > 0 {
		k = int(math.Round(1 / c.cfg.HoldoutFraction))
		if k < 2 {
			k = 2
		}
	}
	for i, s := range samples {
		if i%k == 0 {
			holdout = append(holdout, s)
		} else {
			train = append(train, s)
		}
	}
	if len(holdout) == 0 {
		holdout = samples
	}
	return train, holdout
}

// accuracy measures how often the vector's composite score predicts the
// observed verdict.
func (c *Calibrator) accuracy(v weights.Vector, samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	correct := 0
	for _, s := range samples {
		predicted := scoring.Compose(s.Sub, v) >= c.cfg.AcceptThreshold
		if predicted == s.Accepted {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

// clampDelta bounds each component to the per-cycle adjustment cap
func (c *Calibrator) clampDelta(delta weights.Vector) weights.Vector {
	clamp := func(d float64) float64 {
		if d > c.cfg.MaxDelta {
			return c.cfg.MaxDelta
		}
		if d < -c.cfg.MaxDelta {
			return -c.cfg.MaxDelta
		}
		return d
	}
	return weights.Vector{
		Base:       clamp(delta.Base),
		Behavioral: clamp(delta.Behavioral),
		Timing:     clamp(delta.Timing),
		Contextual: clamp(delta.Contextual),
	}
}

// floorAtZero zeroes any component an aggressive delta pushed negative,
// so Normalize always yields a valid weight vector.
func floorAtZero(v weights.Vector) weights.Vector {
	f := func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	}
	return weights.Vector{
		Base:       f(v.Base),
		Behavioral: f(v.Behavioral),
		Timing:     f(v.Timing),
		Contextual: f(v.Contextual),
	}
}

// pruneProcessed drops dedup entries that are safely behind the watermark
func (c *Calibrator) pruneProcessed() {
	cutoff := c.watermark.Add(-time.Minute)
	for key, ts := range c.processed {
		if ts.Before(cutoff) {
			delete(c.processed, key)
		}
	}
}

func (c *Calibrator) countCycle(result string) {
	if c.metrics != nil {
		c.metrics.CalibrationCycles.WithLabelValues(result).Inc()
	}
}
