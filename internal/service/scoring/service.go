package scoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/cache"
	"github.com/davidleathers/leadflow-engine/internal/metrics"
)

type service struct {
	weights *weights.Store
	cache   cache.Cache
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewService creates the scoring engine. The cache and metrics registry
// are optional.
func NewService(ws *weights.Store, c cache.Cache, cfg Config, logger *zap.Logger, m *metrics.Registry) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		weights: ws,
		cache:   c,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

func (s *service) Score(ctx context.Context, attrs lead.AttributeSet) (*Result, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ScoringDuration.Observe(time.Since(start).Seconds())
		}
	}()

	sub, err := ComputeSubScores(attrs)
	if err != nil {
		return nil, err
	}

	active := s.weights.Active()
	key := fmt.Sprintf("score:%x:v%d", attrs.Hash(), active.VersionID)

	if s.cache != nil {
		var cached Result
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.ScoreCacheHits.Inc()
			}
			return &cached, nil
		} else if !cache.IsMiss(err) {
			s.logger.Warn("score cache read failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ScoreCacheMisses.Inc()
		}
	}

	result := s.compose(sub, active)

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, result, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("score cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

func (s *service) compose(sub SubScores, active *weights.Version) *Result {
	score := values.ClampScore(Compose(sub, active.Weights))
	tier := values.TierFromScore(score)

	// Revenue and probability scale the tier base by how far into the
	// tier the score sits.
	ratio := score / values.MaxScore
	revenue := values.MustNewMoneyFromFloat(s.cfg.TierBaseValues[tier]*ratio, values.USD).Round(2)
	prob := s.cfg.TierBaseProbs[tier] * ratio

	return &Result{
		Score:                 score,
		Tier:                  tier,
		RevenuePotential:      revenue,
		ConversionProbability: prob,
		SubScores:             sub,
		WeightVersion:         active.VersionID,
	}
}
