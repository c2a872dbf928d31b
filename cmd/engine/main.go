package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/api/rest"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/cache"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/config"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/database"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/leadflow-engine/internal/metrics"
	"github.com/davidleathers/leadflow-engine/internal/service/analytics"
	"github.com/davidleathers/leadflow-engine/internal/service/calibration"
	"github.com/davidleathers/leadflow-engine/internal/service/pricing"
	"github.com/davidleathers/leadflow-engine/internal/service/routing"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)

	// Store: PostgreSQL when configured, in-process otherwise. Either way
	// the circuit breaker fronts it so a backend outage flips the engine
	// into degraded mode instead of cascading.
	var inner repository.Store
	if cfg.Database.URL != "" {
		db, err := database.Connect(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting database: %w", err)
		}
		defer db.Close()
		inner = database.NewStore(db)
		logger.Info("using postgres store")
	} else {
		inner = repository.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	store := repository.NewBreakerStore(inner, logger)

	var scoreCache cache.Cache
	if cfg.Redis.Addr != "" {
		scoreCache, err = cache.NewRedisCache(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		logger.Info("using redis score cache", zap.String("addr", cfg.Redis.Addr))
	} else {
		scoreCache = cache.NewMemoryCache()
		logger.Info("using in-memory score cache")
	}
	defer scoreCache.Close()

	weightStore := weights.NewStore()

	ledger := buyer.NewCapacityLedger()
	if buyers, err := store.ListBuyers(ctx); err == nil {
		for _, b := range buyers {
			ledger.Register(b.ID, b.Capacity, b.AcceptanceRate)
		}
		logger.Info("capacity ledger seeded", zap.Int("buyers", len(buyers)))
	} else {
		logger.Warn("listing buyers failed, ledger starts empty", zap.Error(err))
	}

	scorer := scoring.NewService(weightStore, scoreCache, scoringConfig(cfg), logger, m)
	pricer := pricing.NewEngine(pricingConfig(cfg))
	tracker := analytics.NewTracker(analyticsConfig(cfg), logger, m)
	allocator := routing.NewService(store, ledger, pricer, tracker, routingConfig(cfg), logger, m)
	calibrator := calibration.NewCalibrator(store, weightStore, nil, calibrationConfig(cfg), logger, m, tracker.RaiseAlert)

	go tracker.Run(ctx)
	go calibrator.Run(ctx)
	go logAlerts(ctx, tracker, logger)
	allocator.Start(ctx)

	server := rest.NewServer(cfg.Server, rest.Deps{
		Store:     store,
		Ledger:    ledger,
		Scorer:    scorer,
		Allocator: allocator,
		Tracker:   tracker,
		Weights:   weightStore,
		Degraded:  store.Degraded,
		Gatherer:  promReg,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return nil
}

func logAlerts(ctx context.Context, tracker *analytics.Tracker, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-tracker.Alerts():
			logger.Warn("analytics alert",
				zap.String("kind", a.Kind),
				zap.String("message", a.Message),
				zap.Float64("value", a.Value),
				zap.Float64("threshold", a.Threshold))
		}
	}
}

func scoringConfig(cfg *config.Config) scoring.Config {
	out := scoring.DefaultConfig()
	out.CacheTTL = cfg.Scoring.CacheTTL
	for name, v := range cfg.Scoring.TierBaseValues {
		if t, err := values.ParseTier(name); err == nil {
			out.TierBaseValues[t] = v
		}
	}
	for name, p := range cfg.Scoring.TierBaseProbs {
		if t, err := values.ParseTier(name); err == nil {
			out.TierBaseProbs[t] = p
		}
	}
	return out
}

func pricingConfig(cfg *config.Config) pricing.Config {
	return pricing.Config{
		SurgeThreshold:  cfg.Pricing.SurgeThreshold,
		SurgeRamp:       cfg.Pricing.SurgeRamp,
		SurgeMax:        cfg.Pricing.SurgeMax,
		TemporalFactors: cfg.Pricing.TemporalFactors,
		MarketFactors:   cfg.Pricing.MarketFactors,
	}
}

func routingConfig(cfg *config.Config) routing.Config {
	return routing.Config{
		Weights: routing.PolicyWeights{
			ExpectedRevenue: cfg.Routing.ExpectedRevenueWeight,
			Acceptance:      cfg.Routing.AcceptanceWeight,
			Capacity:        cfg.Routing.CapacityWeight,
			TierAlignment:   cfg.Routing.TierAlignmentWeight,
			Geography:       cfg.Routing.GeographyWeight,
			Historical:      cfg.Routing.HistoricalWeight,
		},
		MaxRetryAttempts: cfg.Routing.MaxRetryAttempts,
		RetryInterval:    cfg.Routing.RetryInterval,
		RetryTTL:         cfg.Routing.RetryTTL,
		MaxReroutes:      cfg.Routing.MaxReroutes,
		AllocationExpiry: cfg.Routing.AllocationExpiry,
		ReaperInterval:   cfg.Routing.ReaperInterval,
	}
}

func calibrationConfig(cfg *config.Config) calibration.Config {
	out := calibration.DefaultConfig()
	out.Interval = cfg.Calibration.Interval
	out.MinSamples = cfg.Calibration.MinSamples
	out.MaxDelta = cfg.Calibration.MaxDelta
	out.LearningRate = cfg.Calibration.LearningRate
	out.HoldoutFraction = cfg.Calibration.HoldoutFraction
	return out
}

func analyticsConfig(cfg *config.Config) analytics.Config {
	out := analytics.DefaultConfig()
	out.BucketSize = cfg.Analytics.BucketSize
	out.LatenessWindow = cfg.Analytics.LatenessWindow
	out.RetainedBuckets = cfg.Analytics.RetainedBuckets
	out.ConversionRateTarget = cfg.Analytics.ConversionRateTarget
	out.AcceptanceAlertThreshold = cfg.Analytics.AcceptanceAlertThreshold
	if len(cfg.Analytics.SeasonalFactors) > 0 {
		out.SeasonalFactors = cfg.Analytics.SeasonalFactors
	}
	return out
}
