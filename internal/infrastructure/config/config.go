package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the explicit, versioned engine configuration, validated at
// load time.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Scoring     ScoringConfig     `koanf:"scoring"`
	Pricing     PricingConfig     `koanf:"pricing"`
	Routing     RoutingConfig     `koanf:"routing"`
	Calibration CalibrationConfig `koanf:"calibration"`
	Analytics   AnalyticsConfig   `koanf:"analytics"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	BurstSize         int     `koanf:"burst_size" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type ScoringConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// Base value and conversion probability per tier, scaled by the
	// composite score ratio.
	TierBaseValues map[string]float64 `koanf:"tier_base_values"`
	TierBaseProbs  map[string]float64 `koanf:"tier_base_probs" validate:"dive,gte=0,lte=1"`
}

type PricingConfig struct {
	SurgeThreshold float64 `koanf:"surge_threshold" validate:"gte=0,lte=1"`
	SurgeRamp      float64 `koanf:"surge_ramp" validate:"gt=0,lte=1"`
	SurgeMax       float64 `koanf:"surge_max" validate:"gte=1"`

	// temporal multiplier per hour-of-day bucket: "business", "evening", "night"
	TemporalFactors map[string]float64 `koanf:"temporal_factors" validate:"dive,gt=0"`

	// market multiplier per region; unlisted regions use 1.0
	MarketFactors map[string]float64 `koanf:"market_factors" validate:"dive,gt=0"`
}

type RoutingConfig struct {
	ExpectedRevenueWeight float64 `koanf:"expected_revenue_weight" validate:"gte=0"`
	AcceptanceWeight      float64 `koanf:"acceptance_weight" validate:"gte=0"`
	CapacityWeight        float64 `koanf:"capacity_weight" validate:"gte=0"`
	TierAlignmentWeight   float64 `koanf:"tier_alignment_weight" validate:"gte=0"`
	GeographyWeight       float64 `koanf:"geography_weight" validate:"gte=0"`
	HistoricalWeight      float64 `koanf:"historical_weight" validate:"gte=0"`

	MaxRetryAttempts int           `koanf:"max_retry_attempts" validate:"gte=0"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	RetryTTL         time.Duration `koanf:"retry_ttl"`
	MaxReroutes      int           `koanf:"max_reroutes" validate:"gte=0"`

	AllocationExpiry time.Duration `koanf:"allocation_expiry"`
	ReaperInterval   time.Duration `koanf:"reaper_interval"`
}

type CalibrationConfig struct {
	Interval        time.Duration `koanf:"interval"`
	MinSamples      int           `koanf:"min_samples" validate:"gt=0"`
	MaxDelta        float64       `koanf:"max_delta" validate:"gt=0,lte=0.5"`
	LearningRate    float64       `koanf:"learning_rate" validate:"gt=0"`
	HoldoutFraction float64       `koanf:"holdout_fraction" validate:"gt=0,lt=1"`
}

type AnalyticsConfig struct {
	BucketSize      time.Duration `koanf:"bucket_size"`
	LatenessWindow  time.Duration `koanf:"lateness_window"`
	RetainedBuckets int           `koanf:"retained_buckets" validate:"gt=0"`

	ConversionRateTarget     float64 `koanf:"conversion_rate_target" validate:"gte=0,lte=1"`
	AcceptanceAlertThreshold float64 `koanf:"acceptance_alert_threshold" validate:"gte=0,lte=1"`

	// seasonal forecast factor per weekday name; unlisted days use 1.0
	SeasonalFactors map[string]float64 `koanf:"seasonal_factors" validate:"dive,gt=0"`
}

// Load reads defaults, then the optional config file, then LEADFLOW_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
	}
	// Config file is optional; defaults plus env are a complete config.
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("LEADFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "LEADFLOW_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 200,
				BurstSize:         400,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Scoring: ScoringConfig{
			CacheTTL: 10 * time.Minute,
			TierBaseValues: map[string]float64{
				"premium":     250,
				"standard":    120,
				"basic":       50,
				"unqualified": 0,
			},
			TierBaseProbs: map[string]float64{
				"premium":     0.65,
				"standard":    0.45,
				"basic":       0.25,
				"unqualified": 0.05,
			},
		},
		Pricing: PricingConfig{
			SurgeThreshold: 0.80,
			SurgeRamp:      0.05,
			SurgeMax:       1.5,
			TemporalFactors: map[string]float64{
				"business": 1.0,
				"evening":  0.9,
				"night":    0.75,
			},
			MarketFactors: map[string]float64{},
		},
		Routing: RoutingConfig{
			ExpectedRevenueWeight: 0.35,
			AcceptanceWeight:      0.20,
			CapacityWeight:        0.15,
			TierAlignmentWeight:   0.10,
			GeographyWeight:       0.10,
			HistoricalWeight:      0.10,
			MaxRetryAttempts:      3,
			RetryInterval:         5 * time.Second,
			RetryTTL:              2 * time.Minute,
			MaxReroutes:           3,
			AllocationExpiry:      time.Minute,
			ReaperInterval:        5 * time.Second,
		},
		Calibration: CalibrationConfig{
			Interval:        5 * time.Minute,
			MinSamples:      20,
			MaxDelta:        0.05,
			LearningRate:    0.1,
			HoldoutFraction: 0.2,
		},
		Analytics: AnalyticsConfig{
			BucketSize:               time.Hour,
			LatenessWindow:           5 * time.Minute,
			RetainedBuckets:          24 * 7,
			ConversionRateTarget:     0.30,
			AcceptanceAlertThreshold: 0.40,
			SeasonalFactors: map[string]float64{
				"Saturday": 0.8,
				"Sunday":   0.7,
			},
		},
	}
}
