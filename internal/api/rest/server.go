package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/config"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/service/analytics"
	"github.com/davidleathers/leadflow-engine/internal/service/routing"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
)

// Deps are the wired components the API serves
type Deps struct {
	Store     repository.Store
	Ledger    *buyer.CapacityLedger
	Scorer    scoring.Engine
	Allocator routing.Allocator
	Tracker   *analytics.Tracker
	Weights   *weights.Store

	// Degraded reports whether the store circuit breaker is open. The
	// API then serves cached scores and refuses writes.
	Degraded func() bool

	// Gatherer backs the /metrics endpoint
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end of the engine
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the HTTP server with routing and middleware
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Degraded == nil {
		deps.Degraded = func() bool { return false }
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = rateLimit(cfg.RateLimit, logger)(handler)
	handler = requestLogger(logger)(handler)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/leads/attributes", s.handleIngestAttributes)
	mux.HandleFunc("GET /api/v1/leads/{id}", s.handleGetLead)

	mux.HandleFunc("POST /api/v1/buyers", s.handleRegisterBuyer)
	mux.HandleFunc("GET /api/v1/buyers/{id}", s.handleGetBuyer)

	mux.HandleFunc("GET /api/v1/allocations/{id}", s.handleGetAllocation)
	mux.HandleFunc("POST /api/v1/allocations/{id}/delivered", s.handleDelivered)
	mux.HandleFunc("POST /api/v1/allocations/{id}/accepted", s.handleAccepted)
	mux.HandleFunc("POST /api/v1/allocations/{id}/rejected", s.handleRejected)

	mux.HandleFunc("POST /api/v1/feedback", s.handleFeedback)

	mux.HandleFunc("GET /api/v1/analytics/revenue", s.handleRevenueSeries)
	mux.HandleFunc("GET /api/v1/analytics/buyers/{id}", s.handleBuyerPerformance)
	mux.HandleFunc("GET /api/v1/analytics/tiers", s.handleTierDistribution)
	mux.HandleFunc("GET /api/v1/analytics/conversion", s.handleConversionRate)
	mux.HandleFunc("GET /api/v1/analytics/forecast", s.handleForecast)

	mux.HandleFunc("GET /api/v1/weights", s.handleWeights)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the configured handler chain for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
