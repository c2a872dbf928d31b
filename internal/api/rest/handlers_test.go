package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/cache"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/config"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/service/analytics"
	"github.com/davidleathers/leadflow-engine/internal/service/pricing"
	"github.com/davidleathers/leadflow-engine/internal/service/routing"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
	"github.com/davidleathers/leadflow-engine/internal/testutil/fixtures"
)

type testEnv struct {
	handler  http.Handler
	server   *Server
	store    repository.Store
	ledger   *buyer.CapacityLedger
	tracker  *analytics.Tracker
	degraded bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   repository.NewMemoryStore(),
		ledger:  buyer.NewCapacityLedger(),
		tracker: analytics.NewTracker(analytics.DefaultConfig(), nil, nil),
	}

	ws := weights.NewStore()
	scorer := scoring.NewService(ws, cache.NewMemoryCache(), scoring.DefaultConfig(), nil, nil)
	pricer := pricing.NewEngine(pricing.DefaultConfig())
	allocator := routing.NewService(env.store, env.ledger, pricer, env.tracker, routing.DefaultConfig(), nil, nil)

	srv := NewServer(config.ServerConfig{
		Port:         8080,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		RateLimit:    config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000},
	}, Deps{
		Store:     env.store,
		Ledger:    env.ledger,
		Scorer:    scorer,
		Allocator: allocator,
		Tracker:   env.tracker,
		Weights:   ws,
		Degraded:  func() bool { return env.degraded },
		Gatherer:  prometheus.NewRegistry(),
	}, nil)

	env.server = srv
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) registerBuyer(t *testing.T) *buyer.Buyer {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/v1/buyers", map[string]interface{}{
		"name":            "Acme Leads",
		"tier":            "standard",
		"capacity":        5,
		"acceptance_rate": 0.8,
		"price_table": map[string]interface{}{
			"premium":  map[string]float64{"base": 200, "floor": 100, "ceiling": 400},
			"standard": map[string]float64{"base": 100, "floor": 50, "ceiling": 200},
			"basic":    map[string]float64{"base": 40, "floor": 20, "ceiling": 80},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[*buyer.Buyer](t, rec)
	return b
}

func ingestBody(attrs lead.AttributeSet) map[string]interface{} {
	return map[string]interface{}{"attributes": attrs}
}

func TestIngestScoresAndAllocates(t *testing.T) {
	env := newTestEnv(t)
	b := env.registerBuyer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", ingestBody(fixtures.PremiumAttributes()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[ingestAttributesResponse](t, rec)
	require.NotNil(t, resp.Score)
	assert.Greater(t, resp.Score.Score, 85.0)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, b.ID, resp.Decision.BuyerID)
	assert.Equal(t, lead.StateRouted, resp.Lead.State)
	assert.Equal(t, int64(1), env.ledger.Utilized(b.ID))
}

func TestIngestBelowQualificationGate(t *testing.T) {
	env := newTestEnv(t)
	env.registerBuyer(t)

	// two attributes are not enough signal to score
	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", ingestBody(lead.AttributeSet{
		"intent": lead.Numeric(95),
		"budget": lead.Numeric(500),
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[ingestAttributesResponse](t, rec)
	assert.Nil(t, resp.Score)
	assert.Nil(t, resp.Decision)
	assert.Equal(t, lead.StateCreated, resp.Lead.State)

	// the qualification_complete marker forces scoring on the next batch
	rec = env.do(t, http.MethodPost, "/api/v1/leads/attributes", map[string]interface{}{
		"lead_id": resp.Lead.ID,
		"attributes": lead.AttributeSet{
			"qualification_complete": lead.Categorical("yes"),
			"engagement":             lead.Numeric(95),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	followUp := decode[ingestAttributesResponse](t, rec)
	require.NotNil(t, followUp.Score)
	assert.Equal(t, resp.Lead.ID, followUp.Lead.ID)
}

func TestIngestQueuesWhenCapacityExhausted(t *testing.T) {
	env := newTestEnv(t) // no buyers registered

	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", ingestBody(fixtures.PremiumAttributes()))
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[ingestAttributesResponse](t, rec)
	assert.True(t, resp.Queued)
	assert.Nil(t, resp.Decision)
}

func TestIngestRejectsEmptyAttributes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[errorBody](t, rec)
	require.NotNil(t, body.Error)
	assert.Equal(t, "EMPTY_ATTRIBUTES", body.Error.Code)
}

func TestAllocationLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	b := env.registerBuyer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", ingestBody(fixtures.PremiumAttributes()))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[ingestAttributesResponse](t, rec)
	require.NotNil(t, resp.Decision)
	allocID := resp.Decision.Allocation.ID.String()

	rec = env.do(t, http.MethodPost, "/api/v1/allocations/"+allocID+"/delivered", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delivered := decode[*allocation.Allocation](t, rec)
	assert.Equal(t, allocation.StatusDelivered, delivered.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/allocations/"+allocID+"/accepted", map[string]interface{}{
		"feedback_score":   4.5,
		"conversion_value": 500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	verdict := decode[*feedback.Record](t, rec)
	assert.Equal(t, feedback.OutcomeAccepted, verdict.Outcome)
	assert.Equal(t, b.ID, verdict.BuyerID)
	assert.Equal(t, int64(0), env.ledger.Utilized(b.ID))

	// a second verdict on the same allocation is refused
	rec = env.do(t, http.MethodPost, "/api/v1/allocations/"+allocID+"/rejected", map[string]interface{}{
		"feedback_score": 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestFeedbackWithoutOpenAllocation(t *testing.T) {
	env := newTestEnv(t)
	b := env.registerBuyer(t)
	l := fixtures.NewLead().Scored(80).Build()

	rec := env.do(t, http.MethodPost, "/api/v1/feedback", map[string]interface{}{
		"lead_id":        l.ID,
		"buyer_id":       b.ID,
		"outcome":        "rejected",
		"feedback_score": 2,
		"timestamp":      time.Now().Format(time.RFC3339Nano),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code,
		"observations without a live allocation are recorded for calibration")
}

func TestFeedbackRejectsUnknownOutcome(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/feedback", map[string]interface{}{
		"lead_id":  fixtures.NewLead().Build().ID,
		"buyer_id": fixtures.NewBuyer().Build().ID,
		"outcome":  "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterBuyerValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/buyers", map[string]interface{}{
		"name":     "No Table",
		"tier":     "standard",
		"capacity": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/buyers", map[string]interface{}{
		"name":     "Bad Tier",
		"tier":     "platinum",
		"capacity": 5,
		"price_table": map[string]interface{}{
			"standard": map[string]float64{"base": 100, "floor": 50, "ceiling": 200},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuyerIncludesUtilization(t *testing.T) {
	env := newTestEnv(t)
	b := env.registerBuyer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/buyers/"+b.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]interface{}](t, rec)
	assert.Equal(t, float64(0), resp["utilization"])
	assert.Equal(t, float64(5), resp["available"])
}

func TestGetLeadNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/leads/"+fixtures.NewLead().Build().ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/leads/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestStaleLeadUpdateMapsToConflict covers the version race between two
// writers of the same lead: the loser gets a retryable 409, not a 500.
func TestStaleLeadUpdateMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	l := lead.NewLead()
	require.NoError(t, env.store.PutLead(ctx, l))

	stale, err := env.store.GetLead(ctx, l.ID)
	require.NoError(t, err)
	fresh, err := env.store.GetLead(ctx, l.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateLead(ctx, fresh))

	err = env.server.persistLead(ctx, stale, false)
	require.Error(t, err)
	app, ok := errors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", app.Code)
	assert.Equal(t, http.StatusConflict, app.StatusCode)
	assert.True(t, errors.IsRetryable(err))
}

func TestDegradedModeServesCachedScores(t *testing.T) {
	env := newTestEnv(t)
	env.degraded = true

	rec := env.do(t, http.MethodPost, "/api/v1/leads/attributes", ingestBody(fixtures.PremiumAttributes()))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ingestAttributesResponse](t, rec)
	assert.True(t, resp.Degraded)
	require.NotNil(t, resp.Score)
	assert.True(t, resp.Score.Degraded)
	assert.Nil(t, resp.Lead, "nothing is persisted while degraded")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.degraded = true
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWeightsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/weights", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Active  *weights.Version   `json:"active"`
		History []*weights.Version `json:"history"`
	}](t, rec)
	require.NotNil(t, resp.Active)
	assert.Equal(t, int64(1), resp.Active.VersionID)
	assert.Len(t, resp.History, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
