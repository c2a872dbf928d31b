package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/service/routing"
	"github.com/davidleathers/leadflow-engine/internal/service/scoring"
)

// minQualificationAttributes gates scoring: a lead is scoreable once it
// carries this many recognized attributes, or the qualification_complete
// marker arrives.
const minQualificationAttributes = 3

type ingestAttributesRequest struct {
	LeadID     *uuid.UUID        `json:"lead_id,omitempty"`
	Attributes lead.AttributeSet `json:"attributes"`
}

type ingestAttributesResponse struct {
	Lead     *lead.Lead        `json:"lead,omitempty"`
	Score    *scoring.Result   `json:"score,omitempty"`
	Decision *routing.Decision `json:"allocation,omitempty"`
	Queued   bool              `json:"queued,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

func (s *Server) handleIngestAttributes(w http.ResponseWriter, r *http.Request) {
	var req ingestAttributesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_BODY", err.Error()))
		return
	}
	if len(req.Attributes) == 0 {
		s.writeError(w, errors.NewValidationError("EMPTY_ATTRIBUTES", "attributes are required"))
		return
	}

	ctx := r.Context()

	// During a store outage the engine keeps answering score reads from
	// cache, flagged as degraded, and defers everything stateful.
	if s.deps.Degraded() {
		res, err := s.deps.Scorer.Score(ctx, req.Attributes)
		if err != nil {
			s.writeError(w, errors.NewUnavailableError("store unavailable and attributes not scoreable"))
			return
		}
		res.Degraded = true
		s.writeJSON(w, http.StatusOK, ingestAttributesResponse{Score: res, Degraded: true})
		return
	}

	l, created, err := s.loadOrCreateLead(r, req.LeadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if l.State.IsTerminal() {
		s.writeError(w, errors.NewBusinessError("LEAD_FINALIZED",
			"lead is in a terminal state and no longer accepts attributes"))
		return
	}

	l.MergeAttributes(req.Attributes)

	resp := ingestAttributesResponse{Lead: l}

	if scoreable(l) && (l.State == lead.StateCreated || l.State == lead.StateScored) {
		res, err := s.deps.Scorer.Score(ctx, l.Attributes)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := l.ApplyScore(res.Score, res.Tier, res.RevenuePotential, res.ConversionProbability); err != nil {
			s.writeError(w, err)
			return
		}
		resp.Score = res
		if s.deps.Tracker != nil {
			s.deps.Tracker.LeadScored(res.Tier, time.Now())
		}
	}

	if err := s.persistLead(ctx, l, created); err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	if l.State == lead.StateScored && l.Tier != values.TierUnqualified {
		dec, err := s.deps.Allocator.Allocate(ctx, l)
		switch {
		case err == nil:
			resp.Decision = dec
		case errors.IsCode(err, "CAPACITY_EXHAUSTED"):
			resp.Queued = true
			status = http.StatusAccepted
		default:
			s.writeError(w, err)
			return
		}
	}

	resp.Lead = l
	s.writeJSON(w, status, resp)
}

func (s *Server) loadOrCreateLead(r *http.Request, id *uuid.UUID) (*lead.Lead, bool, error) {
	if id == nil {
		return lead.NewLead(), true, nil
	}
	l, err := s.deps.Store.GetLead(r.Context(), *id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, false, errors.ErrLeadNotFound
		}
		return nil, false, errors.Wrap(err, "loading lead")
	}
	return l, false, nil
}

func (s *Server) persistLead(ctx context.Context, l *lead.Lead, created bool) error {
	if created {
		return s.deps.Store.PutLead(ctx, l)
	}
	if err := s.deps.Store.UpdateLead(ctx, l); err != nil {
		if repository.IsOptimisticLock(err) {
			return errors.NewConflictError("lead was modified concurrently, retry with fresh state").WithCause(err)
		}
		return err
	}
	return nil
}

// scoreable reports whether enough qualification signal has arrived
func scoreable(l *lead.Lead) bool {
	if _, ok := l.Attributes["qualification_complete"]; ok {
		return true
	}
	return len(l.Attributes) >= minQualificationAttributes
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	l, err := s.deps.Store.GetLead(r.Context(), id)
	if err != nil {
		if repository.IsNotFound(err) {
			s.writeError(w, errors.ErrLeadNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

type tierPricingRequest struct {
	Base    float64 `json:"base"`
	Floor   float64 `json:"floor"`
	Ceiling float64 `json:"ceiling"`
}

type registerBuyerRequest struct {
	Name                  string                        `json:"name"`
	Tier                  string                        `json:"tier"`
	Capacity              int64                         `json:"capacity"`
	AcceptanceRate        float64                       `json:"acceptance_rate"`
	Geography             []string                      `json:"geography"`
	MinQualityThreshold   float64                       `json:"min_quality_threshold"`
	Priority              int                           `json:"priority"`
	HistoricalPerformance float64                       `json:"historical_performance"`
	PriceTable            map[string]tierPricingRequest `json:"price_table"`
}

func (s *Server) handleRegisterBuyer(w http.ResponseWriter, r *http.Request) {
	var req registerBuyerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_BODY", err.Error()))
		return
	}
	if req.Name == "" || req.Capacity <= 0 || len(req.PriceTable) == 0 {
		s.writeError(w, errors.NewValidationError("INVALID_BUYER",
			"name, positive capacity, and a price table are required"))
		return
	}
	tier, err := values.ParseTier(req.Tier)
	if err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_TIER", err.Error()))
		return
	}

	table := make(buyer.PriceTable, len(req.PriceTable))
	for name, p := range req.PriceTable {
		t, err := values.ParseTier(name)
		if err != nil {
			s.writeError(w, errors.NewValidationError("INVALID_TIER", err.Error()))
			return
		}
		if p.Floor > p.Ceiling || p.Base <= 0 {
			s.writeError(w, errors.NewValidationError("INVALID_PRICING",
				"base must be positive and floor must not exceed ceiling"))
			return
		}
		table[t] = buyer.TierPricing{
			Base:    values.MustNewMoneyFromFloat(p.Base, values.USD),
			Floor:   values.MustNewMoneyFromFloat(p.Floor, values.USD),
			Ceiling: values.MustNewMoneyFromFloat(p.Ceiling, values.USD),
		}
	}

	b := buyer.NewBuyer(req.Name, tier, req.Capacity, table)
	if req.AcceptanceRate > 0 {
		b.AcceptanceRate = req.AcceptanceRate
	}
	if req.MinQualityThreshold > 0 {
		b.MinQualityThreshold = req.MinQualityThreshold
	}
	if req.HistoricalPerformance > 0 {
		b.HistoricalPerformance = req.HistoricalPerformance
	}
	b.Geography = req.Geography
	b.Priority = req.Priority

	if err := s.deps.Store.PutBuyer(r.Context(), b); err != nil {
		s.writeError(w, errors.Wrap(err, "persisting buyer"))
		return
	}
	s.deps.Ledger.Register(b.ID, b.Capacity, b.AcceptanceRate)

	s.writeJSON(w, http.StatusCreated, b)
}

type buyerResponse struct {
	*buyer.Buyer
	Utilization float64 `json:"utilization"`
	Available   int64   `json:"available"`
}

func (s *Server) handleGetBuyer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.deps.Store.GetBuyer(r.Context(), id)
	if err != nil {
		if repository.IsNotFound(err) {
			s.writeError(w, errors.ErrBuyerNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, buyerResponse{
		Buyer:       b,
		Utilization: s.deps.Ledger.Utilization(b.ID),
		Available:   s.deps.Ledger.Available(b.ID),
	})
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.deps.Store.GetAllocation(r.Context(), id)
	if err != nil {
		if repository.IsNotFound(err) {
			s.writeError(w, errors.ErrAllocationNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.deps.Allocator.ConfirmDelivery(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

type verdictRequest struct {
	FeedbackScore   float64   `json:"feedback_score"`
	ConversionValue float64   `json:"conversion_value,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

func (v *verdictRequest) at() time.Time {
	if v.Timestamp.IsZero() {
		return time.Now()
	}
	return v.Timestamp
}

func (s *Server) handleAccepted(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_BODY", err.Error()))
		return
	}
	rec, err := s.deps.Allocator.Accept(r.Context(), id, req.FeedbackScore,
		values.MustNewMoneyFromFloat(req.ConversionValue, values.USD), req.at())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_BODY", err.Error()))
		return
	}
	rec, err := s.deps.Allocator.Reject(r.Context(), id, req.FeedbackScore, req.at())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type feedbackRequest struct {
	LeadID          uuid.UUID `json:"lead_id"`
	BuyerID         uuid.UUID `json:"buyer_id"`
	Outcome         string    `json:"outcome"`
	FeedbackScore   float64   `json:"feedback_score"`
	ConversionValue float64   `json:"conversion_value,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// handleFeedback ingests a buyer verdict by lead. When the lead has a
// live delivered allocation with this buyer the verdict resolves it;
// otherwise the observation is recorded for calibration only.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_BODY", err.Error()))
		return
	}
	outcome, err := feedback.ParseOutcome(req.Outcome)
	if err != nil {
		s.writeError(w, errors.NewValidationError("INVALID_OUTCOME", err.Error()))
		return
	}
	if req.LeadID == uuid.Nil || req.BuyerID == uuid.Nil {
		s.writeError(w, errors.NewValidationError("MISSING_IDS", "lead_id and buyer_id are required"))
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ctx := r.Context()
	open, err := s.deps.Store.GetOpenAllocationByLead(ctx, req.LeadID)
	if err == nil && open.BuyerID == req.BuyerID {
		value := values.MustNewMoneyFromFloat(req.ConversionValue, values.USD)
		var rec *feedback.Record
		if outcome == feedback.OutcomeAccepted {
			rec, err = s.deps.Allocator.Accept(ctx, open.ID, req.FeedbackScore, value, ts)
		} else {
			rec, err = s.deps.Allocator.Reject(ctx, open.ID, req.FeedbackScore, ts)
		}
		if err == nil {
			s.writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.IsCode(err, "ALLOCATION_NOT_DELIVERED") {
			s.writeError(w, err)
			return
		}
		// fall through and record the observation anyway
	} else if err != nil && !repository.IsNotFound(err) {
		s.writeError(w, errors.Wrap(err, "loading allocation"))
		return
	}

	rec := feedback.New(req.LeadID, req.BuyerID, outcome, req.FeedbackScore,
		values.MustNewMoneyFromFloat(req.ConversionValue, values.USD), ts)
	if err := s.deps.Allocator.IngestFeedback(ctx, rec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleRevenueSeries(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now.Add(time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, errors.NewValidationError("INVALID_RANGE", "from must be RFC3339"))
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, errors.NewValidationError("INVALID_RANGE", "to must be RFC3339"))
			return
		}
		to = t
	}

	s.writeJSON(w, http.StatusOK, s.deps.Tracker.RevenueSeries(from, to))
}

func (s *Server) handleBuyerPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, ok := s.deps.Tracker.BuyerPerformance(id)
	if !ok {
		s.writeError(w, errors.ErrBuyerNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleTierDistribution(w http.ResponseWriter, r *http.Request) {
	dist := s.deps.Tracker.TierDistribution()
	out := make(map[string]int64, len(dist))
	for tier, n := range dist {
		out[tier.String()] = n
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversionRate(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]float64{"conversion_rate": s.deps.Tracker.ConversionRate()})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	horizon := 24
	if v := r.URL.Query().Get("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, errors.NewValidationError("INVALID_HORIZON", "horizon must be an integer"))
			return
		}
		horizon = n
	}
	points, err := s.deps.Tracker.Forecast(horizon)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  s.deps.Weights.Active(),
		"history": s.deps.Weights.History(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.deps.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

// helpers

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, errors.NewValidationError("INVALID_ID", name+" must be a UUID")
	}
	return id, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", zap.Error(err))
	}
}

type errorBody struct {
	Error *errors.AppError `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr, ok := errors.AsApp(err)
	if !ok {
		appErr = errors.NewInternalError("internal error").WithCause(err)
		s.logger.Error("unhandled error", zap.Error(err))
	}
	s.writeJSON(w, appErr.StatusCode, errorBody{Error: appErr})
}
