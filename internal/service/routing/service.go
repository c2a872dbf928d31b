package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
	"github.com/davidleathers/leadflow-engine/internal/metrics"
	"github.com/davidleathers/leadflow-engine/internal/service/pricing"
)

// Service implements Allocator against the store and capacity ledger
type Service struct {
	store   repository.Store
	ledger  *buyer.CapacityLedger
	pricer  *pricing.Engine
	sink    EventSink
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	queue   *retryQueue
}

// NewService creates the allocator. The sink and metrics registry are
// optional.
func NewService(store repository.Store, ledger *buyer.CapacityLedger, pricer *pricing.Engine, sink EventSink, cfg Config, logger *zap.Logger, m *metrics.Registry) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		ledger:  ledger,
		pricer:  pricer,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   newRetryQueue(),
	}
}

type candidate struct {
	buyer *buyer.Buyer
	quote pricing.Quote
	score float64
}

func (s *Service) Allocate(ctx context.Context, l *lead.Lead) (*Decision, error) {
	dec, err := s.allocateOnce(ctx, l)
	if err != nil && errors.IsCode(err, "CAPACITY_EXHAUSTED") {
		s.queue.enqueue(l.ID, time.Now(), s.cfg.RetryInterval)
	}
	return dec, err
}

// allocateOnce runs one selection pass without touching the retry queue
func (s *Service) allocateOnce(ctx context.Context, l *lead.Lead) (*Decision, error) {
	start := time.Now()

	switch l.State {
	case lead.StateScored, lead.StateRejected, lead.StateExpired:
	default:
		return nil, errors.NewBusinessError("LEAD_NOT_ROUTABLE",
			fmt.Sprintf("lead %s in state %s cannot be routed", l.ID, l.State))
	}
	if l.Tier == values.TierUnqualified {
		return nil, errors.NewBusinessError("LEAD_UNQUALIFIED",
			fmt.Sprintf("lead %s scored %.1f, below the qualification threshold", l.ID, l.Score))
	}

	buyers, err := s.store.ListBuyers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing buyers")
	}

	candidates, err := s.rankCandidates(l, buyers, time.Now())
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		// Reservation is the commit point: winning the ranking means
		// nothing unless the CAS claims a slot, so a lost race simply
		// falls through to the next candidate.
		if !s.ledger.Reserve(c.buyer.ID) {
			continue
		}

		dec, err := s.commit(ctx, l, c, len(candidates), start)
		if err != nil {
			s.ledger.Release(c.buyer.ID)
			return nil, err
		}
		return dec, nil
	}

	return nil, errors.NewCapacityExhaustedError(
		fmt.Sprintf("no eligible buyer has capacity for lead %s", l.ID))
}

// rankCandidates filters eligible buyers and orders them by routing score
func (s *Service) rankCandidates(l *lead.Lead, buyers []*buyer.Buyer, now time.Time) ([]candidate, error) {
	region := leadRegion(l)

	candidates := make([]candidate, 0, len(buyers))
	maxRevenue := 0.0
	for _, b := range buyers {
		if !b.IsActive() || l.Score < b.MinQualityThreshold || s.ledger.Available(b.ID) <= 0 {
			continue
		}
		q, err := s.pricer.Price(l.Score, l.Tier, b, s.ledger.Utilization(b.ID), region, now)
		if err != nil {
			s.logger.Warn("skipping unpriceable buyer",
				zap.String("buyer_id", b.ID.String()), zap.Error(err))
			continue
		}
		c := candidate{buyer: b, quote: q}
		if rev := q.Price.ToFloat64() * s.acceptance(b); rev > maxRevenue {
			maxRevenue = rev
		}
		candidates = append(candidates, c)
	}

	for i := range candidates {
		candidates[i].score = s.routingScore(l, &candidates[i], region, maxRevenue)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		// Ties spread load: least utilized first, then configured priority.
		au, bu := s.ledger.Utilized(a.buyer.ID), s.ledger.Utilized(b.buyer.ID)
		if au != bu {
			return au < bu
		}
		return a.buyer.Priority < b.buyer.Priority
	})
	return candidates, nil
}

// routingScore combines the policy factors, each normalized to [0,1]
func (s *Service) routingScore(l *lead.Lead, c *candidate, region string, maxRevenue float64) float64 {
	w := s.cfg.Weights
	accept := s.acceptance(c.buyer)

	revenue := 0.0
	if maxRevenue > 0 {
		revenue = c.quote.Price.ToFloat64() * accept / maxRevenue
	}

	capacity := 1.0 - s.ledger.Utilization(c.buyer.ID)

	tierDiff := int(c.buyer.Tier) - int(l.Tier)
	if tierDiff < 0 {
		tierDiff = -tierDiff
	}
	alignment := 1.0 / float64(1+tierDiff)

	geo := 0.0
	if c.buyer.MatchesGeography(region) {
		geo = 1.0
	}

	return w.ExpectedRevenue*revenue +
		w.Acceptance*accept +
		w.Capacity*capacity +
		w.TierAlignment*alignment +
		w.Geography*geo +
		w.Historical*c.buyer.HistoricalPerformance
}

// acceptance prefers the live rolling window over the stored snapshot
func (s *Service) acceptance(b *buyer.Buyer) float64 {
	if rate := s.ledger.AcceptanceRate(b.ID); rate > 0 {
		return rate
	}
	return b.AcceptanceRate
}

// commit transitions the lead, persists the allocation, and emits events.
// The capacity slot is already reserved; the caller releases it on error.
func (s *Service) commit(ctx context.Context, l *lead.Lead, c candidate, considered int, start time.Time) (*Decision, error) {
	rerouted := l.State != lead.StateScored
	if l.State == lead.StateScored {
		if err := l.Transition(lead.StatePriceQuoted); err != nil {
			return nil, err
		}
	}
	if err := l.Transition(lead.StateRouted); err != nil {
		return nil, err
	}
	l.RouteAttempts++

	a := allocation.New(l.ID, c.buyer.ID, c.quote.Price, s.cfg.AllocationExpiry)
	if err := s.store.PutAllocation(ctx, a); err != nil {
		return nil, errors.Wrap(err, "persisting allocation")
	}
	if err := s.store.UpdateLead(ctx, l); err != nil {
		// The caller releases the slot, so the pending allocation must
		// not outlive it or the reaper would release the slot again.
		a.Cancel()
		if cerr := s.store.UpdateAllocation(ctx, a); cerr != nil {
			s.logger.Error("canceling orphaned allocation failed",
				zap.String("allocation_id", a.ID.String()), zap.Error(cerr))
		}
		return nil, errors.Wrap(err, "persisting routed lead")
	}

	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues("pending").Inc()
		s.metrics.QuotedPrice.Observe(c.quote.Price.ToFloat64())
		s.metrics.BuyerUtilization.WithLabelValues(c.buyer.ID.String()).Set(s.ledger.Utilization(c.buyer.ID))
		if rerouted {
			s.metrics.ReroutesTotal.Inc()
		}
	}
	if s.sink != nil {
		s.sink.AllocationCreated(a)
	}

	s.logger.Info("lead allocated",
		zap.String("lead_id", l.ID.String()),
		zap.String("buyer_id", c.buyer.ID.String()),
		zap.Float64("routing_score", c.score),
		zap.String("price", c.quote.Price.String()),
		zap.Bool("rerouted", rerouted))

	return &Decision{
		Allocation: a,
		BuyerID:    c.buyer.ID,
		Score:      c.score,
		Quote:      c.quote,
		Candidates: considered,
		Latency:    time.Since(start),
	}, nil
}

func (s *Service) ConfirmDelivery(ctx context.Context, allocationID uuid.UUID) (*allocation.Allocation, error) {
	a, err := s.getAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if a.Status != allocation.StatusPending {
		return nil, errors.NewBusinessError("ALLOCATION_NOT_PENDING",
			fmt.Sprintf("allocation %s is %s", a.ID, a.Status))
	}
	if a.IsExpired(time.Now()) {
		return nil, errors.NewDeliveryTimeoutError(
			fmt.Sprintf("allocation %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339)))
	}

	a.MarkDelivered()
	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, errors.Wrap(err, "persisting delivery")
	}

	if l, err := s.store.GetLead(ctx, a.LeadID); err == nil {
		if err := l.Transition(lead.StateDelivered); err == nil {
			if err := s.store.UpdateLead(ctx, l); err != nil {
				s.logger.Warn("persisting delivered lead failed", zap.Error(err))
			}
		}
	}

	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues("delivered").Inc()
	}
	return a, nil
}

func (s *Service) Accept(ctx context.Context, allocationID uuid.UUID, score float64, value values.Money, ts time.Time) (*feedback.Record, error) {
	a, err := s.resolvable(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	a.Accept()
	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, errors.Wrap(err, "persisting acceptance")
	}
	s.release(a.BuyerID)

	if l, err := s.store.GetLead(ctx, a.LeadID); err == nil {
		if err := l.Transition(lead.StateAccepted); err == nil {
			if err := s.store.UpdateLead(ctx, l); err != nil {
				s.logger.Warn("persisting accepted lead failed", zap.Error(err))
			}
		}
	}

	rec := feedback.New(a.LeadID, a.BuyerID, feedback.OutcomeAccepted, score, value, ts)
	if err := s.IngestFeedback(ctx, rec); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues("accepted").Inc()
	}
	if s.sink != nil {
		s.sink.AllocationResolved(a)
	}
	return rec, nil
}

func (s *Service) Reject(ctx context.Context, allocationID uuid.UUID, score float64, ts time.Time) (*feedback.Record, error) {
	a, err := s.resolvable(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	a.Reject()
	if err := s.store.UpdateAllocation(ctx, a); err != nil {
		return nil, errors.Wrap(err, "persisting rejection")
	}
	s.release(a.BuyerID)

	rec := feedback.New(a.LeadID, a.BuyerID, feedback.OutcomeRejected, score, values.Zero(values.USD), ts)
	if err := s.IngestFeedback(ctx, rec); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues("rejected").Inc()
	}
	if s.sink != nil {
		s.sink.AllocationResolved(a)
	}

	if l, err := s.store.GetLead(ctx, a.LeadID); err == nil {
		if err := l.Transition(lead.StateRejected); err == nil {
			if err := s.store.UpdateLead(ctx, l); err != nil {
				s.logger.Warn("persisting rejected lead failed", zap.Error(err))
			} else {
				s.rerouteOrDrop(ctx, l, "rejected by buyer")
			}
		}
	}
	return rec, nil
}

func (s *Service) IngestFeedback(ctx context.Context, rec *feedback.Record) error {
	if err := s.store.PutFeedback(ctx, rec); err != nil {
		if repository.IsDuplicateKey(err) {
			s.logger.Debug("duplicate feedback ignored", zap.String("key", rec.Key()))
			return nil
		}
		return errors.Wrap(err, "persisting feedback")
	}

	s.ledger.RecordOutcome(rec.BuyerID, rec.Outcome == feedback.OutcomeAccepted)
	if s.metrics != nil {
		s.metrics.FeedbackIngested.Inc()
	}
	if s.sink != nil {
		s.sink.FeedbackRecorded(rec)
	}
	return nil
}

// rerouteOrDrop retries allocation within the re-route bound, dropping
// the lead once the bound is spent.
func (s *Service) rerouteOrDrop(ctx context.Context, l *lead.Lead, cause string) {
	if l.RouteAttempts > s.cfg.MaxReroutes {
		s.drop(ctx, l, fmt.Sprintf("%s, re-route bound reached after %d attempts", cause, l.RouteAttempts))
		return
	}
	if _, err := s.Allocate(ctx, l); err != nil && !errors.IsCode(err, "CAPACITY_EXHAUSTED") {
		s.logger.Warn("re-route failed",
			zap.String("lead_id", l.ID.String()), zap.Error(err))
	}
}

func (s *Service) drop(ctx context.Context, l *lead.Lead, reason string) {
	if err := l.Drop(reason); err != nil {
		s.logger.Warn("drop transition failed",
			zap.String("lead_id", l.ID.String()), zap.Error(err))
		return
	}
	if err := s.store.UpdateLead(ctx, l); err != nil {
		s.logger.Error("persisting dropped lead failed",
			zap.String("lead_id", l.ID.String()), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.LeadsDropped.Inc()
	}
	s.logger.Info("lead dropped",
		zap.String("lead_id", l.ID.String()), zap.String("reason", reason))
}

// release frees the capacity slot. The outcome itself reaches the
// buyer's rolling window through IngestFeedback, exactly once.
func (s *Service) release(buyerID uuid.UUID) {
	s.ledger.Release(buyerID)
	if s.metrics != nil {
		s.metrics.BuyerUtilization.WithLabelValues(buyerID.String()).Set(s.ledger.Utilization(buyerID))
	}
}

// resolvable loads an allocation that a buyer verdict may resolve
func (s *Service) resolvable(ctx context.Context, id uuid.UUID) (*allocation.Allocation, error) {
	a, err := s.getAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != allocation.StatusDelivered {
		return nil, errors.NewBusinessError("ALLOCATION_NOT_DELIVERED",
			fmt.Sprintf("allocation %s is %s, only delivered allocations take a verdict", a.ID, a.Status))
	}
	return a, nil
}

func (s *Service) getAllocation(ctx context.Context, id uuid.UUID) (*allocation.Allocation, error) {
	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, errors.ErrAllocationNotFound
		}
		return nil, errors.Wrap(err, "loading allocation")
	}
	return a, nil
}

// leadRegion extracts the optional region attribute
func leadRegion(l *lead.Lead) string {
	if v, ok := l.Attributes["region"]; ok && v.Kind == lead.KindCategorical {
		return v.Str
	}
	return ""
}
