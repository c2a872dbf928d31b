package routing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
)

// Start launches the retry and expiry loops. Both exit when ctx is done.
func (s *Service) Start(ctx context.Context) {
	go s.retryLoop(ctx)
	go s.reapLoop(ctx)
}

// retryLoop drains the capacity retry queue on a fixed cadence
func (s *Service) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.drainRetries(ctx, now)
		}
	}
}

func (s *Service) drainRetries(ctx context.Context, now time.Time) {
	for _, e := range s.queue.due(now) {
		l, err := s.store.GetLead(ctx, e.leadID)
		if err != nil {
			if !repository.IsNotFound(err) {
				s.logger.Warn("retry load failed",
					zap.String("lead_id", e.leadID.String()), zap.Error(err))
			}
			continue
		}
		if l.State.IsTerminal() {
			continue
		}

		if e.attempts >= s.cfg.MaxRetryAttempts || now.Sub(e.enqueuedAt) > s.cfg.RetryTTL {
			s.drop(ctx, l, fmt.Sprintf("no buyer capacity after %d attempts", e.attempts))
			continue
		}

		if _, err := s.allocateOnce(ctx, l); err != nil {
			// Only a definitively non-retryable failure is terminal.
			// Exhausted capacity and infrastructure hiccups both wait
			// for the next tick, bounded by attempts and the TTL.
			if _, ok := errors.AsApp(err); ok && !errors.IsRetryable(err) {
				s.drop(ctx, l, err.Error())
			} else {
				s.queue.requeue(e, now, s.cfg.RetryInterval)
			}
		}
	}
}

// reapLoop expires pending allocations whose delivery window lapsed,
// releasing the buyer's slot and re-routing the lead within its bound.
func (s *Service) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapExpired(ctx, now)
		}
	}
}

func (s *Service) reapExpired(ctx context.Context, now time.Time) {
	pending, err := s.store.ListAllocationsByStatus(ctx, allocation.StatusPending)
	if err != nil {
		s.logger.Warn("listing pending allocations failed", zap.Error(err))
		return
	}

	for _, a := range pending {
		if !a.IsExpired(now) {
			continue
		}

		a.Expire()
		if err := s.store.UpdateAllocation(ctx, a); err != nil {
			// A concurrent delivery confirmation wins the version race.
			if !repository.IsOptimisticLock(err) {
				s.logger.Warn("expiring allocation failed",
					zap.String("allocation_id", a.ID.String()), zap.Error(err))
			}
			continue
		}

		s.ledger.Release(a.BuyerID)
		if s.metrics != nil {
			s.metrics.AllocationsTotal.WithLabelValues("expired").Inc()
		}
		if s.sink != nil {
			s.sink.AllocationResolved(a)
		}
		s.logger.Info("allocation expired",
			zap.String("allocation_id", a.ID.String()),
			zap.String("buyer_id", a.BuyerID.String()))

		l, err := s.store.GetLead(ctx, a.LeadID)
		if err != nil {
			continue
		}
		if err := l.Transition(lead.StateExpired); err != nil {
			continue
		}
		if err := s.store.UpdateLead(ctx, l); err != nil {
			s.logger.Warn("persisting expired lead failed", zap.Error(err))
			continue
		}
		s.rerouteOrDrop(ctx, l, "delivery window expired")
	}
}
