package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
)

// BreakerStore wraps a Store with a circuit breaker. While the breaker
// is open the engine serves cached or stale data in a flagged degraded
// mode instead of failing every request against a dead backend.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps a store with circuit breaking
func NewBreakerStore(inner Store, logger *zap.Logger) *BreakerStore {
	settings := gobreaker.Settings{
		Name:    "store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Domain outcomes are not backend failures
			if err == nil || IsNotFound(err) || IsDuplicateKey(err) || IsOptimisticLock(err) {
				return true
			}
			return false
		},
	}

	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Degraded reports whether the backend is currently unreachable
func (s *BreakerStore) Degraded() bool {
	return s.cb.State() == gobreaker.StateOpen
}

func (s *BreakerStore) exec(fn func() (interface{}, error)) (interface{}, error) {
	return s.cb.Execute(fn)
}

func (s *BreakerStore) GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.GetLead(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*lead.Lead), nil
}

func (s *BreakerStore) PutLead(ctx context.Context, l *lead.Lead) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.PutLead(ctx, l) })
	return err
}

func (s *BreakerStore) UpdateLead(ctx context.Context, l *lead.Lead) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.UpdateLead(ctx, l) })
	return err
}

func (s *BreakerStore) GetBuyer(ctx context.Context, id uuid.UUID) (*buyer.Buyer, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.GetBuyer(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*buyer.Buyer), nil
}

func (s *BreakerStore) PutBuyer(ctx context.Context, b *buyer.Buyer) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.PutBuyer(ctx, b) })
	return err
}

func (s *BreakerStore) UpdateBuyer(ctx context.Context, b *buyer.Buyer) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.UpdateBuyer(ctx, b) })
	return err
}

func (s *BreakerStore) ListBuyers(ctx context.Context) ([]*buyer.Buyer, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.ListBuyers(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*buyer.Buyer), nil
}

func (s *BreakerStore) GetAllocation(ctx context.Context, id uuid.UUID) (*allocation.Allocation, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.GetAllocation(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*allocation.Allocation), nil
}

func (s *BreakerStore) PutAllocation(ctx context.Context, a *allocation.Allocation) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.PutAllocation(ctx, a) })
	return err
}

func (s *BreakerStore) UpdateAllocation(ctx context.Context, a *allocation.Allocation) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.UpdateAllocation(ctx, a) })
	return err
}

func (s *BreakerStore) ListAllocationsByStatus(ctx context.Context, status allocation.Status) ([]*allocation.Allocation, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.ListAllocationsByStatus(ctx, status) })
	if err != nil {
		return nil, err
	}
	return v.([]*allocation.Allocation), nil
}

func (s *BreakerStore) GetOpenAllocationByLead(ctx context.Context, leadID uuid.UUID) (*allocation.Allocation, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.GetOpenAllocationByLead(ctx, leadID) })
	if err != nil {
		return nil, err
	}
	return v.(*allocation.Allocation), nil
}

func (s *BreakerStore) PutFeedback(ctx context.Context, r *feedback.Record) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.PutFeedback(ctx, r) })
	return err
}

func (s *BreakerStore) ListFeedbackSince(ctx context.Context, since time.Time) ([]*feedback.Record, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.ListFeedbackSince(ctx, since) })
	if err != nil {
		return nil, err
	}
	return v.([]*feedback.Record), nil
}

func (s *BreakerStore) PutWeightVersion(ctx context.Context, v *weights.Version) error {
	_, err := s.exec(func() (interface{}, error) { return nil, s.inner.PutWeightVersion(ctx, v) })
	return err
}

func (s *BreakerStore) ListWeightVersions(ctx context.Context) ([]*weights.Version, error) {
	v, err := s.exec(func() (interface{}, error) { return s.inner.ListWeightVersions(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*weights.Version), nil
}
