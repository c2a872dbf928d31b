package routing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/service/pricing"
)

// Allocator routes scored leads to buyers and manages the allocation
// lifecycle through delivery, acceptance, rejection, and expiry.
type Allocator interface {
	// Allocate selects the best eligible buyer with remaining capacity,
	// reserves a slot, and creates a pending allocation. When every
	// eligible buyer is saturated the lead is queued for retry and a
	// CAPACITY_EXHAUSTED error is returned.
	Allocate(ctx context.Context, l *lead.Lead) (*Decision, error)

	// ConfirmDelivery records buyer confirmation for a pending allocation
	ConfirmDelivery(ctx context.Context, allocationID uuid.UUID) (*allocation.Allocation, error)

	// Accept resolves a delivered allocation as accepted and ingests the
	// buyer's feedback.
	Accept(ctx context.Context, allocationID uuid.UUID, score float64, value values.Money, ts time.Time) (*feedback.Record, error)

	// Reject resolves a delivered allocation as rejected and attempts a
	// bounded re-route of the lead.
	Reject(ctx context.Context, allocationID uuid.UUID, score float64, ts time.Time) (*feedback.Record, error)

	// IngestFeedback records a feedback observation that arrived outside
	// the allocation lifecycle. Idempotent on the record's dedup key.
	IngestFeedback(ctx context.Context, rec *feedback.Record) error
}

// Decision explains one allocation outcome
type Decision struct {
	Allocation *allocation.Allocation `json:"allocation"`
	BuyerID    uuid.UUID              `json:"buyer_id"`
	Score      float64                `json:"routing_score"`
	Quote      pricing.Quote          `json:"quote"`
	Candidates int                    `json:"candidates"`
	Latency    time.Duration          `json:"latency"`
}

// EventSink receives allocation lifecycle events for analytics. All
// methods must be non-blocking.
type EventSink interface {
	AllocationCreated(a *allocation.Allocation)
	AllocationResolved(a *allocation.Allocation)
	FeedbackRecorded(r *feedback.Record)
}

// PolicyWeights are the routing score component weights
type PolicyWeights struct {
	ExpectedRevenue float64
	Acceptance      float64
	Capacity        float64
	TierAlignment   float64
	Geography       float64
	Historical      float64
}

// Config tunes allocation, retry, and expiry behavior
type Config struct {
	Weights PolicyWeights

	// Retry queue for leads that found no capacity
	MaxRetryAttempts int
	RetryInterval    time.Duration
	RetryTTL         time.Duration

	// MaxReroutes bounds how many times one lead may be routed in total
	MaxReroutes int

	// Delivery window per allocation, enforced by the reaper
	AllocationExpiry time.Duration
	ReaperInterval   time.Duration
}

// DefaultConfig returns the stock routing policy
func DefaultConfig() Config {
	return Config{
		Weights: PolicyWeights{
			ExpectedRevenue: 0.35,
			Acceptance:      0.20,
			Capacity:        0.15,
			TierAlignment:   0.10,
			Geography:       0.10,
			Historical:      0.10,
		},
		MaxRetryAttempts: 3,
		RetryInterval:    5 * time.Second,
		RetryTTL:         2 * time.Minute,
		MaxReroutes:      3,
		AllocationExpiry: time.Minute,
		ReaperInterval:   5 * time.Second,
	}
}
