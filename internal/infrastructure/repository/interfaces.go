package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
)

// Store is the durable-state contract the engine consumes. Update
// operations carry the entity's Version field as an optimistic-
// concurrency token and fail with ErrOptimisticLock when stale. The
// engine never assumes a specific storage engine behind this contract.
type Store interface {
	LeadStore
	BuyerStore
	AllocationStore
	FeedbackStore
	WeightStore
}

type LeadStore interface {
	GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error)
	PutLead(ctx context.Context, l *lead.Lead) error
	UpdateLead(ctx context.Context, l *lead.Lead) error
}

type BuyerStore interface {
	GetBuyer(ctx context.Context, id uuid.UUID) (*buyer.Buyer, error)
	PutBuyer(ctx context.Context, b *buyer.Buyer) error
	UpdateBuyer(ctx context.Context, b *buyer.Buyer) error
	ListBuyers(ctx context.Context) ([]*buyer.Buyer, error)
}

type AllocationStore interface {
	GetAllocation(ctx context.Context, id uuid.UUID) (*allocation.Allocation, error)
	PutAllocation(ctx context.Context, a *allocation.Allocation) error
	UpdateAllocation(ctx context.Context, a *allocation.Allocation) error
	ListAllocationsByStatus(ctx context.Context, status allocation.Status) ([]*allocation.Allocation, error)
	// GetOpenAllocationByLead returns the lead's single non-terminal
	// allocation, or ErrNotFound when none exists.
	GetOpenAllocationByLead(ctx context.Context, leadID uuid.UUID) (*allocation.Allocation, error)
}

type FeedbackStore interface {
	// PutFeedback is idempotent on Record.Key: a duplicate submission
	// returns ErrDuplicateKey and leaves the stored record untouched.
	PutFeedback(ctx context.Context, r *feedback.Record) error
	ListFeedbackSince(ctx context.Context, since time.Time) ([]*feedback.Record, error)
}

type WeightStore interface {
	PutWeightVersion(ctx context.Context, v *weights.Version) error
	ListWeightVersions(ctx context.Context) ([]*weights.Version, error)
}
