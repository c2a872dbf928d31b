package allocation

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Allocation records a lead being routed to a buyer at a quoted price
type Allocation struct {
	ID      uuid.UUID    `json:"id"`
	LeadID  uuid.UUID    `json:"lead_id"`
	BuyerID uuid.UUID    `json:"buyer_id"`
	Price   values.Money `json:"price"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	// Version is the optimistic-concurrency token for store updates
	Version int64 `json:"version"`
}

type Status int

const (
	StatusPending Status = iota
	StatusDelivered
	StatusAccepted
	StatusRejected
	StatusExpired
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the allocation can no longer change state
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// New creates a pending allocation with the given expiry
func New(leadID, buyerID uuid.UUID, price values.Money, ttl time.Duration) *Allocation {
	now := time.Now()
	return &Allocation{
		ID:        uuid.New(),
		LeadID:    leadID,
		BuyerID:   buyerID,
		Price:     price,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// MarkDelivered records buyer confirmation before expiry
func (a *Allocation) MarkDelivered() {
	now := time.Now()
	a.Status = StatusDelivered
	a.DeliveredAt = &now
}

// Accept terminates the allocation as accepted
func (a *Allocation) Accept() {
	now := time.Now()
	a.Status = StatusAccepted
	a.ResolvedAt = &now
}

// Reject terminates the allocation as rejected
func (a *Allocation) Reject() {
	now := time.Now()
	a.Status = StatusRejected
	a.ResolvedAt = &now
}

// Expire terminates the allocation after the delivery window lapsed
func (a *Allocation) Expire() {
	now := time.Now()
	a.Status = StatusExpired
	a.ResolvedAt = &now
}

// Cancel terminates a pending allocation without buyer involvement
func (a *Allocation) Cancel() {
	now := time.Now()
	a.Status = StatusCanceled
	a.ResolvedAt = &now
}

// IsExpired reports whether the delivery window has lapsed for a
// still-pending allocation.
func (a *Allocation) IsExpired(now time.Time) bool {
	return a.Status == StatusPending && now.After(a.ExpiresAt)
}
