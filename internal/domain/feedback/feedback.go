package feedback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Outcome is the buyer's verdict on a delivered lead
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeAccepted
)

func (o Outcome) String() string {
	if o == OutcomeAccepted {
		return "accepted"
	}
	return "rejected"
}

// ParseOutcome parses an outcome name from the feedback API
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "accepted":
		return OutcomeAccepted, nil
	case "rejected":
		return OutcomeRejected, nil
	default:
		return OutcomeRejected, fmt.Errorf("unknown outcome: %q", s)
	}
}

// Record is one buyer outcome for a delivered lead. Immutable once written.
type Record struct {
	ID              uuid.UUID    `json:"id"`
	LeadID          uuid.UUID    `json:"lead_id"`
	BuyerID         uuid.UUID    `json:"buyer_id"`
	Outcome         Outcome      `json:"outcome"`
	FeedbackScore   float64      `json:"feedback_score"`
	ConversionValue values.Money `json:"conversion_value"`
	Timestamp       time.Time    `json:"timestamp"`
}

// New creates a feedback record
func New(leadID, buyerID uuid.UUID, outcome Outcome, score float64, value values.Money, ts time.Time) *Record {
	return &Record{
		ID:              uuid.New(),
		LeadID:          leadID,
		BuyerID:         buyerID,
		Outcome:         outcome,
		FeedbackScore:   score,
		ConversionValue: value,
		Timestamp:       ts,
	}
}

// Key is the deduplication key: re-submitting an identical record must
// not be ingested (or calibrated on) twice.
func (r *Record) Key() string {
	return fmt.Sprintf("%s:%s:%d", r.LeadID, r.BuyerID, r.Timestamp.UnixNano())
}
