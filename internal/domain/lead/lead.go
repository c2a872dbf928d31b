package lead

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

// Lead is a qualified entity awaiting allocation to a buyer. Attributes
// accumulate incrementally as qualification events arrive.
type Lead struct {
	ID         uuid.UUID     `json:"id"`
	Attributes AttributeSet  `json:"attributes"`
	Score      float64       `json:"score"`
	Tier       values.Tier   `json:"tier"`

	RevenuePotential      values.Money `json:"revenue_potential"`
	ConversionProbability float64      `json:"conversion_probability"`

	State         State  `json:"state"`
	RouteAttempts int    `json:"route_attempts"`
	DropReason    string `json:"drop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency token for store updates
	Version int64 `json:"version"`
}

// State tracks a lead through the allocation lifecycle
type State int

const (
	StateCreated State = iota
	StateScored
	StatePriceQuoted
	StateRouted
	StateDelivered
	StateAccepted
	StateRejected
	StateExpired
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScored:
		return "scored"
	case StatePriceQuoted:
		return "price_quoted"
	case StateRouted:
		return "routed"
	case StateDelivered:
		return "delivered"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are allowed
func (s State) IsTerminal() bool {
	return s == StateAccepted || s == StateDropped
}

// validTransitions encodes the allocation state machine. Rejected and
// Expired route back to Routed for bounded re-routing.
var validTransitions = map[State][]State{
	StateCreated:     {StateScored},
	StateScored:      {StateScored, StatePriceQuoted, StateDropped},
	StatePriceQuoted: {StateRouted, StateDropped},
	StateRouted:      {StateDelivered, StateExpired, StateDropped},
	StateDelivered:   {StateAccepted, StateRejected, StateExpired},
	StateRejected:    {StateRouted, StateDropped},
	StateExpired:     {StateRouted, StateDropped},
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewLead creates a lead with an empty attribute set
func NewLead() *Lead {
	now := time.Now()
	return &Lead{
		ID:               uuid.New(),
		Attributes:       AttributeSet{},
		Tier:             values.TierUnqualified,
		RevenuePotential: values.Zero(values.USD),
		State:            StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MergeAttributes folds newly arrived attributes into the lead. Later
// values for the same key win.
func (l *Lead) MergeAttributes(attrs AttributeSet) {
	if l.Attributes == nil {
		l.Attributes = AttributeSet{}
	}
	for k, v := range attrs {
		l.Attributes[k] = v
	}
	l.UpdatedAt = time.Now()
}

// Transition moves the lead to the target state if the state machine allows it
func (l *Lead) Transition(to State) error {
	if !CanTransition(l.State, to) {
		return ErrInvalidTransition(l.State, to)
	}
	l.State = to
	l.UpdatedAt = time.Now()
	return nil
}

// ApplyScore records a scoring result on the lead
func (l *Lead) ApplyScore(score float64, tier values.Tier, revenue values.Money, probability float64) error {
	if err := l.Transition(StateScored); err != nil {
		return err
	}
	l.Score = score
	l.Tier = tier
	l.RevenuePotential = revenue
	l.ConversionProbability = probability
	return nil
}

// Drop marks the lead terminally dropped with a recorded reason
func (l *Lead) Drop(reason string) error {
	if err := l.Transition(StateDropped); err != nil {
		return err
	}
	l.DropReason = reason
	return nil
}
