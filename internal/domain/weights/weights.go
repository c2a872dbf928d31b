package weights

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Vector holds the four scoring sub-score weights. A valid vector is
// normalized: the components sum to 1.
type Vector struct {
	Base       float64 `json:"base"`
	Behavioral float64 `json:"behavioral"`
	Timing     float64 `json:"timing"`
	Contextual float64 `json:"contextual"`
}

// DefaultVector is the 40/30/20/10 starting point
func DefaultVector() Vector {
	return Vector{Base: 0.40, Behavioral: 0.30, Timing: 0.20, Contextual: 0.10}
}

// Sum returns the component total
func (v Vector) Sum() float64 {
	return v.Base + v.Behavioral + v.Timing + v.Contextual
}

// Normalize scales the vector so components sum to 1. A degenerate
// vector normalizes to the default.
func (v Vector) Normalize() Vector {
	sum := v.Sum()
	if sum <= 0 {
		return DefaultVector()
	}
	return Vector{
		Base:       v.Base / sum,
		Behavioral: v.Behavioral / sum,
		Timing:     v.Timing / sum,
		Contextual: v.Contextual / sum,
	}
}

// Validate checks normalization and component bounds
func (v Vector) Validate() error {
	for name, w := range map[string]float64{
		"base": v.Base, "behavioral": v.Behavioral, "timing": v.Timing, "contextual": v.Contextual,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight %s out of range: %f", name, w)
		}
	}
	if math.Abs(v.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %f", v.Sum())
	}
	return nil
}

// Add returns v + delta, component-wise (not normalized)
func (v Vector) Add(delta Vector) Vector {
	return Vector{
		Base:       v.Base + delta.Base,
		Behavioral: v.Behavioral + delta.Behavioral,
		Timing:     v.Timing + delta.Timing,
		Contextual: v.Contextual + delta.Contextual,
	}
}

// Performance is the measured quality snapshot attached to a version
type Performance struct {
	PredictedAcceptance float64 `json:"predicted_acceptance"`
	SampleSize          int     `json:"sample_size"`
}

// Version is an immutable, versioned weight vector
type Version struct {
	VersionID   int64       `json:"version_id"`
	Weights     Vector      `json:"weights"`
	CreatedAt   time.Time   `json:"created_at"`
	Performance Performance `json:"performance"`
}

// Store holds the active weight version behind an atomic pointer so
// concurrent scoring reads always observe one complete vector, plus the
// version history for rollback.
type Store struct {
	active atomic.Pointer[Version]

	mu      sync.Mutex
	history []*Version
	nextID  int64
}

// NewStore creates a store with the default vector active as version 1
func NewStore() *Store {
	s := &Store{nextID: 1}
	s.activateLocked(DefaultVector(), Performance{})
	return s
}

// Active returns the currently active weight version. Never nil.
func (s *Store) Active() *Version {
	return s.active.Load()
}

// Activate validates and atomically swaps in a new version
func (s *Store) Activate(v Vector, perf Performance) (*Version, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked(v, perf), nil
}

func (s *Store) activateLocked(v Vector, perf Performance) *Version {
	ver := &Version{
		VersionID:   s.nextID,
		Weights:     v,
		CreatedAt:   time.Now(),
		Performance: perf,
	}
	s.nextID++
	s.history = append(s.history, ver)
	s.active.Store(ver)
	return ver
}

// RollbackTo re-activates a historical version by id
func (s *Store) RollbackTo(versionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ver := range s.history {
		if ver.VersionID == versionID {
			s.active.Store(ver)
			return nil
		}
	}
	return fmt.Errorf("weight version %d not found", versionID)
}

// History returns the retained versions, oldest first
func (s *Store) History() []*Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Version, len(s.history))
	copy(out, s.history)
	return out
}
