package buyer

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultOutcomeWindow is the number of recent delivery outcomes kept
// per buyer for the rolling acceptance rate.
const defaultOutcomeWindow = 50

// CapacityLedger is the single mutation point for buyer capacity. Each
// buyer's utilization is a CAS-guarded counter, so a reservation and the
// decision that the buyer won are one indivisible operation: concurrent
// allocation attempts can never over-commit a buyer past its capacity.
type CapacityLedger struct {
	mu    sync.RWMutex
	slots map[uuid.UUID]*slot
}

type slot struct {
	capacity atomic.Int64
	utilized atomic.Int64

	// rolling outcome window, guarded by wmu
	wmu      sync.Mutex
	outcomes []bool
	next     int
	filled   int
	accepted int
	window   int
}

// NewCapacityLedger creates an empty ledger
func NewCapacityLedger() *CapacityLedger {
	return &CapacityLedger{slots: make(map[uuid.UUID]*slot)}
}

// Register adds or refreshes a buyer's capacity. Utilization carries
// over on refresh so in-flight reservations stay accounted for.
func (l *CapacityLedger) Register(buyerID uuid.UUID, capacity int64, seedAcceptance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.slots[buyerID]; ok {
		existing.capacity.Store(capacity)
		return
	}

	s := &slot{
		outcomes: make([]bool, defaultOutcomeWindow),
		window:   defaultOutcomeWindow,
	}
	s.capacity.Store(capacity)
	// Seed the window with one synthetic outcome so new buyers start at
	// a configured acceptance rate instead of zero.
	if seedAcceptance >= 0.5 {
		s.outcomes[0] = true
		s.accepted = 1
	}
	s.filled = 1
	s.next = 1
	l.slots[buyerID] = s
}

// Reserve attempts to claim one capacity slot. Returns false when the
// buyer is unknown or already at capacity.
func (l *CapacityLedger) Reserve(buyerID uuid.UUID) bool {
	s := l.slot(buyerID)
	if s == nil {
		return false
	}

	for {
		cur := s.utilized.Load()
		if cur >= s.capacity.Load() {
			return false
		}
		if s.utilized.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees one capacity slot, never dropping below zero
func (l *CapacityLedger) Release(buyerID uuid.UUID) {
	s := l.slot(buyerID)
	if s == nil {
		return
	}

	for {
		cur := s.utilized.Load()
		if cur <= 0 {
			return
		}
		if s.utilized.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Utilization returns utilized/capacity in [0,1]
func (l *CapacityLedger) Utilization(buyerID uuid.UUID) float64 {
	s := l.slot(buyerID)
	if s == nil {
		return 1.0
	}
	capacity := s.capacity.Load()
	if capacity == 0 {
		return 1.0
	}
	return float64(s.utilized.Load()) / float64(capacity)
}

// Available returns the remaining capacity for a buyer
func (l *CapacityLedger) Available(buyerID uuid.UUID) int64 {
	s := l.slot(buyerID)
	if s == nil {
		return 0
	}
	avail := s.capacity.Load() - s.utilized.Load()
	if avail < 0 {
		return 0
	}
	return avail
}

// Utilized returns the current utilization counter for a buyer
func (l *CapacityLedger) Utilized(buyerID uuid.UUID) int64 {
	s := l.slot(buyerID)
	if s == nil {
		return 0
	}
	return s.utilized.Load()
}

// RecordOutcome appends a delivery outcome to the buyer's rolling window
func (l *CapacityLedger) RecordOutcome(buyerID uuid.UUID, accepted bool) {
	s := l.slot(buyerID)
	if s == nil {
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.filled == s.window {
		// evict the oldest outcome
		if s.outcomes[s.next] {
			s.accepted--
		}
	} else {
		s.filled++
	}
	s.outcomes[s.next] = accepted
	if accepted {
		s.accepted++
	}
	s.next = (s.next + 1) % s.window
}

// AcceptanceRate returns the rolling acceptance rate for a buyer
func (l *CapacityLedger) AcceptanceRate(buyerID uuid.UUID) float64 {
	s := l.slot(buyerID)
	if s == nil {
		return 0
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.filled == 0 {
		return 0
	}
	return float64(s.accepted) / float64(s.filled)
}

func (l *CapacityLedger) slot(buyerID uuid.UUID) *slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots[buyerID]
}
