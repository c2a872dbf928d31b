package buyer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReserveRelease(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 2, 0.5)

	assert.True(t, l.Reserve(id))
	assert.True(t, l.Reserve(id))
	assert.False(t, l.Reserve(id), "third reservation exceeds capacity")
	assert.Equal(t, 1.0, l.Utilization(id))

	l.Release(id)
	assert.Equal(t, int64(1), l.Utilized(id))
	assert.True(t, l.Reserve(id))
}

func TestLedgerUnknownBuyer(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()

	assert.False(t, l.Reserve(id))
	assert.Equal(t, int64(0), l.Available(id))
	assert.Equal(t, 1.0, l.Utilization(id), "unknown buyers report full utilization")
	l.Release(id) // no-op, must not panic
}

func TestLedgerReleaseNeverGoesNegative(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 1, 0.5)

	l.Release(id)
	l.Release(id)
	assert.Equal(t, int64(0), l.Utilized(id))
	assert.Equal(t, int64(1), l.Available(id))
}

// TestLedgerSingleSlotRace drives many goroutines at one remaining slot
// and verifies exactly one reservation wins.
func TestLedgerSingleSlotRace(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 1, 0.5)

	const contenders = 64
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Reserve(id) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one contender claims the last slot")
	assert.Equal(t, int64(1), l.Utilized(id))
}

func TestLedgerConcurrentReserveNeverOvercommits(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	const capacity = 10
	l.Register(id, capacity, 0.5)

	const contenders = 100
	var wins atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(id) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), wins.Load())
	assert.Equal(t, int64(capacity), l.Utilized(id))
}

func TestLedgerAcceptanceWindow(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 5, 1.0)

	// seeded with one accepted outcome
	require.Equal(t, 1.0, l.AcceptanceRate(id))

	for i := 0; i < 3; i++ {
		l.RecordOutcome(id, false)
	}
	// 1 accepted of 4 filled
	assert.InDelta(t, 0.25, l.AcceptanceRate(id), 1e-9)

	// a long rejection streak pushes the rate toward zero as the window rolls
	for i := 0; i < defaultOutcomeWindow; i++ {
		l.RecordOutcome(id, false)
	}
	assert.Equal(t, 0.0, l.AcceptanceRate(id))
}

func TestLedgerRegisterRefreshKeepsUtilization(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 2, 0.5)
	require.True(t, l.Reserve(id))

	l.Register(id, 5, 0.5)
	assert.Equal(t, int64(1), l.Utilized(id), "refresh keeps in-flight reservations")
	assert.Equal(t, int64(4), l.Available(id))
}

// TestLedgerCapacityRefreshRace refreshes capacity while reservations
// are in flight.
func TestLedgerCapacityRefreshRace(t *testing.T) {
	l := NewCapacityLedger()
	id := uuid.New()
	l.Register(id, 4, 0.5)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			l.Register(id, int64(2+i%4), 0.5)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if l.Reserve(id) {
				l.Release(id)
			}
			l.Available(id)
			l.Utilization(id)
		}
	}()
	wg.Wait()

	l.Register(id, 5, 0.5)
	assert.Equal(t, int64(0), l.Utilized(id))
	assert.Equal(t, int64(5), l.Available(id))
}
