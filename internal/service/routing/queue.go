package routing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// retryEntry tracks one lead waiting for buyer capacity
type retryEntry struct {
	leadID      uuid.UUID
	attempts    int
	enqueuedAt  time.Time
	nextAttempt time.Time
}

// retryQueue holds leads that found no capacity, with linear backoff
// between attempts. Safe for concurrent use.
type retryQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*retryEntry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{entries: make(map[uuid.UUID]*retryEntry)}
}

// enqueue registers a lead for retry, or bumps its attempt count and
// pushes the next attempt out when it is already queued.
func (q *retryQueue) enqueue(leadID uuid.UUID, now time.Time, interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[leadID]; ok {
		e.attempts++
		e.nextAttempt = now.Add(interval * time.Duration(e.attempts))
		return
	}
	q.entries[leadID] = &retryEntry{
		leadID:      leadID,
		attempts:    1,
		enqueuedAt:  now,
		nextAttempt: now.Add(interval),
	}
}

// due removes and returns every entry whose next attempt has arrived
func (q *retryQueue) due(now time.Time) []*retryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*retryEntry
	for id, e := range q.entries {
		if !e.nextAttempt.After(now) {
			out = append(out, e)
			delete(q.entries, id)
		}
	}
	return out
}

// requeue puts a drained entry back with its history intact
func (q *retryQueue) requeue(e *retryEntry, now time.Time, interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.attempts++
	e.nextAttempt = now.Add(interval * time.Duration(e.attempts))
	q.entries[e.leadID] = e
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
