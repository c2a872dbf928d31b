package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
)

// memoryStore implements Store with process-local maps. Used by tests
// and single-node deployments; entities are copied on the way in and
// out so callers never share mutable state with the store.
type memoryStore struct {
	mu sync.RWMutex

	leads       map[uuid.UUID]*lead.Lead
	buyers      map[uuid.UUID]*buyer.Buyer
	allocations map[uuid.UUID]*allocation.Allocation
	feedback    map[string]*feedback.Record
	weightVers  map[int64]*weights.Version
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() Store {
	return &memoryStore{
		leads:       make(map[uuid.UUID]*lead.Lead),
		buyers:      make(map[uuid.UUID]*buyer.Buyer),
		allocations: make(map[uuid.UUID]*allocation.Allocation),
		feedback:    make(map[string]*feedback.Record),
		weightVers:  make(map[int64]*weights.Version),
	}
}

// Lead operations

func (m *memoryStore) GetLead(_ context.Context, id uuid.UUID) (*lead.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLead(l), nil
}

func (m *memoryStore) PutLead(_ context.Context, l *lead.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.Version = 1
	m.leads[l.ID] = copyLead(l)
	return nil
}

func (m *memoryStore) UpdateLead(_ context.Context, l *lead.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leads[l.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != l.Version {
		return ErrOptimisticLock
	}
	l.Version++
	m.leads[l.ID] = copyLead(l)
	return nil
}

// Buyer operations

func (m *memoryStore) GetBuyer(_ context.Context, id uuid.UUID) (*buyer.Buyer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buyers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBuyer(b), nil
}

func (m *memoryStore) PutBuyer(_ context.Context, b *buyer.Buyer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.Version = 1
	m.buyers[b.ID] = copyBuyer(b)
	return nil
}

func (m *memoryStore) UpdateBuyer(_ context.Context, b *buyer.Buyer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.buyers[b.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != b.Version {
		return ErrOptimisticLock
	}
	b.Version++
	m.buyers[b.ID] = copyBuyer(b)
	return nil
}

func (m *memoryStore) ListBuyers(_ context.Context) ([]*buyer.Buyer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*buyer.Buyer, 0, len(m.buyers))
	for _, b := range m.buyers {
		out = append(out, copyBuyer(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// Allocation operations

func (m *memoryStore) GetAllocation(_ context.Context, id uuid.UUID) (*allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.allocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAllocation(a), nil
}

func (m *memoryStore) PutAllocation(_ context.Context, a *allocation.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.Version = 1
	m.allocations[a.ID] = copyAllocation(a)
	return nil
}

func (m *memoryStore) UpdateAllocation(_ context.Context, a *allocation.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.allocations[a.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != a.Version {
		return ErrOptimisticLock
	}
	a.Version++
	m.allocations[a.ID] = copyAllocation(a)
	return nil
}

func (m *memoryStore) ListAllocationsByStatus(_ context.Context, status allocation.Status) ([]*allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*allocation.Allocation
	for _, a := range m.allocations {
		if a.Status == status {
			out = append(out, copyAllocation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) GetOpenAllocationByLead(_ context.Context, leadID uuid.UUID) (*allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.allocations {
		if a.LeadID == leadID && !a.Status.IsTerminal() {
			return copyAllocation(a), nil
		}
	}
	return nil, ErrNotFound
}

// Feedback operations

func (m *memoryStore) PutFeedback(_ context.Context, r *feedback.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.Key()
	if _, ok := m.feedback[key]; ok {
		return ErrDuplicateKey
	}
	cp := *r
	m.feedback[key] = &cp
	return nil
}

func (m *memoryStore) ListFeedbackSince(_ context.Context, since time.Time) ([]*feedback.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*feedback.Record
	for _, r := range m.feedback {
		if !r.Timestamp.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Weight version operations

func (m *memoryStore) PutWeightVersion(_ context.Context, v *weights.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *v
	m.weightVers[v.VersionID] = &cp
	return nil
}

func (m *memoryStore) ListWeightVersions(_ context.Context) ([]*weights.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*weights.Version, 0, len(m.weightVers))
	for _, v := range m.weightVers {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID < out[j].VersionID })
	return out, nil
}

// copy helpers

func copyLead(l *lead.Lead) *lead.Lead {
	cp := *l
	cp.Attributes = l.Attributes.Clone()
	return &cp
}

func copyBuyer(b *buyer.Buyer) *buyer.Buyer {
	cp := *b
	cp.Geography = append([]string(nil), b.Geography...)
	cp.PriceTable = make(buyer.PriceTable, len(b.PriceTable))
	for k, v := range b.PriceTable {
		cp.PriceTable[k] = v
	}
	return &cp
}

func copyAllocation(a *allocation.Allocation) *allocation.Allocation {
	cp := *a
	if a.DeliveredAt != nil {
		t := *a.DeliveredAt
		cp.DeliveredAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
