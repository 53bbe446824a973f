package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

var _ domain.Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded taxi pool for tests and local demos.
type MemoryStore struct {
	mu    sync.RWMutex
	taxis map[string]domain.Taxi
}

// NewMemoryStore constructs an empty pool.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{taxis: make(map[string]domain.Taxi)}
}

// RangeQuery returns taxis whose spatial key lies in [low, high].
func (m *MemoryStore) RangeQuery(ctx context.Context, low, high string, availableOnly bool) ([]domain.Taxi, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportErr("memory range query", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := geo.Range{Low: low, High: high}
	var out []domain.Taxi
	for _, taxi := range m.taxis {
		if availableOnly && !taxi.Available {
			continue
		}
		if r.Contains(taxi.SpatialKey) {
			out = append(out, taxi)
		}
	}
	return out, nil
}

// Reserve flips the taxi to unavailable if, and only if, it is available.
func (m *MemoryStore) Reserve(ctx context.Context, id, dispatchID string) error {
	if err := ctx.Err(); err != nil {
		return transportErr("memory reserve", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	taxi, ok := m.taxis[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !taxi.Available {
		return domain.ErrPreconditionFailed
	}
	taxi.Available = false
	taxi.ReservedBy = dispatchID
	m.taxis[id] = taxi
	return nil
}

// Release returns the taxi to the pool.
func (m *MemoryStore) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return transportErr("memory release", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	taxi, ok := m.taxis[id]
	if !ok {
		return domain.ErrNotFound
	}
	taxi.Available = true
	taxi.ReservedBy = ""
	m.taxis[id] = taxi
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (domain.Taxi, error) {
	if err := ctx.Err(); err != nil {
		return domain.Taxi{}, transportErr("memory get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	taxi, ok := m.taxis[id]
	if !ok {
		return domain.Taxi{}, domain.ErrNotFound
	}
	return taxi, nil
}

// Insert stores the taxi under a freshly generated id.
func (m *MemoryStore) Insert(ctx context.Context, taxi domain.Taxi) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transportErr("memory insert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	taxi.ID = uuid.NewString()
	m.taxis[taxi.ID] = taxi
	return taxi.ID, nil
}

// UpdateLocation moves the taxi and recomputes its spatial key.
func (m *MemoryStore) UpdateLocation(ctx context.Context, id string, lat, lng float64) error {
	if err := ctx.Err(); err != nil {
		return transportErr("memory update location", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	taxi, ok := m.taxis[id]
	if !ok {
		return domain.ErrNotFound
	}
	taxi.Lat, taxi.Lng = lat, lng
	taxi.SpatialKey = geo.Encode(lat, lng)
	m.taxis[id] = taxi
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transportErr("memory delete all", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxis = make(map[string]domain.Taxi)
	return nil
}

// Len reports the pool size (for tests).
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.taxis)
}
