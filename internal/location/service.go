package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

// ErrStale marks a position report older than one already applied.
var ErrStale = errors.New("stale position")

// Tracker applies position reports to the taxi store, dropping reports that
// arrive out of order for the same taxi.
type Tracker struct {
	store       domain.Store
	callTimeout time.Duration

	mu       sync.Mutex
	lastSeen map[string]int64
}

func NewTracker(store domain.Store, callTimeout time.Duration) *Tracker {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Tracker{store: store, callTimeout: callTimeout, lastSeen: make(map[string]int64)}
}

// Apply moves the taxi and recomputes its spatial key. A zero Ts is never
// considered stale.
func (t *Tracker) Apply(ctx context.Context, pos TaxiPosition) error {
	if pos.TaxiId == "" {
		return fmt.Errorf("%w: taxi id is required", domain.ErrInvalidArgument)
	}
	if err := domain.ValidateCoordinates(pos.Lat, pos.Lng); err != nil {
		return err
	}
	if pos.Ts != 0 && t.isStale(pos.TaxiId, pos.Ts) {
		return ErrStale
	}

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	if err := t.store.UpdateLocation(callCtx, pos.TaxiId, pos.Lat, pos.Lng); err != nil {
		return fmt.Errorf("update location %s: %w", pos.TaxiId, err)
	}
	if pos.Ts != 0 {
		t.record(pos.TaxiId, pos.Ts)
	}
	return nil
}

func (t *Tracker) isStale(taxiID string, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSeen[taxiID]
	return ok && ts < last
}

// record keeps the newest timestamp; reports applied concurrently may finish
// out of order.
func (t *Tracker) record(taxiID string, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSeen[taxiID]; !ok || ts > last {
		t.lastSeen[taxiID] = ts
	}
}

// LastSeen returns the timestamp of the newest applied report for a taxi.
func (t *Tracker) LastSeen(taxiID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[taxiID]
	return ts, ok
}
