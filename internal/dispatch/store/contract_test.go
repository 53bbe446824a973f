package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

func newTaxi(name string, lat, lng float64) domain.Taxi {
	return domain.Taxi{
		DriverName:  name,
		PlateNumber: "35 " + name,
		Lat:         lat,
		Lng:         lng,
		SpatialKey:  geo.Encode(lat, lng),
		Available:   true,
	}
}

// runStoreContract exercises the behaviour every domain.Store must provide.
func runStoreContract(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Ahmet", 38.4568, 27.2099))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, got.ID)
		require.Equal(t, "Ahmet", got.DriverName)
		require.Equal(t, geo.Encode(38.4568, 27.2099), got.SpatialKey)
		require.True(t, got.Available)

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("range query honours key range and availability", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		izmir, err := s.Insert(ctx, newTaxi("Izmir", 38.4568, 27.2099))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newTaxi("Ankara", 39.9334, 32.8597))
		require.NoError(t, err)
		busy := newTaxi("Busy", 38.4570, 27.2101)
		busy.Available = false
		busyID, err := s.Insert(ctx, busy)
		require.NoError(t, err)

		prefix := geo.Encode(38.4568, 27.2099)[:4]
		all, err := s.RangeQuery(ctx, prefix, prefix+"~", false)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{izmir, busyID}, ids(all))

		available, err := s.RangeQuery(ctx, prefix, prefix+"~", true)
		require.NoError(t, err)
		require.Equal(t, []string{izmir}, ids(available))

		everything, err := s.RangeQuery(ctx, geo.FullRange.Low, geo.FullRange.High, false)
		require.NoError(t, err)
		require.Len(t, everything, 3)
	})

	t.Run("reserve is conditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Mehmet", 38.46, 27.21))
		require.NoError(t, err)

		require.NoError(t, s.Reserve(ctx, id, "dispatch-1"))
		require.ErrorIs(t, s.Reserve(ctx, id, "dispatch-2"), domain.ErrPreconditionFailed)
		require.ErrorIs(t, s.Reserve(ctx, "missing", "dispatch-3"), domain.ErrNotFound)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.False(t, got.Available)
		require.Equal(t, "dispatch-1", got.ReservedBy)

		prefix := got.SpatialKey[:5]
		available, err := s.RangeQuery(ctx, prefix, prefix+"~", true)
		require.NoError(t, err)
		require.Empty(t, available)
	})

	t.Run("release restores availability", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Ayse", 38.46, 27.21))
		require.NoError(t, err)
		require.NoError(t, s.Reserve(ctx, id, "dispatch-1"))
		require.NoError(t, s.Release(ctx, id))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, got.Available)
		require.Empty(t, got.ReservedBy)
		require.NoError(t, s.Reserve(ctx, id, "dispatch-2"))

		require.ErrorIs(t, s.Release(ctx, "missing"), domain.ErrNotFound)
	})

	t.Run("update location recomputes the spatial key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Fatma", 38.4568, 27.2099))
		require.NoError(t, err)

		require.NoError(t, s.UpdateLocation(ctx, id, 41.0082, 28.9784))
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 41.0082, got.Lat)
		require.Equal(t, geo.Encode(41.0082, 28.9784), got.SpatialKey)

		oldPrefix := geo.Encode(38.4568, 27.2099)[:4]
		old, err := s.RangeQuery(ctx, oldPrefix, oldPrefix+"~", true)
		require.NoError(t, err)
		require.Empty(t, old)

		newPrefix := got.SpatialKey[:4]
		moved, err := s.RangeQuery(ctx, newPrefix, newPrefix+"~", true)
		require.NoError(t, err)
		require.Equal(t, []string{id}, ids(moved))

		require.ErrorIs(t, s.UpdateLocation(ctx, "missing", 1, 1), domain.ErrNotFound)
	})

	t.Run("delete all empties the pool", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Ali", 38.46, 27.21))
		require.NoError(t, err)
		require.NoError(t, s.DeleteAll(ctx))

		all, err := s.RangeQuery(ctx, geo.FullRange.Low, geo.FullRange.High, false)
		require.NoError(t, err)
		require.Empty(t, all)
		_, err = s.Get(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("concurrent reservations have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Insert(ctx, newTaxi("Race", 38.46, 27.21))
		require.NoError(t, err)

		var wins, losses int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Reserve(ctx, id, "racer")
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, domain.ErrPreconditionFailed):
					atomic.AddInt32(&losses, 1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
		require.EqualValues(t, 31, losses)
	})
}

func ids(taxis []domain.Taxi) []string {
	out := make([]string, 0, len(taxis))
	for _, t := range taxis {
		out = append(out, t.ID)
	}
	return out
}
