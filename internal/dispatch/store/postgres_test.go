package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/store"
)

var taxiRowColumns = []string{"id", "driver_name", "plate_number", "lat", "lng", "spatial_key", "is_available", "reserved_by"}

func newMockStore(t *testing.T) (*store.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return store.NewPostgresStore(db), mock
}

func TestPostgresReserveWins(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE taxis SET is_available = false, reserved_by = (.+) WHERE id = (.+) AND is_available`).
		WithArgs("taxi-1", "dispatch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Reserve(context.Background(), "taxi-1", "dispatch-1"))
}

func TestPostgresReserveLostRace(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE taxis SET is_available = false`).
		WithArgs("taxi-1", "dispatch-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("taxi-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.ErrorIs(t, s.Reserve(context.Background(), "taxi-1", "dispatch-2"), domain.ErrPreconditionFailed)
}

func TestPostgresReserveMissingTaxi(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE taxis SET is_available = false`).
		WithArgs("ghost", "dispatch-3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	require.ErrorIs(t, s.Reserve(context.Background(), "ghost", "dispatch-3"), domain.ErrNotFound)
}

func TestPostgresReserveTransportError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE taxis SET is_available = false`).
		WithArgs("taxi-1", "dispatch-4").
		WillReturnError(sql.ErrConnDone)

	err := s.Reserve(context.Background(), "taxi-1", "dispatch-4")
	require.ErrorIs(t, err, domain.ErrTransport)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPostgresRangeQuery(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(taxiRowColumns).
		AddRow("taxi-1", "Ahmet", "35 TAK 01", 38.4568, 27.2099, "sqdq3qgbvzyx", true, "").
		AddRow("taxi-2", "Mehmet", "35 TAK 02", 38.4600, 27.2100, "sqdq3qv0c2sw", true, "")
	mock.ExpectQuery(`SELECT (.+) FROM taxis WHERE spatial_key BETWEEN (.+) AND (.+) AND \(is_available OR NOT (.+)\)`).
		WithArgs("sqdq", "sqdq~", true).
		WillReturnRows(rows)

	taxis, err := s.RangeQuery(context.Background(), "sqdq", "sqdq~", true)
	require.NoError(t, err)
	require.Len(t, taxis, 2)
	require.Equal(t, "Ahmet", taxis[0].DriverName)
	require.True(t, taxis[1].Available)
}

func TestPostgresRangeQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM taxis`).WillReturnError(errors.New("connection reset"))

	_, err := s.RangeQuery(context.Background(), "a", "a~", false)
	require.ErrorIs(t, err, domain.ErrTransport)
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM taxis WHERE id = (.+)`).
		WithArgs("taxi-1").
		WillReturnRows(sqlmock.NewRows(taxiRowColumns).AddRow("taxi-1", "Ahmet", "35 TAK 01", 38.4568, 27.2099, "sqdq3qgbvzyx", false, "dispatch-1"))
	mock.ExpectQuery(`SELECT (.+) FROM taxis WHERE id = (.+)`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(taxiRowColumns))

	taxi, err := s.Get(context.Background(), "taxi-1")
	require.NoError(t, err)
	require.False(t, taxi.Available)
	require.Equal(t, "dispatch-1", taxi.ReservedBy)

	_, err = s.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresReleaseAndUpdateLocation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE taxis SET is_available = true`).
		WithArgs("taxi-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE taxis SET is_available = true`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE taxis SET lat = (.+), lng = (.+), spatial_key = (.+) WHERE id = (.+)`).
		WithArgs("taxi-1", 41.0082, 28.9784, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, s.Release(ctx, "taxi-1"))
	require.ErrorIs(t, s.Release(ctx, "ghost"), domain.ErrNotFound)
	require.NoError(t, s.UpdateLocation(ctx, "taxi-1", 41.0082, 28.9784))
}

func TestPostgresInsertAndDeleteAll(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO taxis`).
		WithArgs(sqlmock.AnyArg(), "Ahmet", "35 TAK 01", 38.4568, 27.2099, "sqdq3qgbvzyx", true, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM taxis`).WillReturnResult(sqlmock.NewResult(0, 3))

	ctx := context.Background()
	id, err := s.Insert(ctx, domain.Taxi{
		DriverName:  "Ahmet",
		PlateNumber: "35 TAK 01",
		Lat:         38.4568,
		Lng:         27.2099,
		SpatialKey:  "sqdq3qgbvzyx",
		Available:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, s.DeleteAll(ctx))
}

func TestPostgresInitSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS taxis`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_taxis_spatial_key`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_taxis_available_spatial_key`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.InitSchema(context.Background()))
}
