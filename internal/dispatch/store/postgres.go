package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

var _ domain.Store = (*PostgresStore)(nil)

// PostgresStore keeps the pool in a single taxis table. The spatial key column
// uses the "C" collation so BETWEEN follows byte order, matching geohash prefixes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a pgx-backed database/sql pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS taxis (
		id TEXT PRIMARY KEY,
		driver_name TEXT NOT NULL,
		plate_number TEXT NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		lng DOUBLE PRECISION NOT NULL,
		spatial_key TEXT COLLATE "C" NOT NULL,
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		reserved_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_taxis_spatial_key ON taxis (spatial_key)`,
	`CREATE INDEX IF NOT EXISTS idx_taxis_available_spatial_key ON taxis (spatial_key) WHERE is_available`,
}

// InitSchema creates the taxis table and its indexes.
func (p *PostgresStore) InitSchema(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: exec statement #%d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit tx: %w", err)
	}
	return nil
}

const taxiColumns = `id, driver_name, plate_number, lat, lng, spatial_key, is_available, reserved_by`

func (p *PostgresStore) RangeQuery(ctx context.Context, low, high string, availableOnly bool) ([]domain.Taxi, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taxiColumns+` FROM taxis WHERE spatial_key BETWEEN $1 AND $2 AND (is_available OR NOT $3)`,
		low, high, availableOnly,
	)
	if err != nil {
		return nil, transportErr("postgres range query", err)
	}
	defer func() { _ = rows.Close() }()

	var taxis []domain.Taxi
	for rows.Next() {
		var t domain.Taxi
		if err := rows.Scan(&t.ID, &t.DriverName, &t.PlateNumber, &t.Lat, &t.Lng, &t.SpatialKey, &t.Available, &t.ReservedBy); err != nil {
			return nil, transportErr("postgres range query: scan", err)
		}
		taxis = append(taxis, t)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("postgres range query: iterate", err)
	}
	return taxis, nil
}

// Reserve issues a single conditional UPDATE; only when it touches no row does
// it look up whether the taxi exists to tell a lost race from a missing taxi.
func (p *PostgresStore) Reserve(ctx context.Context, id, dispatchID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE taxis SET is_available = false, reserved_by = $2 WHERE id = $1 AND is_available`,
		id, dispatchID,
	)
	if err != nil {
		return transportErr("postgres reserve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transportErr("postgres reserve: rows affected", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM taxis WHERE id = $1)`, id).Scan(&exists); err != nil {
		return transportErr("postgres reserve: lookup", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrPreconditionFailed
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE taxis SET is_available = true, reserved_by = '' WHERE id = $1`, id)
	if err != nil {
		return transportErr("postgres release", err)
	}
	return requireOneRow(res, "postgres release")
}

func (p *PostgresStore) Get(ctx context.Context, id string) (domain.Taxi, error) {
	var t domain.Taxi
	err := p.db.QueryRowContext(ctx, `SELECT `+taxiColumns+` FROM taxis WHERE id = $1`, id).
		Scan(&t.ID, &t.DriverName, &t.PlateNumber, &t.Lat, &t.Lng, &t.SpatialKey, &t.Available, &t.ReservedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Taxi{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Taxi{}, transportErr("postgres get", err)
	}
	return t, nil
}

func (p *PostgresStore) Insert(ctx context.Context, taxi domain.Taxi) (string, error) {
	taxi.ID = uuid.NewString()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO taxis (`+taxiColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		taxi.ID, taxi.DriverName, taxi.PlateNumber, taxi.Lat, taxi.Lng, taxi.SpatialKey, taxi.Available, taxi.ReservedBy,
	)
	if err != nil {
		return "", transportErr("postgres insert", err)
	}
	return taxi.ID, nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, lat, lng float64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE taxis SET lat = $2, lng = $3, spatial_key = $4 WHERE id = $1`,
		id, lat, lng, geo.Encode(lat, lng),
	)
	if err != nil {
		return transportErr("postgres update location", err)
	}
	return requireOneRow(res, "postgres update location")
}

func (p *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM taxis`); err != nil {
		return transportErr("postgres delete all", err)
	}
	return nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return transportErr(op+": rows affected", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
