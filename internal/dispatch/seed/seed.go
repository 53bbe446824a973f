package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

// Seeder replaces the taxi pool with a known fleet.
type Seeder struct {
	store  domain.Store
	logger *zap.Logger
}

func NewSeeder(store domain.Store, logger *zap.Logger) (*Seeder, error) {
	if store == nil {
		return nil, errors.New("taxi store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{store: store, logger: logger.Named("seeder")}, nil
}

// Seed validates every entry, clears the pool and inserts the fleet as
// available taxis. It returns the assigned ids in input order.
func (s *Seeder) Seed(ctx context.Context, specs []domain.TaxiSpec) ([]string, error) {
	ctx, span := otel.Tracer("dispatch.seed").Start(ctx, "dispatch.seed")
	defer span.End()
	span.SetAttributes(attribute.Int("fleet.size", len(specs)))

	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("seed: taxi at index %d: %w", i, err)
		}
	}

	if err := s.store.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("seed: clear pool: %w", err)
	}

	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		id, err := s.store.Insert(ctx, domain.Taxi{
			DriverName:  strings.TrimSpace(spec.DriverName),
			PlateNumber: strings.TrimSpace(spec.PlateNumber),
			Lat:         spec.Lat,
			Lng:         spec.Lng,
			SpatialKey:  geo.Encode(spec.Lat, spec.Lng),
			Available:   true,
		})
		if err != nil {
			return ids, fmt.Errorf("seed: insert taxi at index %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	s.logger.Info("fleet seeded", zap.Int("taxis", len(ids)))
	return ids, nil
}

// LoadSpecs reads a JSON array of taxi specs from path.
func LoadSpecs(path string) ([]domain.TaxiSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %q: %w", path, err)
	}
	var specs []domain.TaxiSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("seed: parse %q: %w", path, err)
	}
	return specs, nil
}

// DefaultFleet is the demo fleet spread around central Izmir.
func DefaultFleet() []domain.TaxiSpec {
	return []domain.TaxiSpec{
		{DriverName: "Ahmet Yılmaz", PlateNumber: "35 ABC 123", Lat: 38.4237, Lng: 27.1428},
		{DriverName: "Mehmet Demir", PlateNumber: "35 DEF 456", Lat: 38.4192, Lng: 27.1287},
		{DriverName: "Ayşe Kaya", PlateNumber: "35 GHI 789", Lat: 38.4622, Lng: 27.2167},
		{DriverName: "Fatma Şahin", PlateNumber: "35 JKL 012", Lat: 38.4556, Lng: 27.2036},
		{DriverName: "Ali Çelik", PlateNumber: "35 MNO 345", Lat: 38.3950, Lng: 27.0875},
		{DriverName: "Zeynep Arslan", PlateNumber: "35 PRS 678", Lat: 38.4810, Lng: 27.0580},
		{DriverName: "Mustafa Koç", PlateNumber: "35 TUV 901", Lat: 38.4359, Lng: 27.1505},
		{DriverName: "Elif Aydın", PlateNumber: "35 YZA 234", Lat: 38.4718, Lng: 27.2470},
	}
}
