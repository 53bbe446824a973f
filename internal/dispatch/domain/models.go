package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultRadiusMeters bounds a dispatch search when the caller does not supply a radius.
const DefaultRadiusMeters = 20000.0

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrTransport          = errors.New("store unavailable")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNotFound           = errors.New("taxi not found")
)

// Taxi is a dispatchable vehicle. SpatialKey is the geohash of (Lat, Lng) and is
// rewritten by every path that moves the taxi.
type Taxi struct {
	ID          string  `json:"id"`
	DriverName  string  `json:"driver_name"`
	PlateNumber string  `json:"plate_number"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	SpatialKey  string  `json:"spatial_key"`
	Available   bool    `json:"is_available"`
	ReservedBy  string  `json:"reserved_by,omitempty"`
}

// TaxiSpec describes a taxi to be inserted by the seeder.
type TaxiSpec struct {
	DriverName  string  `json:"driver_name"`
	PlateNumber string  `json:"plate_number"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

func (s TaxiSpec) Validate() error {
	if s.DriverName == "" {
		return fmt.Errorf("%w: driver name is required", ErrInvalidArgument)
	}
	if s.PlateNumber == "" {
		return fmt.Errorf("%w: plate number is required", ErrInvalidArgument)
	}
	return ValidateCoordinates(s.Lat, s.Lng)
}

type DispatchRequest struct {
	OriginLat    float64
	OriginLng    float64
	RadiusMeters float64
}

func (r DispatchRequest) Validate() error {
	if err := ValidateCoordinates(r.OriginLat, r.OriginLng); err != nil {
		return err
	}
	if math.IsNaN(r.RadiusMeters) || math.IsInf(r.RadiusMeters, 0) || r.RadiusMeters <= 0 {
		return fmt.Errorf("%w: radius must be a positive number of meters, got %v", ErrInvalidArgument, r.RadiusMeters)
	}
	return nil
}

// ValidateCoordinates rejects non-finite or out of range latitude/longitude pairs.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, lat)
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, lng)
	}
	return nil
}

// Candidate is a taxi paired with its great-circle distance from a request origin.
type Candidate struct {
	Taxi           Taxi    `json:"taxi"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Less orders candidates by distance, then by taxi id.
func (c Candidate) Less(other Candidate) bool {
	if c.DistanceMeters != other.DistanceMeters {
		return c.DistanceMeters < other.DistanceMeters
	}
	return c.Taxi.ID < other.Taxi.ID
}

// DispatchResult is the outcome of a dispatch round. Assigned is false when no
// taxi could be reserved; that is a normal result, not an error.
type DispatchResult struct {
	Assigned         bool
	DispatchID       string
	Taxi             Taxi
	DistanceMeters   float64
	EstimatedMinutes int
}

// Store is the keyed taxi pool consumed by the dispatch core. Reserve must be
// atomic per taxi: it flips Available to false only if it is currently true.
type Store interface {
	RangeQuery(ctx context.Context, low, high string, availableOnly bool) ([]Taxi, error)
	Reserve(ctx context.Context, id, dispatchID string) error
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Taxi, error)
	Insert(ctx context.Context, taxi Taxi) (string, error)
	UpdateLocation(ctx context.Context, id string, lat, lng float64) error
	DeleteAll(ctx context.Context) error
}

type EventType string

const (
	EventTaxiDispatched EventType = "TaxiDispatched"
	EventTaxiReleased   EventType = "TaxiReleased"
)

type DispatchEvent struct {
	Type             EventType `json:"type"`
	TaxiID           string    `json:"taxi_id"`
	DispatchID       string    `json:"dispatch_id,omitempty"`
	DistanceMeters   float64   `json:"distance_meters,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
