package eta

import (
	"fmt"
	"math"
)

// DefaultSpeedKMH is the average pickup speed assumed when none is configured.
const DefaultSpeedKMH = 30.0

// Estimator converts a straight-line distance into a pickup time using a fixed
// average speed.
type Estimator struct {
	metersPerMinute float64
}

// NewEstimator creates an estimator for the given average speed in km/h.
func NewEstimator(speedKMH float64) (Estimator, error) {
	if math.IsNaN(speedKMH) || math.IsInf(speedKMH, 0) || speedKMH <= 0 {
		return Estimator{}, fmt.Errorf("eta: average speed must be positive, got %v", speedKMH)
	}
	return Estimator{metersPerMinute: speedKMH * 1000.0 / 60.0}, nil
}

// Minutes returns the whole number of minutes needed to cover distanceMeters, rounded up.
// The distance is rounded to the millimetre first.
func (e Estimator) Minutes(distanceMeters float64) int {
	meters := math.Round(distanceMeters*1000) / 1000
	if meters <= 0 {
		return 0
	}
	return int(math.Ceil(meters / e.metersPerMinute))
}
