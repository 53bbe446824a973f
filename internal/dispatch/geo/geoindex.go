// Package geo maps coordinates onto geohash keys and turns a radius search into
// a handful of lexicographic key ranges.
package geo

import (
	"fmt"
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

const (
	// KeyPrecision is the number of geohash characters stored with every taxi.
	KeyPrecision = 12
	// MaxQueryPrecision caps the prefix length used for range scans.
	MaxQueryPrecision = 9

	EarthRadiusMeters = 6371000.0

	// rangeTerminator sorts after every geohash alphabet character and the ':' separator.
	rangeTerminator = "~"
)

// Range is an inclusive interval of spatial keys.
type Range struct {
	Low  string
	High string
}

// FullRange covers the whole keyspace.
var FullRange = Range{Low: "", High: rangeTerminator}

// Contains reports whether key lies within the range.
func (r Range) Contains(key string) bool {
	return key >= r.Low && key <= r.High
}

func prefixRange(prefix string) Range {
	return Range{Low: prefix, High: prefix + rangeTerminator}
}

// Encode returns the canonical spatial key for a coordinate.
func Encode(lat, lng float64) string {
	return encode(lat, lng, KeyPrecision)
}

func encode(lat, lng float64, precision int) string {
	if lat >= 90 {
		lat = math.Nextafter(90, 0)
	}
	return geohash.EncodeWithPrecision(lat, wrapLng(lng), uint(precision))
}

// Decode returns the centre of the cell identified by key.
func Decode(key string) (lat, lng float64) {
	box := geohash.BoundingBox(key)
	return (box.MinLat + box.MaxLat) / 2, (box.MinLng + box.MaxLng) / 2
}

// CellSize returns the height and width in degrees of a geohash cell with the given number of characters.
func CellSize(precision int) (latDeg, lngDeg float64) {
	bits := 5 * precision
	lngBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Pow(2, float64(latBits)), 360 / math.Pow(2, float64(lngBits))
}

// BoundingRanges returns key ranges whose union contains the key of every point
// within radiusMeters of the origin. Points outside the radius may also match.
func BoundingRanges(lat, lng, radiusMeters float64) ([]Range, error) {
	if err := domain.ValidateCoordinates(lat, lng); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive, got %v", domain.ErrInvalidArgument, radiusMeters)
	}

	latSpan, lngSpan, ok := angularSpan(lat, radiusMeters)
	if !ok {
		return []Range{FullRange}, nil
	}
	precision := queryPrecision(latSpan, lngSpan)
	if precision == 0 {
		return []Range{FullRange}, nil
	}

	center := encode(lat, lng, precision)
	box := geohash.BoundingBox(center)
	cellLat, cellLng := box.MaxLat-box.MinLat, box.MaxLng-box.MinLng
	midLat, midLng := (box.MinLat+box.MaxLat)/2, (box.MinLng+box.MaxLng)/2

	seen := make(map[string]struct{}, 9)
	ranges := make([]Range, 0, 9)
	for dy := -1; dy <= 1; dy++ {
		cellMidLat := midLat + float64(dy)*cellLat
		if cellMidLat > 90 || cellMidLat < -90 {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			cellMidLng := wrapLng(midLng + float64(dx)*cellLng)
			hash := encode(cellMidLat, cellMidLng, precision)
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			ranges = append(ranges, prefixRange(hash))
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Low < ranges[j].Low })
	return ranges, nil
}

// angularSpan returns the latitude and longitude half-spans (degrees) of the
// disk. ok is false when the disk reaches a pole.
func angularSpan(lat, radiusMeters float64) (latSpan, lngSpan float64, ok bool) {
	delta := radiusMeters / EarthRadiusMeters
	latSpan = delta * 180 / math.Pi
	if math.Abs(lat)+latSpan >= 90 {
		return 0, 0, false
	}
	ratio := math.Sin(delta) / math.Cos(lat*math.Pi/180)
	if ratio >= 1 {
		return 0, 0, false
	}
	return latSpan, math.Asin(ratio) * 180 / math.Pi, true
}

// queryPrecision picks the finest precision whose cells are at least as large as
// the disk's half-spans, so the disk never reaches beyond the 3x3 neighbourhood.
func queryPrecision(latSpan, lngSpan float64) int {
	const margin = 1.0001
	for p := MaxQueryPrecision; p >= 1; p-- {
		cellLat, cellLng := CellSize(p)
		if cellLat >= latSpan*margin && cellLng >= lngSpan*margin {
			return p
		}
	}
	return 0
}

func wrapLng(lng float64) float64 {
	for lng >= 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

// Distance returns the haversine great-circle distance in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dphi := toRadians(lat2 - lat1)
	dlambda := toRadians(lng2 - lng1)

	sinDphi := math.Sin(dphi / 2)
	sinDlambda := math.Sin(dlambda / 2)
	a := sinDphi*sinDphi + math.Cos(phi1)*math.Cos(phi2)*sinDlambda*sinDlambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Destination returns the point reached by travelling distanceMeters from the
// origin along the initial bearing (degrees clockwise from north).
func Destination(lat, lng, bearingDeg, distanceMeters float64) (float64, float64) {
	delta := distanceMeters / EarthRadiusMeters
	theta := toRadians(bearingDeg)
	phi1 := toRadians(lat)
	lambda1 := toRadians(lng)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return phi2 * 180 / math.Pi, wrapLng(lambda2 * 180 / math.Pi)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
