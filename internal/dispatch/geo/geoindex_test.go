package geo_test

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

func TestEncodeIsDeterministicAndPrefixPreserving(t *testing.T) {
	key := geo.Encode(38.4568, 27.2099)
	require.Len(t, key, geo.KeyPrecision)
	require.Equal(t, key, geo.Encode(38.4568, 27.2099))

	nearby := geo.Encode(38.4569, 27.2100)
	require.Equal(t, key[:6], nearby[:6], "points ~15m apart should share a long prefix")

	lat, lng := geo.Decode(key)
	require.InDelta(t, 38.4568, lat, 1e-6)
	require.InDelta(t, 27.2099, lng, 1e-6)

	coarseLat, coarseLng := geo.Decode(key[:4])
	require.InDelta(t, 38.4568, coarseLat, 0.2)
	require.InDelta(t, 27.2099, coarseLng, 0.2)
}

func TestEncodeHandlesEdgesOfTheGrid(t *testing.T) {
	require.Equal(t, geo.Encode(0, -180), geo.Encode(0, 180))
	require.Len(t, geo.Encode(90, 0), geo.KeyPrecision)
	require.Len(t, geo.Encode(-90, -180), geo.KeyPrecision)
}

func TestCellSizeShrinksWithPrecision(t *testing.T) {
	prevLat, prevLng := geo.CellSize(1)
	require.Equal(t, 45.0, prevLat)
	require.Equal(t, 45.0, prevLng)
	for p := 2; p <= geo.KeyPrecision; p++ {
		lat, lng := geo.CellSize(p)
		require.Less(t, lat, prevLat)
		require.Less(t, lng, prevLng)
		prevLat, prevLng = lat, lng
	}
}

func TestBoundingRangesRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name           string
		lat, lng, radi float64
	}{
		{"zero radius", 38.4, 27.2, 0},
		{"negative radius", 38.4, 27.2, -5},
		{"nan radius", 38.4, 27.2, math.NaN()},
		{"nan latitude", math.NaN(), 27.2, 100},
		{"latitude out of range", 91, 27.2, 100},
		{"infinite longitude", 38.4, math.Inf(1), 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := geo.BoundingRanges(tc.lat, tc.lng, tc.radi)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestBoundingRangesAreSmallPrefixRanges(t *testing.T) {
	ranges, err := geo.BoundingRanges(38.4568, 27.2099, 20000)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)
	require.LessOrEqual(t, len(ranges), 9)
	for i, r := range ranges {
		require.True(t, strings.HasPrefix(r.High, r.Low))
		require.Equal(t, len(r.Low)+1, len(r.High))
		if i > 0 {
			require.Less(t, ranges[i-1].Low, r.Low)
		}
	}
}

func TestBoundingRangesFallBackToFullRangeNearPoles(t *testing.T) {
	ranges, err := geo.BoundingRanges(89.99, 10, 5000)
	require.NoError(t, err)
	require.Equal(t, []geo.Range{geo.FullRange}, ranges)

	ranges, err = geo.BoundingRanges(0, 0, 8000000)
	require.NoError(t, err)
	require.Equal(t, []geo.Range{geo.FullRange}, ranges)
}

func TestBoundingRangesCoverEverySampledPointInsideRadius(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	origins := [][2]float64{
		{38.4568, 27.2099},
		{0, 0},
		{-33.8688, 151.2093},
		{64.1466, -21.9426},
		{10, 179.999},
		{-10, -179.999},
	}
	radii := []float64{5, 150, 1200, 20000, 250000}

	for _, origin := range origins {
		for _, radius := range radii {
			ranges, err := geo.BoundingRanges(origin[0], origin[1], radius)
			require.NoError(t, err)
			for i := 0; i < 400; i++ {
				bearing := rng.Float64() * 360
				dist := radius * 0.9999 * math.Sqrt(rng.Float64())
				lat, lng := geo.Destination(origin[0], origin[1], bearing, dist)
				require.LessOrEqual(t, geo.Distance(origin[0], origin[1], lat, lng), radius)
				key := geo.Encode(lat, lng)
				require.Truef(t, covered(ranges, key), "origin=%v radius=%v point=(%v,%v) key=%s ranges=%v", origin, radius, lat, lng, key, ranges)
			}
		}
	}

	for i := 0; i < 200; i++ {
		lat := rng.Float64()*160 - 80
		lng := rng.Float64()*360 - 180
		radius := 10 + rng.Float64()*100000
		ranges, err := geo.BoundingRanges(lat, lng, radius)
		require.NoError(t, err)
		for j := 0; j < 50; j++ {
			pLat, pLng := geo.Destination(lat, lng, rng.Float64()*360, radius*0.9999*rng.Float64())
			require.True(t, covered(ranges, geo.Encode(pLat, pLng)))
		}
	}
}

func covered(ranges []geo.Range, key string) bool {
	for _, r := range ranges {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

func TestDistanceAndDestinationAgree(t *testing.T) {
	require.Zero(t, geo.Distance(38.4568, 27.2099, 38.4568, 27.2099))

	for _, d := range []float64{1, 1200, 3000, 50000} {
		lat, lng := geo.Destination(38.4568, 27.2099, 0, d)
		require.InDelta(t, d, geo.Distance(38.4568, 27.2099, lat, lng), 1e-6)
		lat, lng = geo.Destination(38.4568, 27.2099, 123, d)
		require.InDelta(t, d, geo.Distance(38.4568, 27.2099, lat, lng), 1e-6)
	}

	// Izmir to Istanbul, roughly 330 km.
	require.InDelta(t, 330000, geo.Distance(38.4237, 27.1428, 41.0082, 28.9784), 10000)
}
