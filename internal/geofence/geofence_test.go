package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourist-safety/monitor/internal/domain"
)

// A 0.02 degree square around central Jaipur.
var square = []domain.Point{
	{Longitude: 75.80, Latitude: 26.90},
	{Longitude: 75.82, Latitude: 26.90},
	{Longitude: 75.82, Latitude: 26.92},
	{Longitude: 75.80, Latitude: 26.92},
}

func TestDistance(t *testing.T) {
	// one degree of latitude is ~111.19km on a 6371km sphere
	d := Distance(domain.Point{Longitude: 0, Latitude: 0}, domain.Point{Longitude: 0, Latitude: 1})
	assert.InDelta(t, 111195, d, 50)

	p := domain.Point{Longitude: 91.88, Latitude: 25.57}
	assert.Zero(t, Distance(p, p))
}

func TestCircleFence(t *testing.T) {
	center := domain.Point{Longitude: 75.81, Latitude: 26.91}
	near := domain.Point{Longitude: 75.8105, Latitude: 26.91} // ~50m east
	far := domain.Point{Longitude: 75.83, Latitude: 26.91}    // ~2km east

	safe := domain.Geofence{Name: "hotel", Kind: domain.FenceSafeZone, Circle: &domain.Circle{Center: center, RadiusMeters: 200}}
	restricted := domain.Geofence{Name: "quarry", Kind: domain.FenceRestricted, Circle: &domain.Circle{Center: center, RadiusMeters: 200}}

	assert.False(t, Evaluate(near, safe))
	assert.True(t, Evaluate(far, safe))
	assert.True(t, Evaluate(near, restricted))
	assert.False(t, Evaluate(far, restricted))

	// boundary belongs to the inside
	assert.True(t, Evaluate(center, domain.Geofence{Kind: domain.FenceRestricted, Circle: &domain.Circle{Center: center, RadiusMeters: 0}}))
}

func TestPolygonFence(t *testing.T) {
	restricted := domain.Geofence{Name: "cantonment", Kind: domain.FenceRestricted, Polygon: square}
	safe := domain.Geofence{Name: "old city", Kind: domain.FenceSafeZone, Polygon: square}

	cases := []struct {
		name   string
		p      domain.Point
		inside bool
	}{
		{"centre", domain.Point{Longitude: 75.81, Latitude: 26.91}, true},
		{"east of square", domain.Point{Longitude: 75.83, Latitude: 26.91}, false},
		{"south of square", domain.Point{Longitude: 75.81, Latitude: 26.89}, false},
		{"on west edge", domain.Point{Longitude: 75.80, Latitude: 26.91}, true},
		{"on vertex", domain.Point{Longitude: 75.82, Latitude: 26.92}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.inside, Contains(tc.p, restricted))
			assert.Equal(t, tc.inside, Evaluate(tc.p, restricted))
			assert.Equal(t, !tc.inside, Evaluate(tc.p, safe))
		})
	}
}

func TestConcavePolygon(t *testing.T) {
	// U shape opening north; the notch is outside
	u := []domain.Point{
		{Longitude: 0, Latitude: 0}, {Longitude: 3, Latitude: 0}, {Longitude: 3, Latitude: 3},
		{Longitude: 2, Latitude: 3}, {Longitude: 2, Latitude: 1}, {Longitude: 1, Latitude: 1},
		{Longitude: 1, Latitude: 3}, {Longitude: 0, Latitude: 3}, {Longitude: 0, Latitude: 0},
	}
	f := domain.Geofence{Kind: domain.FenceRestricted, Polygon: u}

	assert.True(t, Contains(domain.Point{Longitude: 0.5, Latitude: 2}, f))
	assert.True(t, Contains(domain.Point{Longitude: 2.5, Latitude: 2}, f))
	assert.False(t, Contains(domain.Point{Longitude: 1.5, Latitude: 2}, f))
	assert.True(t, Contains(domain.Point{Longitude: 1.5, Latitude: 0.5}, f))
}

func TestCheckAllReturnsOnlyViolations(t *testing.T) {
	p := domain.Point{Longitude: 75.81, Latitude: 26.91}
	fences := []domain.Geofence{
		{Name: "old city", Kind: domain.FenceSafeZone, Polygon: square},
		{Name: "cantonment", Kind: domain.FenceRestricted, Polygon: square},
		{Name: "airport", Kind: domain.FenceRestricted, Circle: &domain.Circle{Center: domain.Point{Longitude: 75.81, Latitude: 26.82}, RadiusMeters: 1000}},
	}

	got := CheckAll(p, fences)
	require.Len(t, got, 1)
	assert.Equal(t, domain.GeofenceResult{FenceName: "cantonment", Kind: domain.FenceRestricted, Violated: true}, got[0])

	assert.Empty(t, CheckAll(p, nil))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(domain.Geofence{Name: "a", Polygon: square}))
	assert.NoError(t, Validate(domain.Geofence{Name: "b", Circle: &domain.Circle{Center: square[0], RadiusMeters: 10}}))

	assert.Error(t, Validate(domain.Geofence{Name: "c"}))
	assert.Error(t, Validate(domain.Geofence{Name: "d", Polygon: square[:2]}))
	assert.Error(t, Validate(domain.Geofence{Name: "e", Circle: &domain.Circle{Center: square[0], RadiusMeters: 0}}))
	assert.Error(t, Validate(domain.Geofence{Name: "f", Circle: &domain.Circle{Center: domain.Point{Longitude: 200}, RadiusMeters: 5}}))
	assert.Error(t, Validate(domain.Geofence{Name: "g", Polygon: square, Circle: &domain.Circle{Center: square[0], RadiusMeters: 5}}))

	// closing vertex does not count toward the minimum
	closed := []domain.Point{square[0], square[1], square[0]}
	assert.Error(t, Validate(domain.Geofence{Name: "h", Polygon: closed}))
}
