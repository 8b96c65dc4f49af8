// Package geofence decides whether a coordinate violates a named fence.
//
// Circles use great-circle distance on the sphere. Polygons use a planar
// ray-casting test on (longitude, latitude), which holds for regional
// fences that do not straddle the antimeridian or a pole.
package geofence

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"

	"tourist-safety/monitor/internal/domain"
)

const EarthRadiusMeters = 6371000.0

// edgeEpsilon is the tolerance, in degrees, for treating a point as lying
// on a polygon edge (about 1cm at the equator).
const edgeEpsilon = 1e-7

// Distance returns the haversine distance between two points in meters.
func Distance(a, b domain.Point) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Contains reports whether p lies inside the fence geometry. Points on a
// polygon edge or exactly on a circle's boundary are inside.
func Contains(p domain.Point, f domain.Geofence) bool {
	if f.Circle != nil {
		return Distance(p, f.Circle.Center) <= f.Circle.RadiusMeters
	}
	return inPolygon(p, f.Polygon)
}

// Evaluate reports whether p violates f: leaving a safe zone or entering
// a restricted area.
func Evaluate(p domain.Point, f domain.Geofence) bool {
	inside := Contains(p, f)
	switch f.Kind {
	case domain.FenceSafeZone:
		return !inside
	case domain.FenceRestricted:
		return inside
	default:
		return false
	}
}

// CheckAll evaluates every fence independently and returns the violated
// ones, in fence order.
func CheckAll(p domain.Point, fences []domain.Geofence) []domain.GeofenceResult {
	var out []domain.GeofenceResult
	for _, f := range fences {
		if Evaluate(p, f) {
			out = append(out, domain.GeofenceResult{FenceName: f.Name, Kind: f.Kind, Violated: true})
		}
	}
	return out
}

// Validate checks the geometry of f. Field-level checks (name, kind) are
// left to struct validation.
func Validate(f domain.Geofence) error {
	switch {
	case f.Circle != nil && len(f.Polygon) > 0:
		return fmt.Errorf("fence %q: polygon and circle are mutually exclusive", f.Name)
	case f.Circle != nil:
		if !f.Circle.Center.Valid() {
			return fmt.Errorf("fence %q: center out of range", f.Name)
		}
		if f.Circle.RadiusMeters <= 0 || math.IsNaN(f.Circle.RadiusMeters) {
			return fmt.Errorf("fence %q: radius must be positive", f.Name)
		}
	case len(f.Polygon) > 0:
		ring := openRing(f.Polygon)
		if len(ring) < 3 {
			return fmt.Errorf("fence %q: polygon needs at least 3 vertices", f.Name)
		}
		for _, v := range ring {
			if !v.Valid() {
				return fmt.Errorf("fence %q: vertex out of range", f.Name)
			}
		}
	default:
		return fmt.Errorf("fence %q: geometry required", f.Name)
	}
	return nil
}

// openRing drops a closing vertex equal to the first.
func openRing(ring []domain.Point) []domain.Point {
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		return ring[:n-1]
	}
	return ring
}

func inPolygon(p domain.Point, polygon []domain.Point) bool {
	ring := openRing(polygon)
	n := len(ring)
	if n < 3 {
		return false
	}

	x, y := p.Longitude, p.Latitude
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[j], ring[i]
		if onSegment(p, a, b) {
			return true
		}
		if (b.Latitude > y) != (a.Latitude > y) {
			cross := (a.Longitude-b.Longitude)*(y-b.Latitude)/(a.Latitude-b.Latitude) + b.Longitude
			if x < cross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b domain.Point) bool {
	cross := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude) - (b.Latitude-a.Latitude)*(p.Longitude-a.Longitude)
	if math.Abs(cross) > edgeEpsilon {
		return false
	}
	return p.Longitude >= math.Min(a.Longitude, b.Longitude)-edgeEpsilon &&
		p.Longitude <= math.Max(a.Longitude, b.Longitude)+edgeEpsilon &&
		p.Latitude >= math.Min(a.Latitude, b.Latitude)-edgeEpsilon &&
		p.Latitude <= math.Max(a.Latitude, b.Latitude)+edgeEpsilon
}
