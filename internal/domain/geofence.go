package domain

type FenceKind string

const (
	FenceSafeZone   FenceKind = "safe_zone"
	FenceRestricted FenceKind = "restricted_area"
)

// Point is a WGS84 coordinate.
type Point struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

func (p Point) Valid() bool {
	return p.Longitude >= -180 && p.Longitude <= 180 && p.Latitude >= -90 && p.Latitude <= 90
}

type Circle struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius"`
}

// Geofence is either a polygon ring or a circle.
type Geofence struct {
	Name    string    `json:"name" validate:"required,max=100"`
	Kind    FenceKind `json:"type" validate:"required,oneof=safe_zone restricted_area"`
	Polygon []Point   `json:"polygon,omitempty"`
	Circle  *Circle   `json:"circle,omitempty"`
}

func (g Geofence) Clone() Geofence {
	c := g
	c.Polygon = append([]Point(nil), g.Polygon...)
	if g.Circle != nil {
		circle := *g.Circle
		c.Circle = &circle
	}
	return c
}

type GeofenceResult struct {
	FenceName string    `json:"fenceName"`
	Kind      FenceKind `json:"kind"`
	Violated  bool      `json:"isViolated"`
}
