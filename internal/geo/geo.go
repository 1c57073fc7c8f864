package geo

import "math"

// Earth circumference assumed by the equirectangular projection, in meters.
const earthCircumference = 40074000.0

const metersPerDegree = earthCircumference / 360.0

// Default projection origin (Berlin, Alexanderplatz area).
const (
	DefaultOriginLat = 52.519170
	DefaultOriginLon = 13.409606
)

// GeoPoint is a geographic coordinate in degrees (WGS 84).
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PlanarPoint is a coordinate in meters relative to a projection origin.
type PlanarPoint struct {
	X float64
	Y float64
}

// ToPlanar projects a geographic coordinate into the local planar system
// centered on (originLat, originLon). Longitude is scaled by the cosine of
// the origin latitude so distances stay reasonable around the origin.
func ToPlanar(lat, lon, originLat, originLon float64) PlanarPoint {
	return PlanarPoint{
		X: (lon - originLon) * math.Cos(originLat*math.Pi/180) * metersPerDegree,
		Y: (lat - originLat) * metersPerDegree,
	}
}

// ToGeo is the exact inverse of ToPlanar for the same origin.
func ToGeo(x, y, originLat, originLon float64) GeoPoint {
	return GeoPoint{
		Lat: y/metersPerDegree + originLat,
		Lon: x/(math.Cos(originLat*math.Pi/180)*metersPerDegree) + originLon,
	}
}

// Origin fixes a projection origin so callers don't have to thread the
// origin coordinates through every conversion.
type Origin struct {
	Lat float64
	Lon float64
}

// DefaultOrigin is the Berlin reference point used when no origin is configured.
var DefaultOrigin = Origin{Lat: DefaultOriginLat, Lon: DefaultOriginLon}

func (o Origin) ToPlanar(p GeoPoint) PlanarPoint {
	return ToPlanar(p.Lat, p.Lon, o.Lat, o.Lon)
}

func (o Origin) ToGeo(p PlanarPoint) GeoPoint {
	return ToGeo(p.X, p.Y, o.Lat, o.Lon)
}

// Distance returns the Euclidean distance between two planar points in meters.
func Distance(a, b PlanarPoint) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Lerp linearly interpolates between two planar points. t=0 yields a, t=1 yields b.
func Lerp(a, b PlanarPoint, t float64) PlanarPoint {
	return PlanarPoint{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}

// Smoothstep maps linear progress in [0,1] onto an eased curve with zero
// slope at both ends, so interpolated movement starts and stops gently
// instead of jumping to constant velocity.
func Smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}
