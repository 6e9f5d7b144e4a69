// Package geo holds the great-circle helpers used by the tracking pipeline and
// the stop clustering engine.
package geo

import "math"

// EarthRadiusM is the mean Earth radius used by every distance computation.
const EarthRadiusM = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// DistanceMeters returns the haversine distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusM * c
}

// HaversineKm is DistanceMeters in kilometres for raw coordinates.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	return DistanceMeters(Point{Lat: lat1, Lng: lng1}, Point{Lat: lat2, Lng: lng2}) / 1000
}

// BearingDegrees returns the initial bearing from a to b in [0, 360).
func BearingDegrees(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	deltaLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(deltaLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLng)

	return normalize(math.Atan2(y, x) * 180 / math.Pi)
}

// BearingDelta returns the absolute angular difference between two bearings,
// taking wraparound into account. The result is in [0, 180].
func BearingDelta(b1, b2 float64) float64 {
	d := math.Abs(normalize(b1) - normalize(b2))
	if d > 180 {
		d = 360 - d
	}
	return d
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	// math.Mod(-1e-15, 360)+360 rounds to 360.
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// Box is a lat/lng bounding rectangle.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box that contains every point within radiusM of
// center. It is only a coarse pre-filter; callers must still check the exact
// distance of anything it admits.
func BoundingBox(center Point, radiusM float64) Box {
	dLat := radiusM / EarthRadiusM * 180 / math.Pi
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	dLng := 180.0
	if cosLat > 1e-12 {
		dLng = math.Min(180, dLat/cosLat)
	}
	return Box{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLng: center.Lng - dLng,
		MaxLng: center.Lng + dLng,
	}
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}
