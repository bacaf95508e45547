// Package geo provides great-circle distance helpers used by the
// reference store and the vehicle tracker's speed computation (§4.2.1).
package geo

import "math"

// earthRadiusMeters is the spherical Earth radius used by the spec's
// haversine formula (§4.2.1: "6371 km").
const earthRadiusMeters = 6371000

// Haversine returns the great-circle distance between two points, in
// meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Within reports whether two points are within radiusMeters of each
// other (great-circle, not planar — §4.1).
func Within(lat1, lon1, lat2, lon2, radiusMeters float64) bool {
	return Haversine(lat1, lon1, lat2, lon2) <= radiusMeters
}

// BoundingBox returns a lat/lon rectangle that safely contains every
// point within radiusMeters of (lat, lon). Used as a cheap SQL
// pre-filter before the exact haversine check (§4.1 expansion — the
// reference store has no dedicated spatial index, so a bbox prune
// keeps the exact check's candidate set small).
func BoundingBox(lat, lon, radiusMeters float64) (latMin, latMax, lonMin, lonMax float64) {
	// ~111_320 m per degree of latitude; longitude degrees shrink with
	// cos(latitude).
	latDelta := radiusMeters / 111320.0
	lonDelta := radiusMeters / (111320.0 * math.Max(math.Cos(lat*math.Pi/180), 0.01))
	return lat - latDelta, lat + latDelta, lon - lonDelta, lon + lonDelta
}

// RoundBucket rounds a coordinate to the given number of decimal
// places, used to build aggregation keys (§3: "4 decimal places, ~11 m").
func RoundBucket(value float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(value*mult) / mult
}
