package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by the Haversine formula.
const EarthRadiusMeters = 6_371_000.0

// Circle is a circular area centred on a WGS84 coordinate.
type Circle struct {
	Lat    float64
	Lon    float64
	Radius float64 // meters
}

// DistanceMeters returns the great-circle distance between two coordinates
// using the Haversine formula. NaN inputs produce NaN.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := degreesToRadians(lat1)
	phi2 := degreesToRadians(lat2)
	dPhi := degreesToRadians(lat2 - lat1)
	dLambda := degreesToRadians(lon2 - lon1)

	sinDPhi := math.Sin(dPhi / 2)
	sinDLambda := math.Sin(dLambda / 2)
	a := sinDPhi*sinDPhi + math.Cos(phi1)*math.Cos(phi2)*sinDLambda*sinDLambda
	// rounding can push a a hair above 1 for antipodal points
	a = math.Min(a, 1)

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance returns the distance between the centers of two circles.
func Distance(a, b Circle) float64 {
	return DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Contains reports whether (lat, lon) lies inside or on the circle.
func Contains(c Circle, lat, lon float64) bool {
	return DistanceMeters(c.Lat, c.Lon, lat, lon) <= c.Radius
}

// Overlaps reports whether two circles intersect. Touching circles do not overlap.
func Overlaps(a, b Circle) bool {
	return Distance(a, b) < a.Radius+b.Radius
}

// OverlapsWithMargin is Overlaps with an extra required gap of margin meters
// between the two boundaries.
func OverlapsWithMargin(a, b Circle, margin float64) bool {
	return Distance(a, b) < a.Radius+b.Radius+margin
}

func degreesToRadians(d float64) float64 {
	return d * math.Pi / 180
}

func radiansToDegrees(r float64) float64 {
	return r * 180 / math.Pi
}
