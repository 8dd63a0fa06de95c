package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// GEO POINTS
// Territory centers are kept as raw WGS84 degrees for distance math. The
// persisted copy is projected to 3857 so spatial tooling on the database side
// can read it; SQLite has no spatial awareness, so geometry is stored as WKB.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ValidCoordinate reports whether lat/lon are finite and inside WGS84 bounds.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ParseLatLon parses a string in the format "lat,lon" into degrees.
func ParseLatLon(coords string) (lat, lon float64, err error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) != 2 {
		return 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	if !ValidCoordinate(lat, lon) {
		return 0, 0, ErrInvalidCoordinates
	}
	return lat, lon, nil
}

// WebMercator projects a WGS84 coordinate (EPSG:4326) to EPSG:3857.
func WebMercator(lat, lon float64) geom.Point {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ := f(lon, lat, 0)
	point, err := geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Type: geom.DimXY,
		},
	)
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY)
	}
	return point
}

// Bounds is a lat/lon window in degrees.
type Bounds struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// BoundsFor returns a window that fully contains the circle of radiusMeters
// around (lat, lon). It over-covers near the poles and is only meant as a
// coarse prefilter.
func BoundsFor(lat, lon, radiusMeters float64) Bounds {
	dLat := radiansToDegrees(radiusMeters / EarthRadiusMeters)

	minLat := math.Max(lat-dLat, -90)
	maxLat := math.Min(lat+dLat, 90)

	// cos of the latitude closest to a pole gives the widest longitude span
	cosLat := math.Cos(degreesToRadians(math.Max(math.Abs(minLat), math.Abs(maxLat))))
	var dLon float64
	if cosLat < 1e-9 || radiusMeters/(EarthRadiusMeters*cosLat) >= math.Pi {
		dLon = 180
	} else {
		dLon = radiansToDegrees(radiusMeters / (EarthRadiusMeters * cosLat))
	}

	minLon := lon - dLon
	maxLon := lon + dLon
	if dLon >= 180 || minLon < -180 || maxLon > 180 {
		// window crosses the antimeridian; widen to the full band
		minLon, maxLon = -180, 180
	}
	return Bounds{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}
}

// Envelope returns the window as an envelope with X=lon and Y=lat. A window
// built from non-finite input yields the empty envelope, which intersects
// nothing.
func (b Bounds) Envelope() geom.Envelope {
	env, err := geom.NewEnvelope([]geom.XY{
		{X: b.MinLon, Y: b.MinLat},
		{X: b.MaxLon, Y: b.MaxLat},
	})
	if err != nil {
		return geom.Envelope{}
	}
	return env
}

// BoundingBox is BoundsFor as an envelope.
func BoundingBox(lat, lon, radiusMeters float64) geom.Envelope {
	return BoundsFor(lat, lon, radiusMeters).Envelope()
}
