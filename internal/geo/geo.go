// Package geo provides the WGS84 coordinate primitives shared by the
// prediction engine: haversine distances, coordinate validation, and
// regular grid construction for area predictions.
package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadiusMeters is the spherical earth radius used by every
	// haversine computation in this module. Changing it changes model
	// output; persisted bundles assume this value.
	EarthRadiusMeters = 6371000.0

	// MetersPerDegree approximates one degree of latitude. Longitude
	// compresses with latitude; grid construction corrects for that,
	// the KDE bandwidth heuristic deliberately does not (it reproduces
	// the behaviour the models were validated against).
	MetersPerDegree = 111000.0
)

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Lat, c.Lon)
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinate) float64 {
	return HaversineRad(a.Lat*math.Pi/180, a.Lon*math.Pi/180, b.Lat*math.Pi/180, b.Lon*math.Pi/180) * EarthRadiusMeters
}

// HaversineRad returns the central angle in radians between two points
// given in radians. Multiply by a radius to get a distance.
func HaversineRad(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat2 - lat1
	dLon := lon2 - lon1

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	return 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// Grid generates a regular coordinate grid covering a square of
// radiusMeters around center, with cells resolutionMeters apart. The
// longitude step is widened by 1/cos(lat) so cells are roughly square
// on the ground.
func Grid(center Coordinate, radiusMeters, resolutionMeters float64) []Coordinate {
	if radiusMeters <= 0 || resolutionMeters <= 0 {
		return nil
	}

	radiusDeg := radiusMeters / MetersPerDegree
	latStep := resolutionMeters / MetersPerDegree
	lonStep := resolutionMeters / (MetersPerDegree * math.Cos(center.Lat*math.Pi/180))

	var cells []Coordinate
	for lat := center.Lat - radiusDeg; lat < center.Lat+radiusDeg; lat += latStep {
		for lon := center.Lon - radiusDeg; lon < center.Lon+radiusDeg; lon += lonStep {
			cells = append(cells, Coordinate{Lat: lat, Lon: lon})
		}
	}
	return cells
}

// Centroid returns the arithmetic mean of the given coordinates.
// Adequate for neighbourhood-scale clusters; not antimeridian-safe.
func Centroid(coords []Coordinate) Coordinate {
	if len(coords) == 0 {
		return Coordinate{}
	}
	var lat, lon float64
	for _, c := range coords {
		lat += c.Lat
		lon += c.Lon
	}
	n := float64(len(coords))
	return Coordinate{Lat: lat / n, Lon: lon / n}
}
