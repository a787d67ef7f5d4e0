// Package geo evaluates geofences around pilgrimage targets and rally points.
//
// Distances use the haversine great-circle formula on a spherical Earth. The
// error is well under a metre at pedestrian scale, which is all a proximity
// gate needs.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for all distance calculations.
const EarthRadiusMeters = 6_371_000.0

// ErrInvalidCoordinate is returned for non-finite or out-of-range coordinates.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports ErrInvalidCoordinate if either component is NaN, infinite
// or outside the valid degree range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: non-finite (%v, %v)", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Target is a place a user can check in at.
type Target struct {
	ID                    string     `json:"id" yaml:"id"`
	Name                  string     `json:"name,omitempty" yaml:"name"`
	Order                 int        `json:"order,omitempty" yaml:"order"`
	Coordinate            Coordinate `json:"coordinate" yaml:"coordinate"`
	ProximityRadiusMeters float64    `json:"proximity_radius_meters" yaml:"radius_meters"`
}

// Evaluation is the result of checking a coordinate against a target.
type Evaluation struct {
	TargetID       string  `json:"target_id"`
	DistanceMeters float64 `json:"distance_meters"`
	WithinRange    bool    `json:"within_range"`
}

// Distance returns the great-circle distance between a and b in metres.
// It is symmetric: Distance(a, b) == Distance(b, a).
func Distance(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Rounding can push h fractionally above 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Evaluate computes the distance from current to the target and whether it
// falls inside the target's radius. The boundary is inclusive.
func Evaluate(current Coordinate, target Target) (Evaluation, error) {
	if err := current.Validate(); err != nil {
		return Evaluation{}, err
	}
	if err := target.Coordinate.Validate(); err != nil {
		return Evaluation{}, fmt.Errorf("target %s: %w", target.ID, err)
	}

	d := Distance(current, target.Coordinate)
	return Evaluation{
		TargetID:       target.ID,
		DistanceMeters: d,
		WithinRange:    d <= target.ProximityRadiusMeters,
	}, nil
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
