package coordinates

import (
	"errors"
	"math"
)

// ErrDegenerateVector is returned when a Cartesian vector is too close to the
// Earth's center to convert back to a geodetic position.
var ErrDegenerateVector = errors.New("coordinates: degenerate position vector")

// ECEF is an Earth-centered Cartesian position or velocity vector.
// The frame is spherical (mean Earth radius), not the WGS84 ellipsoid:
// X points at lat=0 lon=0, Y at lat=0 lon=90E, Z at the north pole.
type ECEF struct {
	X float64
	Y float64
	Z float64
}

// Norm returns the Euclidean length of the vector.
func (v ECEF) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Add returns the vector sum v + w.
func (v ECEF) Add(w ECEF) ECEF {
	return ECEF{X: v.X + w.X, Y: v.Y + w.Y, Z: v.Z + w.Z}
}

// Scale returns the vector scaled by s.
func (v ECEF) Scale(s float64) ECEF {
	return ECEF{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// ToECEF converts a geodetic position to an Earth-centered Cartesian vector
// using the spherical Earth model. Altitude must be in the same unit as
// EarthRadiusMeters.
func ToECEF(g Geographic) ECEF {
	latRad := g.Latitude * DegreesToRadians
	lonRad := g.Longitude * DegreesToRadians
	r := EarthRadiusMeters + g.Altitude

	return ECEF{
		X: r * math.Cos(latRad) * math.Cos(lonRad),
		Y: r * math.Cos(latRad) * math.Sin(lonRad),
		Z: r * math.Sin(latRad),
	}
}

// ToGeographic converts an Earth-centered Cartesian vector back to a geodetic
// position. Altitude is the distance above the spherical Earth surface and
// can be negative for sub-surface vectors.
func (v ECEF) ToGeographic() (Geographic, error) {
	norm := v.Norm()
	if norm < 1e-9 || math.IsNaN(norm) {
		return Geographic{}, ErrDegenerateVector
	}

	return Geographic{
		Latitude:  math.Asin(v.Z/norm) * RadiansToDegrees,
		Longitude: math.Atan2(v.Y, v.X) * RadiansToDegrees,
		Altitude:  norm - EarthRadiusMeters,
	}, nil
}
