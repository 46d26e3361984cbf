// Package forecast extrapolates an aircraft's current kinematic state into a
// short-horizon future path. Positions are carried through an Earth-centered
// Cartesian frame on a spherical Earth and converted back to geodetic
// coordinates for each predicted point.
package forecast

import (
	"fmt"
	"math"

	"github.com/planetracker/planetracker/pkg/coordinates"
)

const (
	// DefaultHorizonSeconds is how far ahead a trajectory reaches
	DefaultHorizonSeconds = 60.0

	// DefaultStepSeconds is the spacing between trajectory points
	DefaultStepSeconds = 2.0
)

// State is the kinematic input to one forecast: where the aircraft is and
// how it is moving right now.
type State struct {
	// Latitude in decimal degrees
	Latitude float64

	// Longitude in decimal degrees
	Longitude float64

	// Altitude above mean sea level
	Altitude float64

	// GroundSpeed is horizontal speed (per-second units)
	GroundSpeed float64

	// Track is the ground track in degrees (0 = North, 90 = East)
	Track float64

	// VerticalRate is climb/descent rate (per-second units)
	VerticalRate float64
}

// Point is one predicted trajectory position.
type Point struct {
	// Latitude in decimal degrees
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees
	Longitude float64 `json:"longitude"`

	// Altitude above mean sea level
	Altitude float64 `json:"altitude"`

	// TimeOffset is seconds from now at which this point is predicted
	TimeOffset float64 `json:"time_offset"`

	// Distance is the combined horizontal+vertical distance in meters from
	// the aircraft's current position (not from the previous point)
	Distance float64 `json:"distance_from_current"`

	// Bearing is the great-circle bearing in degrees from the current
	// position to this point
	Bearing float64 `json:"bearing"`
}

// Forecast predicts the aircraft's path over the horizon using constant
// velocity extrapolation in the Cartesian frame, scaled by a small
// altitude-band correction for curvature drift. Points that would fall below
// the Earth's surface are projected radially back onto it.
//
// The output is deterministic for identical inputs and contains
// ceil(horizon/step) points. A degenerate numerical state (vector norm
// collapsing to zero) is reported as an error; callers are expected to
// degrade to an empty trajectory rather than fail the surrounding record.
func Forecast(state State, horizonSeconds, stepSeconds float64) ([]Point, error) {
	if stepSeconds <= 0 {
		return nil, fmt.Errorf("forecast: step must be positive, got %f", stepSeconds)
	}
	if horizonSeconds < 0 {
		return nil, fmt.Errorf("forecast: horizon must be non-negative, got %f", horizonSeconds)
	}

	origin := coordinates.Geographic{
		Latitude:  state.Latitude,
		Longitude: state.Longitude,
		Altitude:  state.Altitude,
	}
	currentPos := coordinates.ToECEF(origin)
	velocity := velocityVector(state.GroundSpeed, state.Track, state.VerticalRate)
	correction := altitudeCorrectionFactor(state.Altitude)

	points := make([]Point, 0, int(math.Ceil(horizonSeconds/stepSeconds)))
	for t := 0.0; t < horizonSeconds; t += stepSeconds {
		predicted := currentPos.Add(velocity.Scale(t)).Scale(correction)

		// Keep the prediction above the Earth's surface
		if norm := predicted.Norm(); norm > 0 && norm < coordinates.EarthRadiusMeters {
			predicted = predicted.Scale(coordinates.EarthRadiusMeters / norm)
		}

		pos, err := predicted.ToGeographic()
		if err != nil {
			return nil, fmt.Errorf("forecast at t=%.0fs: %w", t, err)
		}

		points = append(points, Point{
			Latitude:   pos.Latitude,
			Longitude:  pos.Longitude,
			Altitude:   pos.Altitude,
			TimeOffset: t,
			Distance:   coordinates.SlantDistanceMeters(origin, pos),
			Bearing:    coordinates.Bearing(origin, pos),
		})
	}

	return points, nil
}

// velocityVector derives the 3-vector velocity from ground speed, track and
// vertical rate: north and east components from the track angle, the
// vertical rate as the up component.
func velocityVector(groundSpeed, track, verticalRate float64) coordinates.ECEF {
	trackRad := track * coordinates.DegreesToRadians
	return coordinates.ECEF{
		X: groundSpeed * math.Cos(trackRad), // north component
		Y: groundSpeed * math.Sin(trackRad), // east component
		Z: verticalRate,                     // up component
	}
}

// altitudeCorrectionFactor slightly inflates predictions at altitude to
// compensate for curvature-related drift in the linear extrapolation.
func altitudeCorrectionFactor(altitude float64) float64 {
	switch {
	case altitude < 1000:
		return 1.000
	case altitude < 5000:
		return 1.001
	case altitude < 15000:
		return 1.002
	case altitude < 30000:
		return 1.003
	default:
		return 1.004
	}
}
