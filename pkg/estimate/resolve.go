package estimate

import (
	"math"
	"time"

	"github.com/planetracker/planetracker/pkg/coordinates"
	"github.com/planetracker/planetracker/pkg/opensky"
)

// Provenance records which fallback method produced a resolved altitude.
type Provenance string

const (
	ProvenanceMeasuredBaro      Provenance = "measured-baro"
	ProvenanceMeasuredGeo       Provenance = "measured-geo"
	ProvenanceFilterPredicted   Provenance = "filter-predicted"
	ProvenanceRateIntegrated    Provenance = "rate-integrated"
	ProvenanceVelocityHeuristic Provenance = "velocity-heuristic"
	ProvenancePhaseHeuristic    Provenance = "phase-heuristic"
	ProvenanceDefault           Provenance = "default"
)

// HistoryPoint is one prior poll's observation of an aircraft, as kept in
// the per-key history ring. Only the fields the fallback ladder consumes
// are retained.
type HistoryPoint struct {
	Time         time.Time
	Latitude     *float64
	Longitude    *float64
	Altitude     *float64
	VerticalRate *float64
}

// Resolution is the outcome of the fallback ladder: a value and the method
// that produced it.
type Resolution struct {
	Altitude   float64
	Provenance Provenance
}

// Phase-heuristic and velocity-heuristic constants. The bearing-trend
// heuristic treats heading change as a proxy for altitude trend; that is a
// weak signal kept for compatibility with the established behavior, not a
// physical model.
const (
	bearingTrendThreshold = 0.1
	bearingTrendWindow    = 5

	climbingAltitude   = 20000.0
	descendingAltitude = 30000.0
	levelAltitude      = 35000.0
)

// velocityBand maps a ground-speed ceiling to a coarse cruise altitude.
type velocityBand struct {
	maxSpeed float64
	altitude float64
}

// velocityBands is evaluated in order; the final band catches all faster
// aircraft.
var velocityBands = []velocityBand{
	{maxSpeed: 50, altitude: 0},
	{maxSpeed: 150, altitude: 5000},
	{maxSpeed: 250, altitude: 15000},
	{maxSpeed: 350, altitude: 25000},
	{maxSpeed: 450, altitude: 35000},
	{maxSpeed: math.Inf(1), altitude: 40000},
}

// inReasonableRange range-checks a candidate altitude.
func inReasonableRange(altitude float64) bool {
	return altitude >= MinReasonableAltitude && altitude <= MaxReasonableAltitude
}

// ResolveAltitude derives the best-available altitude for one observation.
// The fallback ladder is evaluated in strict order and the first step that
// yields an in-range value wins:
//
//  1. measured barometric altitude (fed into the filter)
//  2. measured geometric altitude (fed into the filter)
//  3. filter prediction, once the filter has seen a real measurement
//  4. last known altitude from history plus rate x elapsed polls
//  5. ground-speed band lookup
//  6. bearing-change trend over recent history, else the level default
//
// history holds this aircraft's prior polls, oldest first, and must not
// include the current observation. The ladder always terminates: step 6
// produces a value unconditionally.
func (f *Filter) ResolveAltitude(obs opensky.StateVector, history []HistoryPoint) Resolution {
	steps := []struct {
		provenance Provenance
		attempt    func() (float64, bool)
	}{
		{ProvenanceMeasuredBaro, func() (float64, bool) { return f.measured(obs.BaroAltitude, obs.VerticalRate) }},
		{ProvenanceMeasuredGeo, func() (float64, bool) { return f.measured(obs.GeoAltitude, obs.VerticalRate) }},
		{ProvenanceFilterPredicted, f.predicted},
		{ProvenanceRateIntegrated, func() (float64, bool) { return rateIntegrated(obs, history) }},
		{ProvenanceVelocityHeuristic, func() (float64, bool) { return velocityHeuristic(obs.Velocity) }},
	}

	for _, step := range steps {
		if altitude, ok := step.attempt(); ok && inReasonableRange(altitude) {
			return Resolution{Altitude: altitude, Provenance: step.provenance}
		}
	}

	return phaseHeuristic(history)
}

// measured feeds a direct measurement into the filter and returns it.
// Out-of-range measurements are rejected before touching the filter.
func (f *Filter) measured(altitude, verticalRate *float64) (float64, bool) {
	if altitude == nil || *altitude <= 0 || !inReasonableRange(*altitude) {
		return 0, false
	}
	f.Update(*altitude, verticalRate, nil)
	return *altitude, true
}

// predicted advances the filter one poll without a measurement. Only
// meaningful once a real measurement has seeded the state; before that the
// prediction is just the initial guess and the ladder moves on.
func (f *Filter) predicted() (float64, bool) {
	if !f.HasMeasurement() {
		return 0, false
	}
	altitude, _ := f.Predict(defaultUpdateInterval)
	return altitude, true
}

// rateIntegrated extrapolates the most recent known altitude in history by
// vertical rate times the number of polls elapsed since that altitude was
// seen. Poll count, not wall-clock time, is deliberately the multiplier
// here - that matches the established behavior even though vertical rate is
// a per-second quantity.
func rateIntegrated(obs opensky.StateVector, history []HistoryPoint) (float64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		point := history[i]
		if point.Altitude == nil {
			continue
		}

		elapsedPolls := float64(len(history) - i)

		rate := 0.0
		if obs.VerticalRate != nil {
			rate = *obs.VerticalRate
		} else if point.VerticalRate != nil {
			rate = *point.VerticalRate
		}

		return *point.Altitude + rate*elapsedPolls, true
	}
	return 0, false
}

// velocityHeuristic maps ground speed to a coarse altitude band.
func velocityHeuristic(velocity *float64) (float64, bool) {
	if velocity == nil {
		return 0, false
	}
	for _, band := range velocityBands {
		if *velocity < band.maxSpeed {
			return band.altitude, true
		}
	}
	return 0, false
}

// phaseHeuristic infers a flight phase from the bearing-change trend over
// the most recent positioned history points: a strong positive trend is
// taken as climbing, a strong negative trend as descending, anything else
// as level flight. With fewer than two usable points there is no trend and
// the level default applies.
func phaseHeuristic(history []HistoryPoint) Resolution {
	positions := make([]coordinates.Geographic, 0, bearingTrendWindow)

	start := len(history) - bearingTrendWindow
	if start < 0 {
		start = 0
	}
	for _, point := range history[start:] {
		if point.Latitude == nil || point.Longitude == nil {
			continue
		}
		positions = append(positions, coordinates.Geographic{
			Latitude:  *point.Latitude,
			Longitude: *point.Longitude,
		})
	}

	if len(positions) < 2 {
		return Resolution{Altitude: levelAltitude, Provenance: ProvenanceDefault}
	}

	bearings := make([]float64, 0, len(positions)-1)
	for i := 1; i < len(positions); i++ {
		bearings = append(bearings, coordinates.Bearing(positions[i-1], positions[i]))
	}

	trend := 0.0
	if len(bearings) > 1 {
		for i := 1; i < len(bearings); i++ {
			trend += normalizeAngle(bearings[i] - bearings[i-1])
		}
		trend /= float64(len(bearings) - 1)
	}

	switch {
	case trend > bearingTrendThreshold:
		return Resolution{Altitude: climbingAltitude, Provenance: ProvenancePhaseHeuristic}
	case trend < -bearingTrendThreshold:
		return Resolution{Altitude: descendingAltitude, Provenance: ProvenancePhaseHeuristic}
	default:
		return Resolution{Altitude: levelAltitude, Provenance: ProvenancePhaseHeuristic}
	}
}

// normalizeAngle normalizes an angle to the [-180, 180] range.
func normalizeAngle(angle float64) float64 {
	for angle > 180.0 {
		angle -= 360.0
	}
	for angle < -180.0 {
		angle += 360.0
	}
	return angle
}
