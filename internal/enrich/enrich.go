// Package enrich turns raw surveillance state vectors into enriched flight
// records: validity filtering, per-aircraft altitude estimation with
// provenance, and short-horizon trajectory forecasts. It sits between the
// fetch orchestrator and the serving layer.
package enrich

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/planetracker/planetracker/internal/fetch"
	"github.com/planetracker/planetracker/pkg/estimate"
	"github.com/planetracker/planetracker/pkg/forecast"
	"github.com/planetracker/planetracker/pkg/opensky"
)

// ErrNotTracked reports a lookup for an aircraft that is not in the current
// snapshot and has no live estimator.
var ErrNotTracked = errors.New("flight not tracked")

const (
	// minValidAltitude rejects ground clutter and taxiing aircraft that
	// slipped past the on-ground flag
	minValidAltitude = 100.0

	// historySize bounds the per-aircraft observation ring
	historySize = 10

	// DefaultEvictAfter is how long an aircraft may be absent from
	// snapshots before its estimator state is discarded
	DefaultEvictAfter = 5 * time.Minute
)

// Record is one enriched flight as served to clients. The raw surveillance
// fields keep their upstream names; the predicted_* fields are ours.
type Record struct {
	ICAO24        string   `json:"icao24"`
	Callsign      string   `json:"callsign"`
	OriginCountry string   `json:"origin_country"`
	LastContact   int64    `json:"last_contact"`
	Longitude     float64  `json:"longitude"`
	Latitude      float64  `json:"latitude"`
	BaroAltitude  *float64 `json:"baro_altitude"`
	OnGround      bool     `json:"on_ground"`
	Velocity      *float64 `json:"velocity"`
	TrueTrack     *float64 `json:"true_track"`
	VerticalRate  *float64 `json:"vertical_rate"`
	GeoAltitude   *float64 `json:"geo_altitude"`

	PredictedAltitude    float64          `json:"predicted_altitude"`
	AltitudeConfidence   float64          `json:"altitude_confidence"`
	AltitudeSource       string           `json:"altitude_source"`
	HasPredictedAltitude bool             `json:"has_predicted_altitude"`
	PredictedTrajectory  []forecast.Point `json:"predicted_trajectory"`
}

// AltitudeEstimate is the filter view for a single aircraft.
type AltitudeEstimate struct {
	ICAO24       string  `json:"icao24"`
	Altitude     float64 `json:"predicted_altitude"`
	VerticalRate float64 `json:"vertical_rate"`
	Confidence   float64 `json:"confidence"`
	Source       string  `json:"source"`
}

// Statistics summarizes one snapshot for the status endpoint.
type Statistics struct {
	TotalFlights  int            `json:"total_flights"`
	AltitudeStats RangeStats     `json:"altitude_stats"`
	VelocityStats RangeStats     `json:"velocity_stats"`
	Countries     map[string]int `json:"countries"`
}

// RangeStats holds min/max/avg over one numeric field of a snapshot.
type RangeStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Options tune the enrichment pass.
type Options struct {
	HorizonSeconds float64
	StepSeconds    float64
	EvictAfter     time.Duration
}

// tracked is the persistent per-aircraft state between polls.
type tracked struct {
	filter     *estimate.Filter
	history    []estimate.HistoryPoint
	lastSeen   time.Time
	lastResult estimate.Resolution
}

// Pipeline owns the estimator registry and drives enrichment inside the
// orchestrator's fetch path, so each poll is enriched exactly once no matter
// how many callers triggered it.
type Pipeline struct {
	orch   *fetch.Orchestrator[Record]
	opts   Options
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	tracked map[string]*tracked
}

// NewPipeline wires the pipeline into a fetch orchestrator over the given
// upstream client.
func NewPipeline(client fetch.Upstream, fetchCfg fetch.Config, opts Options, logger *log.Logger) *Pipeline {
	if opts.HorizonSeconds <= 0 {
		opts.HorizonSeconds = forecast.DefaultHorizonSeconds
	}
	if opts.StepSeconds <= 0 {
		opts.StepSeconds = forecast.DefaultStepSeconds
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = DefaultEvictAfter
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Pipeline{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		tracked: make(map[string]*tracked),
	}
	p.orch = fetch.NewOrchestrator(client, fetchCfg, logger, p.enrich)
	return p
}

// EnrichedSnapshot returns the current enriched records and whether they are
// fresh. Never fails: upstream trouble yields the previous records.
func (p *Pipeline) EnrichedSnapshot(ctx context.Context, force bool) ([]Record, bool) {
	return p.orch.GetSnapshot(ctx, force)
}

// Record returns the enriched record for one aircraft from the current
// snapshot, refreshing it if the cache window has lapsed.
func (p *Pipeline) Record(ctx context.Context, icao24 string) (Record, error) {
	records, _ := p.orch.GetSnapshot(ctx, false)
	for _, r := range records {
		if r.ICAO24 == icao24 {
			return r, nil
		}
	}
	return Record{}, ErrNotTracked
}

// Trajectory recomputes a forecast for one aircraft over a caller-chosen
// horizon.
func (p *Pipeline) Trajectory(ctx context.Context, icao24 string, horizonSeconds float64) ([]forecast.Point, error) {
	r, err := p.Record(ctx, icao24)
	if err != nil {
		return nil, err
	}
	if horizonSeconds <= 0 {
		horizonSeconds = p.opts.HorizonSeconds
	}
	return forecast.Forecast(forecastState(r), horizonSeconds, p.opts.StepSeconds)
}

// AltitudeEstimate returns the live filter state for one aircraft.
func (p *Pipeline) AltitudeEstimate(icao24 string) (AltitudeEstimate, error) {
	p.mu.RLock()
	tr, ok := p.tracked[icao24]
	p.mu.RUnlock()
	if !ok {
		return AltitudeEstimate{}, ErrNotTracked
	}
	_, rate := tr.filter.Estimate()
	return AltitudeEstimate{
		ICAO24:       icao24,
		Altitude:     tr.lastResult.Altitude,
		VerticalRate: rate,
		Confidence:   tr.filter.Confidence(),
		Source:       string(tr.lastResult.Provenance),
	}, nil
}

// RateStatus exposes the orchestrator budget.
func (p *Pipeline) RateStatus() fetch.BudgetStatus {
	return p.orch.Status()
}

// Run drives the background refresh loop, forwarding each completed pass to
// onUpdate (the websocket broadcast hook).
func (p *Pipeline) Run(ctx context.Context, onUpdate func(records []Record, fresh bool)) {
	p.orch.Run(ctx, onUpdate)
}

// Stats computes snapshot statistics over the given records.
func Stats(records []Record) Statistics {
	stats := Statistics{Countries: make(map[string]int)}
	stats.TotalFlights = len(records)

	var altitudes, velocities []float64
	for _, r := range records {
		if alt := bestAltitude(r.BaroAltitude, r.GeoAltitude); alt != nil {
			altitudes = append(altitudes, *alt)
		}
		if r.Velocity != nil && *r.Velocity != 0 {
			velocities = append(velocities, *r.Velocity)
		}
		stats.Countries[r.OriginCountry]++
	}
	stats.AltitudeStats = rangeStats(altitudes)
	stats.VelocityStats = rangeStats(velocities)
	return stats
}

func rangeStats(values []float64) RangeStats {
	if len(values) == 0 {
		return RangeStats{}
	}
	rs := RangeStats{Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		if v < rs.Min {
			rs.Min = v
		}
		if v > rs.Max {
			rs.Max = v
		}
		sum += v
	}
	rs.Avg = sum / float64(len(values))
	return rs
}

// enrich is the orchestrator transform: it runs once per successful poll,
// inside the single-flight section.
func (p *Pipeline) enrich(states []opensky.StateVector, capturedAt time.Time) []Record {
	records := make([]Record, 0, len(states))
	now := p.now()

	p.mu.Lock()
	for _, sv := range states {
		if !valid(sv) {
			continue
		}

		tr, ok := p.tracked[sv.ICAO24]
		if !ok {
			tr = &tracked{filter: estimate.NewFilter()}
			p.tracked[sv.ICAO24] = tr
		}

		// Resolve against the history as it stood before this
		// observation, then log the observation.
		res := tr.filter.ResolveAltitude(sv, tr.history)
		tr.history = appendHistory(tr.history, estimate.HistoryPoint{
			Time:         capturedAt,
			Latitude:     sv.Latitude,
			Longitude:    sv.Longitude,
			Altitude:     bestAltitude(sv.BaroAltitude, sv.GeoAltitude),
			VerticalRate: sv.VerticalRate,
		})
		tr.lastSeen = now
		tr.lastResult = res

		// The altitude floor applies to the best-known value: the raw
		// reading when present, otherwise the resolved one. The aircraft
		// stays tracked either way.
		if res.Altitude < minValidAltitude {
			continue
		}

		r := Record{
			ICAO24:        sv.ICAO24,
			Callsign:      sv.Callsign,
			OriginCountry: sv.OriginCountry,
			Longitude:     *sv.Longitude,
			Latitude:      *sv.Latitude,
			BaroAltitude:  sv.BaroAltitude,
			OnGround:      sv.OnGround,
			Velocity:      sv.Velocity,
			TrueTrack:     sv.TrueTrack,
			VerticalRate:  sv.VerticalRate,
			GeoAltitude:   sv.GeoAltitude,

			PredictedAltitude:    res.Altitude,
			AltitudeConfidence:   tr.filter.Confidence(),
			AltitudeSource:       string(res.Provenance),
			HasPredictedAltitude: tr.filter.HasMeasurement(),
		}
		if !sv.LastContact.IsZero() {
			r.LastContact = sv.LastContact.Unix()
		}

		trajectory, err := forecast.Forecast(forecastState(r), p.opts.HorizonSeconds, p.opts.StepSeconds)
		if err != nil {
			p.logger.Printf("trajectory for %s: %v", sv.ICAO24, err)
			trajectory = []forecast.Point{}
		}
		r.PredictedTrajectory = trajectory

		records = append(records, r)
	}
	p.evictLocked(now)
	p.mu.Unlock()

	return records
}

// evictLocked drops estimator state for aircraft absent longer than the
// eviction window. Caller holds p.mu.
func (p *Pipeline) evictLocked(now time.Time) {
	for key, tr := range p.tracked {
		if now.Sub(tr.lastSeen) > p.opts.EvictAfter {
			delete(p.tracked, key)
		}
	}
}

// valid applies the observation filter: airborne, positioned and
// identifiable. A reported altitude below the floor is rejected here; an
// observation with no altitude at all passes through so the fallback ladder
// can supply one.
func valid(sv opensky.StateVector) bool {
	if sv.Latitude == nil || sv.Longitude == nil {
		return false
	}
	if sv.OnGround {
		return false
	}
	if sv.Callsign == "" {
		return false
	}
	if alt := bestAltitude(sv.BaroAltitude, sv.GeoAltitude); alt != nil && *alt < minValidAltitude {
		return false
	}
	return true
}

// bestAltitude prefers the barometric altitude, falling back to geometric.
// Zero values count as missing, matching the upstream's sparse encoding.
func bestAltitude(baro, geo *float64) *float64 {
	if baro != nil && *baro != 0 {
		return baro
	}
	if geo != nil && *geo != 0 {
		return geo
	}
	return nil
}

func appendHistory(history []estimate.HistoryPoint, point estimate.HistoryPoint) []estimate.HistoryPoint {
	history = append(history, point)
	if len(history) > historySize {
		history = history[len(history)-historySize:]
	}
	return history
}

// forecastState builds the forecaster input from an enriched record, using
// the resolved altitude so aircraft without a reported one still get a
// plausible path.
func forecastState(r Record) forecast.State {
	st := forecast.State{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Altitude:  r.PredictedAltitude,
	}
	if r.Velocity != nil {
		st.GroundSpeed = *r.Velocity
	}
	if r.TrueTrack != nil {
		st.Track = *r.TrueTrack
	}
	if r.VerticalRate != nil {
		st.VerticalRate = *r.VerticalRate
	}
	return st
}
