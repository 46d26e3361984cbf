// Package estimate maintains a per-aircraft altitude estimate using a
// two-state Kalman filter (altitude, vertical rate) and a deterministic
// fallback ladder for polls where the upstream omits altitude entirely.
package estimate

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	// initialAltitude is the filter's starting altitude in feet.
	// Typical cruise altitude; used until a real measurement arrives.
	initialAltitude = 35000.0

	// initialAltitudeVariance and initialRateVariance seed the covariance
	initialAltitudeVariance = 1000.0
	initialRateVariance     = 100.0

	// Process noise: how much we trust the constant-rate model
	processNoiseAltitude = 1.0
	processNoiseRate     = 0.1

	// defaultMeasurementNoise is the altitude measurement variance (R)
	defaultMeasurementNoise = 100.0

	// defaultUpdateInterval is assumed when no prior update exists
	defaultUpdateInterval = 1.0

	// historyCapacity bounds the measurement and prediction logs
	historyCapacity = 10
)

// Altitude bounds in feet. Resolved values outside this range are
// considered unreasonable and rejected.
const (
	MinReasonableAltitude = 0.0
	MaxReasonableAltitude = 50000.0
)

// Measurement is one logged altitude measurement.
type Measurement struct {
	Time         time.Time
	Altitude     float64
	VerticalRate *float64
}

// Prediction is one logged filter prediction.
type Prediction struct {
	Time         time.Time
	Altitude     float64
	VerticalRate float64
}

// Filter is a two-state linear Kalman filter over [altitude, vertical rate].
// One Filter is owned by exactly one aircraft key; it is not safe for
// concurrent use.
type Filter struct {
	// state is the 2-vector [altitude, verticalRate]
	state *mat.VecDense

	// covariance is the 2x2 state uncertainty P
	covariance *mat.Dense

	// measurementNoise is the altitude measurement variance R
	measurementNoise float64

	lastUpdate  time.Time
	now         func() time.Time
	first       bool // no measurement applied yet
	history     []Measurement
	predictions []Prediction
}

// NewFilter creates a filter at the initial state: 35000 ft, level flight,
// wide uncertainty.
func NewFilter() *Filter {
	f := &Filter{now: time.Now}
	f.Reset()
	return f
}

// Reset restores the initial state and clears all history.
func (f *Filter) Reset() {
	f.state = mat.NewVecDense(2, []float64{initialAltitude, 0})
	f.covariance = mat.NewDense(2, 2, []float64{
		initialAltitudeVariance, 0,
		0, initialRateVariance,
	})
	f.measurementNoise = defaultMeasurementNoise
	f.lastUpdate = time.Time{}
	f.first = true
	f.history = nil
	f.predictions = nil
}

// Predict advances the state and covariance by dt seconds without a
// measurement and returns the predicted (altitude, verticalRate).
// Always safe to call; it does not require a prior measurement.
func (f *Filter) Predict(dt float64) (float64, float64) {
	// F(dt): altitude integrates vertical rate
	transition := mat.NewDense(2, 2, []float64{
		1, dt,
		0, 1,
	})

	// x' = F x
	var state mat.VecDense
	state.MulVec(transition, f.state)
	f.state = &state

	// P' = F P F^T + Q
	var fp, fpft mat.Dense
	fp.Mul(transition, f.covariance)
	fpft.Mul(&fp, transition.T())
	fpft.Set(0, 0, fpft.At(0, 0)+processNoiseAltitude)
	fpft.Set(1, 1, fpft.At(1, 1)+processNoiseRate)
	f.covariance = &fpft

	f.predictions = appendBounded(f.predictions, Prediction{
		Time:         f.now(),
		Altitude:     f.state.AtVec(0),
		VerticalRate: f.state.AtVec(1),
	})

	return f.state.AtVec(0), f.state.AtVec(1)
}

// Update incorporates a measured altitude: predict over the elapsed time
// since the last update (1s assumed for the first), then apply the standard
// linear correction with H = [1 0]. A measured vertical rate, when present,
// overwrites the filtered rate component directly rather than being fused.
// An uncertainty, when present, replaces the measurement noise R.
// Returns the corrected (altitude, verticalRate).
func (f *Filter) Update(measuredAltitude float64, measuredVerticalRate, uncertainty *float64) (float64, float64) {
	currentTime := f.now()

	dt := defaultUpdateInterval
	if !f.lastUpdate.IsZero() {
		dt = currentTime.Sub(f.lastUpdate).Seconds()
	}

	f.Predict(dt)

	if uncertainty != nil && *uncertainty > 0 {
		f.measurementNoise = *uncertainty
	}

	// S = H P H^T + R, K = P H^T S^-1 (scalar S since we measure altitude only)
	measurementModel := mat.NewDense(1, 2, []float64{1, 0})

	var pht mat.Dense
	pht.Mul(f.covariance, measurementModel.T())

	var s mat.Dense
	s.Mul(measurementModel, &pht)
	innovationVar := s.At(0, 0) + f.measurementNoise

	var gain mat.Dense
	gain.Scale(1/innovationVar, &pht)

	// x' = x + K (z - H x)
	innovation := measuredAltitude - f.state.AtVec(0)
	f.state.SetVec(0, f.state.AtVec(0)+gain.At(0, 0)*innovation)
	f.state.SetVec(1, f.state.AtVec(1)+gain.At(1, 0)*innovation)

	// P' = (I - K H) P
	var kh, ikh, corrected mat.Dense
	kh.Mul(&gain, measurementModel)
	ikh.Sub(eye(2), &kh)
	corrected.Mul(&ikh, f.covariance)
	f.covariance = &corrected

	if measuredVerticalRate != nil {
		f.state.SetVec(1, *measuredVerticalRate)
	}

	f.history = appendBounded(f.history, Measurement{
		Time:         currentTime,
		Altitude:     measuredAltitude,
		VerticalRate: measuredVerticalRate,
	})

	f.lastUpdate = currentTime
	f.first = false

	return f.state.AtVec(0), f.state.AtVec(1)
}

// Estimate returns the current (altitude, verticalRate) estimate.
func (f *Filter) Estimate() (float64, float64) {
	return f.state.AtVec(0), f.state.AtVec(1)
}

// Confidence maps the altitude variance to a score in [0, 1].
// Lower variance means higher confidence; saturates at the bounds.
func (f *Filter) Confidence() float64 {
	confidence := 1.0 - f.covariance.At(0, 0)/1000.0
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// HasMeasurement reports whether any real measurement has been applied.
func (f *Filter) HasMeasurement() bool {
	return !f.first
}

// Measurements returns the bounded measurement log, oldest first.
func (f *Filter) Measurements() []Measurement {
	return f.history
}

// eye returns the n x n identity matrix.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// appendBounded appends to a log, evicting the oldest entry at capacity.
func appendBounded[T any](log []T, entry T) []T {
	log = append(log, entry)
	if len(log) > historyCapacity {
		log = log[len(log)-historyCapacity:]
	}
	return log
}
