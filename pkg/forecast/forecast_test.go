package forecast

import (
	"math"
	"testing"
)

func TestForecastPointCount(t *testing.T) {
	state := State{Latitude: 37.7, Longitude: -122.4, Altitude: 500}

	tests := []struct {
		name    string
		horizon float64
		step    float64
		want    int
	}{
		{"default horizon", 60, 2, 30},
		{"uneven division", 5, 2, 3},
		{"single step", 2, 2, 1},
		{"zero horizon", 0, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, err := Forecast(state, tt.horizon, tt.step)
			if err != nil {
				t.Fatalf("Forecast() error = %v", err)
			}
			if len(points) != tt.want {
				t.Errorf("got %d points, want %d", len(points), tt.want)
			}
		})
	}
}

func TestForecastRejectsBadStep(t *testing.T) {
	if _, err := Forecast(State{}, 60, 0); err == nil {
		t.Error("expected error for zero step")
	}
	if _, err := Forecast(State{}, 60, -1); err == nil {
		t.Error("expected error for negative step")
	}
	if _, err := Forecast(State{}, -10, 2); err == nil {
		t.Error("expected error for negative horizon")
	}
}

func TestForecastStationaryAircraft(t *testing.T) {
	state := State{Latitude: 37.7, Longitude: -122.4, Altitude: 500}

	points, err := Forecast(state, 60, 2)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	for i, p := range points {
		if math.Abs(p.Latitude-state.Latitude) > 1e-9 {
			t.Errorf("point %d: latitude drifted to %f", i, p.Latitude)
		}
		if math.Abs(p.Longitude-state.Longitude) > 1e-9 {
			t.Errorf("point %d: longitude drifted to %f", i, p.Longitude)
		}
		if p.Distance > 0.01 {
			t.Errorf("point %d: distance %f for stationary aircraft", i, p.Distance)
		}
		wantOffset := float64(i) * 2
		if p.TimeOffset != wantOffset {
			t.Errorf("point %d: time offset %f, want %f", i, p.TimeOffset, wantOffset)
		}
	}
}

func TestForecastEastboundFlight(t *testing.T) {
	// On the equator at the prime meridian the frame axes line up cleanly:
	// an eastbound track moves the aircraft along increasing longitude.
	state := State{
		Latitude:    0,
		Longitude:   0,
		Altitude:    500,
		GroundSpeed: 100,
		Track:       90,
	}

	points, err := Forecast(state, 60, 2)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	prev := -1.0
	for i, p := range points {
		if p.Longitude < prev {
			t.Fatalf("point %d: longitude %f not increasing (prev %f)", i, p.Longitude, prev)
		}
		prev = p.Longitude
	}

	last := points[len(points)-1]
	if last.Longitude <= state.Longitude {
		t.Errorf("final longitude %f did not move east of %f", last.Longitude, state.Longitude)
	}
	if math.Abs(last.Bearing-90) > 1.0 {
		t.Errorf("bearing to final point = %f, want ~90", last.Bearing)
	}

	// Distance from the current position grows with the time offset
	if points[5].Distance <= points[1].Distance {
		t.Errorf("distance not increasing: %f then %f", points[1].Distance, points[5].Distance)
	}
	// 100/s for 58s, roughly
	if last.Distance < 5000 || last.Distance > 7000 {
		t.Errorf("final distance %f, want ~5800", last.Distance)
	}
}

func TestForecastSurfaceProjection(t *testing.T) {
	// A track of 180 at the equator/prime meridian points the velocity
	// straight down the radial axis, so the prediction dives below the
	// surface and must be projected back onto it.
	state := State{
		Latitude:    0,
		Longitude:   0,
		Altitude:    100,
		GroundSpeed: 50,
		Track:       180,
	}

	points, err := Forecast(state, 60, 2)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	for i, p := range points {
		if p.Altitude < -1e-6 {
			t.Errorf("point %d: altitude %f below surface", i, p.Altitude)
		}
	}
	last := points[len(points)-1]
	if last.Altitude > 1.0 {
		t.Errorf("final altitude %f, want projected onto surface", last.Altitude)
	}
}

func TestForecastDeterministic(t *testing.T) {
	state := State{
		Latitude:     37.7,
		Longitude:    -122.4,
		Altitude:     12000,
		GroundSpeed:  230,
		Track:        45,
		VerticalRate: 5,
	}

	a, err := Forecast(state, 60, 2)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	b, err := Forecast(state, 60, 2)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d differs between identical runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestAltitudeCorrectionFactor(t *testing.T) {
	tests := []struct {
		altitude float64
		want     float64
	}{
		{0, 1.000},
		{999, 1.000},
		{1000, 1.001},
		{4999, 1.001},
		{5000, 1.002},
		{14999, 1.002},
		{15000, 1.003},
		{29999, 1.003},
		{30000, 1.004},
		{45000, 1.004},
	}

	for _, tt := range tests {
		if got := altitudeCorrectionFactor(tt.altitude); got != tt.want {
			t.Errorf("altitudeCorrectionFactor(%f) = %f, want %f", tt.altitude, got, tt.want)
		}
	}
}

func TestVelocityVector(t *testing.T) {
	v := velocityVector(100, 90, -5)
	if math.Abs(v.Y-100) > 1e-9 {
		t.Errorf("east component = %f, want 100", v.Y)
	}
	if math.Abs(v.X) > 1e-9 {
		t.Errorf("north component = %f, want 0", v.X)
	}
	if v.Z != -5 {
		t.Errorf("up component = %f, want -5", v.Z)
	}
}
