package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/planetracker/planetracker/pkg/opensky"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeUpstream struct {
	mu    sync.Mutex
	calls int
	resp  *opensky.StatesResponse
	err   error
	block chan struct{} // when set, States waits on it before returning
}

func (f *fakeUpstream) States(ctx context.Context, bbox opensky.BoundingBox) (*opensky.StatesResponse, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	resp, err := f.resp, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return resp, err
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func intPtr(i int) *int { return &i }

func statesResponse(callsigns ...string) *opensky.StatesResponse {
	states := make([]opensky.StateVector, len(callsigns))
	for i, cs := range callsigns {
		states[i] = opensky.StateVector{ICAO24: "abc000", Callsign: cs}
	}
	return &opensky.StatesResponse{Time: time.Unix(1700000000, 0), States: states}
}

func newTestOrchestrator(upstream Upstream, cfg Config, clock *fakeClock) *Orchestrator[opensky.StateVector] {
	logger := log.New(io.Discard, "", 0)
	o := NewOrchestrator(upstream, cfg, logger,
		func(states []opensky.StateVector, _ time.Time) []opensky.StateVector {
			return states
		})
	o.now = clock.Now
	return o
}

func TestCacheWindowAvoidsSecondCall(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{resp: statesResponse("UAL123")}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	first, fresh := o.GetSnapshot(context.Background(), false)
	if !fresh || len(first) != 1 {
		t.Fatalf("first call: fresh=%v records=%d", fresh, len(first))
	}

	clock.Advance(3 * time.Second)
	second, fresh := o.GetSnapshot(context.Background(), false)
	if !fresh {
		t.Error("cached snapshot should report fresh")
	}
	if upstream.callCount() != 1 {
		t.Errorf("upstream called %d times, want 1", upstream.callCount())
	}
	if &first[0] != &second[0] {
		t.Error("cached call should return the identical snapshot records")
	}
	if o.Status().CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1", o.Status().CreditsUsed)
	}
}

func TestMinIntervalBlocksForcedRefresh(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{resp: statesResponse("UAL123")}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	o.GetSnapshot(context.Background(), true)
	clock.Advance(2 * time.Second)

	records, fresh := o.GetSnapshot(context.Background(), true)
	if fresh {
		t.Error("refresh inside the minimum interval should serve stale")
	}
	if len(records) != 1 {
		t.Errorf("stale serve lost records: got %d", len(records))
	}
	if upstream.callCount() != 1 {
		t.Errorf("upstream called %d times, want 1", upstream.callCount())
	}

	clock.Advance(4 * time.Second)
	if _, fresh := o.GetSnapshot(context.Background(), true); !fresh {
		t.Error("refresh after the minimum interval should succeed")
	}
	if upstream.callCount() != 2 {
		t.Errorf("upstream called %d times, want 2", upstream.callCount())
	}
}

func TestExhaustedCreditsServeStale(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{resp: statesResponse("UAL123")}
	cfg := DefaultConfig(opensky.BoundingBox{})
	cfg.CreditCeiling = 1
	o := newTestOrchestrator(upstream, cfg, clock)

	o.GetSnapshot(context.Background(), false)
	clock.Advance(10 * time.Second)

	records, fresh := o.GetSnapshot(context.Background(), false)
	if fresh {
		t.Error("exhausted budget should serve stale")
	}
	if len(records) != 1 {
		t.Errorf("stale serve lost records: got %d", len(records))
	}
	st := o.Status()
	if st.CreditsUsed != 1 {
		t.Errorf("credits used = %d, want 1 (no spend past the ceiling)", st.CreditsUsed)
	}
	if st.Admissible {
		t.Error("status should report not admissible")
	}
}

func TestThrottleRecordsResetDeadline(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{resp: statesResponse("UAL123")}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	o.GetSnapshot(context.Background(), false)

	upstream.mu.Lock()
	upstream.resp = nil
	upstream.err = &opensky.ThrottledError{RetryAfter: 30 * time.Second, Remaining: intPtr(12)}
	upstream.mu.Unlock()

	clock.Advance(10 * time.Second)
	records, fresh := o.GetSnapshot(context.Background(), false)
	if fresh {
		t.Error("throttled refresh should serve stale")
	}
	if len(records) != 1 {
		t.Errorf("stale serve lost records: got %d", len(records))
	}

	st := o.Status()
	if st.ResetDeadline == nil {
		t.Fatal("expected a reset deadline after throttling")
	}
	if got := clock.Now().Add(30 * time.Second); !st.ResetDeadline.Equal(got) {
		t.Errorf("reset deadline = %v, want %v", st.ResetDeadline, got)
	}
	if st.CreditsRemaining != 12 {
		t.Errorf("remaining = %d, want 12 from throttle metadata", st.CreditsRemaining)
	}
	if st.Admissible {
		t.Error("not admissible while the reset deadline is in the future")
	}

	// Before the deadline passes, no new upstream call is attempted.
	clock.Advance(10 * time.Second)
	o.GetSnapshot(context.Background(), true)
	if upstream.callCount() != 2 {
		t.Errorf("upstream called %d times during backoff, want 2", upstream.callCount())
	}

	upstream.mu.Lock()
	upstream.resp = statesResponse("UAL123", "DAL456")
	upstream.err = nil
	upstream.mu.Unlock()

	clock.Advance(25 * time.Second)
	if records, fresh := o.GetSnapshot(context.Background(), true); !fresh || len(records) != 2 {
		t.Errorf("after deadline: fresh=%v records=%d, want fresh with 2", fresh, len(records))
	}
}

func TestUpstreamErrorServesStale(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{resp: statesResponse("UAL123")}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	o.GetSnapshot(context.Background(), false)

	upstream.mu.Lock()
	upstream.resp = nil
	upstream.err = errors.New("connection refused")
	upstream.mu.Unlock()

	clock.Advance(10 * time.Second)
	records, fresh := o.GetSnapshot(context.Background(), false)
	if fresh {
		t.Error("failed refresh should serve stale")
	}
	if len(records) != 1 || records[0].Callsign != "UAL123" {
		t.Errorf("stale records corrupted: %+v", records)
	}
}

func TestColdStartFailureReturnsNothing(t *testing.T) {
	clock := newFakeClock()
	upstream := &fakeUpstream{err: errors.New("connection refused")}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	records, fresh := o.GetSnapshot(context.Background(), false)
	if fresh || records != nil {
		t.Errorf("cold-start failure: fresh=%v records=%v, want stale nil", fresh, records)
	}
}

func TestCeilingPromotion(t *testing.T) {
	clock := newFakeClock()
	remaining := 7900
	resp := statesResponse("UAL123")
	resp.RemainingCredits = &remaining
	upstream := &fakeUpstream{resp: resp}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	o.GetSnapshot(context.Background(), false)

	st := o.Status()
	if st.CreditCeiling != ExtendedCreditCeiling {
		t.Errorf("ceiling = %d, want %d after advertised remaining %d",
			st.CreditCeiling, ExtendedCreditCeiling, remaining)
	}
	if st.CreditsRemaining != remaining {
		t.Errorf("remaining = %d, want advertised %d", st.CreditsRemaining, remaining)
	}
}

func TestSingleFlightCollapsesConcurrentCallers(t *testing.T) {
	clock := newFakeClock()
	block := make(chan struct{})
	upstream := &fakeUpstream{resp: statesResponse("UAL123"), block: block}
	o := newTestOrchestrator(upstream, DefaultConfig(opensky.BoundingBox{}), clock)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]opensky.StateVector, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = o.GetSnapshot(context.Background(), false)
		}(i)
	}

	// Let the goroutines pile onto the in-flight request, then release it.
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := upstream.callCount(); got != 1 {
		t.Errorf("upstream called %d times for %d concurrent callers, want 1", got, callers)
	}
	for i, r := range results {
		if len(r) != 1 || r[0].Callsign != "UAL123" {
			t.Errorf("caller %d got %+v", i, r)
		}
	}
}

func TestStatusColdStart(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(&fakeUpstream{}, DefaultConfig(opensky.BoundingBox{}), clock)

	st := o.Status()
	if !st.Admissible {
		t.Error("fresh orchestrator should be admissible")
	}
	if st.CreditsRemaining != DefaultCreditCeiling {
		t.Errorf("remaining = %d, want full ceiling %d", st.CreditsRemaining, DefaultCreditCeiling)
	}
	if st.CacheAge != nil {
		t.Error("no cache age before the first fetch")
	}
	if st.LastRequest != nil {
		t.Error("no last-request timestamp before the first fetch")
	}
}
