// Package fetch coordinates upstream polling against a credit-limited data
// provider. It owns the cached snapshot, the request budget and the
// single-flight gate; callers always get an answer, at worst a stale one.
package fetch

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/planetracker/planetracker/pkg/opensky"
)

const (
	// DefaultCacheDuration is how long a snapshot is served without
	// contacting the upstream again
	DefaultCacheDuration = 8 * time.Second

	// DefaultMinInterval is the minimum spacing between upstream requests
	DefaultMinInterval = 5 * time.Second

	// DefaultCreditCeiling is the anonymous-tier daily request allowance
	DefaultCreditCeiling = 4000

	// ExtendedCreditCeiling applies once the upstream advertises a
	// remaining balance above the anonymous allowance
	ExtendedCreditCeiling = 8000
)

// Upstream is the provider boundary: one call per poll, returning parsed
// state vectors, a throttle signal or a generic failure.
type Upstream interface {
	States(ctx context.Context, bbox opensky.BoundingBox) (*opensky.StatesResponse, error)
}

// Config controls polling cadence and budget limits.
type Config struct {
	BoundingBox   opensky.BoundingBox
	CacheDuration time.Duration
	MinInterval   time.Duration
	CreditCeiling int
}

// DefaultConfig returns a Config with the standard cadence and ceiling.
func DefaultConfig(bbox opensky.BoundingBox) Config {
	return Config{
		BoundingBox:   bbox,
		CacheDuration: DefaultCacheDuration,
		MinInterval:   DefaultMinInterval,
		CreditCeiling: DefaultCreditCeiling,
	}
}

// Snapshot is one cached poll result after transformation. Snapshots are
// replaced wholesale, never mutated, so readers can hold one without locks.
type Snapshot[R any] struct {
	Records    []R
	CapturedAt time.Time
}

// BudgetStatus is a point-in-time view of the request budget.
type BudgetStatus struct {
	CreditsUsed      int        `json:"credits_used"`
	CreditCeiling    int        `json:"credit_ceiling"`
	CreditsRemaining int        `json:"credits_remaining"`
	LastRequest      *time.Time `json:"last_request,omitempty"`
	MinInterval      float64    `json:"min_interval_seconds"`
	CacheAge         *float64   `json:"cache_age_seconds,omitempty"`
	Admissible       bool       `json:"can_request_now"`
	SecondsUntilNext float64    `json:"seconds_until_next_request"`
	ResetDeadline    *time.Time `json:"reset_deadline,omitempty"`
}

// Orchestrator polls the upstream, transforms the raw states into records of
// type R and caches the result. All failure modes degrade to serving the
// previous snapshot.
type Orchestrator[R any] struct {
	client    Upstream
	cfg       Config
	transform func(states []opensky.StateVector, capturedAt time.Time) []R
	limiter   *rate.Limiter
	logger    *log.Logger
	now       func() time.Time

	group    singleflight.Group
	snapshot atomic.Pointer[Snapshot[R]]

	mu            sync.Mutex
	creditsUsed   int
	ceiling       int
	remaining     int // advertised by the upstream, -1 until first seen
	lastRequest   time.Time
	resetDeadline time.Time
}

// NewOrchestrator builds an orchestrator around the given upstream. The
// transform runs once per successful poll, inside the single-flight section,
// so concurrent callers share both the request and the transformation cost.
func NewOrchestrator[R any](client Upstream, cfg Config, logger *log.Logger,
	transform func(states []opensky.StateVector, capturedAt time.Time) []R) *Orchestrator[R] {
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = DefaultCacheDuration
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.CreditCeiling <= 0 {
		cfg.CreditCeiling = DefaultCreditCeiling
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator[R]{
		client:    client,
		cfg:       cfg,
		transform: transform,
		limiter:   rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:    logger,
		now:       time.Now,
		ceiling:   cfg.CreditCeiling,
		remaining: -1,
	}
}

// GetSnapshot returns the current records and whether they are fresh. With
// force set the cache window is bypassed; budget admission still applies.
// Upstream failures never surface here — the previous records come back
// marked stale, or nil on a cold start.
func (o *Orchestrator[R]) GetSnapshot(ctx context.Context, force bool) ([]R, bool) {
	now := o.now()
	if snap := o.snapshot.Load(); snap != nil && !force && now.Sub(snap.CapturedAt) < o.cfg.CacheDuration {
		return snap.Records, true
	}

	result, _, _ := o.group.Do("states", func() (interface{}, error) {
		return o.refresh(ctx, force), nil
	})
	res := result.(refreshResult[R])
	return res.records, res.fresh
}

type refreshResult[R any] struct {
	records []R
	fresh   bool
}

// refresh runs inside the single-flight section: at most one goroutine at a
// time, so budget bookkeeping needs the mutex only around the shared fields,
// never across the upstream round trip.
func (o *Orchestrator[R]) refresh(ctx context.Context, force bool) refreshResult[R] {
	now := o.now()

	// A caller queued behind an in-flight refresh arrives here after it
	// completes; the snapshot it produced is fresh enough.
	if snap := o.snapshot.Load(); snap != nil && !force && now.Sub(snap.CapturedAt) < o.cfg.CacheDuration {
		return refreshResult[R]{records: snap.Records, fresh: true}
	}

	if !o.admit(now) {
		return o.stale()
	}

	resp, err := o.client.States(ctx, o.cfg.BoundingBox)
	if err != nil {
		o.handleFailure(err)
		return o.stale()
	}

	capturedAt := now
	if !resp.Time.IsZero() {
		capturedAt = resp.Time
	}
	records := o.transform(resp.States, capturedAt)

	o.mu.Lock()
	o.creditsUsed++
	o.lastRequest = now
	if resp.RemainingCredits != nil {
		o.remaining = *resp.RemainingCredits
		if o.remaining > DefaultCreditCeiling {
			o.ceiling = ExtendedCreditCeiling
		} else {
			o.ceiling = o.cfg.CreditCeiling
		}
	}
	o.mu.Unlock()

	o.snapshot.Store(&Snapshot[R]{Records: records, CapturedAt: now})
	o.logger.Printf("fetched %d states (%d records after transform)", len(resp.States), len(records))
	return refreshResult[R]{records: records, fresh: true}
}

// admit decides whether a new upstream call may be issued now. It consumes a
// limiter token only when every other condition already passed.
func (o *Orchestrator[R]) admit(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.creditsUsed >= o.ceiling {
		return false
	}
	if !o.resetDeadline.IsZero() {
		if now.Before(o.resetDeadline) {
			return false
		}
		// Deadline passed: the upstream quota has reset and the old
		// remaining estimate is stale.
		o.resetDeadline = time.Time{}
		if o.remaining == 0 {
			o.remaining = -1
		}
	}
	if o.remaining == 0 {
		return false
	}
	return o.limiter.AllowN(now, 1)
}

func (o *Orchestrator[R]) handleFailure(err error) {
	var throttled *opensky.ThrottledError
	if errors.As(err, &throttled) {
		o.mu.Lock()
		delay := throttled.RetryAfter
		if delay <= 0 {
			delay = o.cfg.MinInterval
		}
		o.resetDeadline = o.now().Add(delay)
		if throttled.Remaining != nil {
			o.remaining = *throttled.Remaining
		}
		o.mu.Unlock()
		o.logger.Printf("upstream throttled, backing off until %s", o.resetDeadline.Format(time.RFC3339))
		return
	}
	o.logger.Printf("upstream fetch failed: %v", err)
}

func (o *Orchestrator[R]) stale() refreshResult[R] {
	if snap := o.snapshot.Load(); snap != nil {
		return refreshResult[R]{records: snap.Records, fresh: false}
	}
	return refreshResult[R]{}
}

// Status reports the budget and cache state for the rate-limit endpoint.
func (o *Orchestrator[R]) Status() BudgetStatus {
	now := o.now()

	o.mu.Lock()
	st := BudgetStatus{
		CreditsUsed:   o.creditsUsed,
		CreditCeiling: o.ceiling,
		MinInterval:   o.cfg.MinInterval.Seconds(),
	}
	if o.remaining >= 0 {
		st.CreditsRemaining = o.remaining
	} else {
		st.CreditsRemaining = o.ceiling - o.creditsUsed
	}
	if !o.lastRequest.IsZero() {
		t := o.lastRequest
		st.LastRequest = &t
		if wait := o.cfg.MinInterval - now.Sub(o.lastRequest); wait > 0 {
			st.SecondsUntilNext = wait.Seconds()
		}
	}
	if !o.resetDeadline.IsZero() && now.Before(o.resetDeadline) {
		t := o.resetDeadline
		st.ResetDeadline = &t
		if wait := o.resetDeadline.Sub(now); wait.Seconds() > st.SecondsUntilNext {
			st.SecondsUntilNext = wait.Seconds()
		}
	}
	// A passed reset deadline means the quota rolled over, so a zero
	// remaining estimate no longer blocks.
	st.Admissible = o.creditsUsed < o.ceiling &&
		st.SecondsUntilNext == 0 &&
		(o.remaining != 0 || !o.resetDeadline.IsZero())
	o.mu.Unlock()

	if snap := o.snapshot.Load(); snap != nil {
		age := now.Sub(snap.CapturedAt).Seconds()
		st.CacheAge = &age
	}
	return st
}

// Run polls at the cache interval until the context is canceled. It shares
// the GetSnapshot code path, so manual refreshes and the background loop
// observe the same budget. Each completed poll is reported through onUpdate
// when set.
func (o *Orchestrator[R]) Run(ctx context.Context, onUpdate func(records []R, fresh bool)) {
	ticker := time.NewTicker(o.cfg.CacheDuration)
	defer ticker.Stop()

	for {
		records, fresh := o.GetSnapshot(ctx, false)
		if onUpdate != nil {
			onUpdate(records, fresh)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
