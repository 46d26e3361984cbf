package opensky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StateVector represents a single aircraft state from the OpenSky /states/all
// endpoint. Fields the feed may omit are pointers; a nil pointer means the
// upstream did not report that quantity for this aircraft.
type StateVector struct {
	// ICAO24 is the unique 24-bit ICAO transponder address (e.g., "a12345").
	// This is the stable aircraft key across polls.
	ICAO24 string

	// Callsign is the flight number or registration, whitespace-trimmed
	Callsign string

	// OriginCountry is the country of registration
	OriginCountry string

	// Longitude in decimal degrees (-180 to +180)
	Longitude *float64

	// Latitude in decimal degrees (-90 to +90)
	Latitude *float64

	// BaroAltitude is barometric altitude in feet
	BaroAltitude *float64

	// GeoAltitude is geometric (GPS) altitude in feet
	GeoAltitude *float64

	// OnGround reports whether the aircraft is on the surface
	OnGround bool

	// Velocity is ground speed in knots
	Velocity *float64

	// TrueTrack is the ground track in degrees (0-360, 0 = North)
	TrueTrack *float64

	// VerticalRate in feet per second (positive = climbing)
	VerticalRate *float64

	// LastContact is the timestamp of the last message received from the aircraft
	LastContact time.Time
}

// StatesResponse is the parsed result of one /states/all call.
type StatesResponse struct {
	// Time is the snapshot timestamp reported by the upstream
	Time time.Time

	// States are the valid state vectors; malformed entries are dropped
	States []StateVector

	// RemainingCredits is the advertised remaining request quota,
	// taken from the X-Rate-Limit-Remaining header. Nil if not advertised.
	RemainingCredits *int
}

// BoundingBox is a geographic query region for /states/all.
type BoundingBox struct {
	// LatMin is the minimum latitude in decimal degrees
	LatMin float64 `json:"lamin"`

	// LatMax is the maximum latitude in decimal degrees
	LatMax float64 `json:"lamax"`

	// LonMin is the minimum longitude in decimal degrees
	LonMin float64 `json:"lomin"`

	// LonMax is the maximum longitude in decimal degrees
	LonMax float64 `json:"lomax"`
}

// Client is an HTTP client for the OpenSky Network REST API.
// API documentation: https://openskynetwork.github.io/opensky-api/rest.html
// Anonymous access is credit-limited; the caller owns budget accounting.
type Client struct {
	// baseURL is the API base URL (default: https://opensky-network.org/api)
	baseURL string

	// httpClient is the HTTP client used for API requests
	httpClient *http.Client
}

// NewClient creates a new OpenSky API client.
// baseURL should be "https://opensky-network.org/api" (or custom for testing).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetTimeout overrides the default per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// States fetches all aircraft state vectors within a bounding box.
// Uses the /states/all endpoint with lamin/lamax/lomin/lomax parameters.
//
// A 429 response is returned as a *ThrottledError carrying the advertised
// retry delay and remaining-credit metadata. Any other non-200 status or
// transport failure is returned as a plain error.
func (c *Client) States(ctx context.Context, bbox BoundingBox) (*StatesResponse, error) {
	params := url.Values{}
	params.Set("lamin", strconv.FormatFloat(bbox.LatMin, 'f', 4, 64))
	params.Set("lamax", strconv.FormatFloat(bbox.LatMax, 'f', 4, 64))
	params.Set("lomin", strconv.FormatFloat(bbox.LonMin, 'f', 4, 64))
	params.Set("lomax", strconv.FormatFloat(bbox.LonMax, 'f', 4, 64))

	reqURL := fmt.Sprintf("%s/states/all?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build states request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state vectors: %w", err)
	}
	defer resp.Body.Close()

	remaining := parseRemainingCredits(resp.Header)

	// Check for rate limit (HTTP 429)
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottledError{
			RetryAfter: parseRetryAfter(resp.Header),
			Remaining:  remaining,
		}
	}

	// Check other error status codes
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	// Parse response
	var apiResp statesAllResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}

	states := make([]StateVector, 0, len(apiResp.States))
	for _, raw := range apiResp.States {
		sv, ok := parseStateVector(raw)
		if !ok {
			// Malformed entry - drop it, keep the batch
			continue
		}
		states = append(states, sv)
	}

	return &StatesResponse{
		Time:             time.Unix(apiResp.Time, 0).UTC(),
		States:           states,
		RemainingCredits: remaining,
	}, nil
}

// Close cleanly shuts down the client.
// For OpenSky, this is a no-op as there are no persistent connections.
func (c *Client) Close() error {
	return nil
}

// statesAllResponse mirrors the raw /states/all JSON document. Each state is
// a positional array of mixed types, so entries are decoded individually.
type statesAllResponse struct {
	Time   int64           `json:"time"`
	States [][]interface{} `json:"states"`
}

// stateVectorFields is the number of positional fields in a state entry.
// Entries with fewer fields are considered malformed and dropped.
const stateVectorFields = 17

// parseStateVector converts one positional state entry into a StateVector.
// Returns false if the entry is malformed (too short or key fields untyped).
func parseStateVector(raw []interface{}) (StateVector, bool) {
	if len(raw) < stateVectorFields {
		return StateVector{}, false
	}

	icao, ok := raw[0].(string)
	if !ok || icao == "" {
		return StateVector{}, false
	}

	sv := StateVector{
		ICAO24:        icao,
		Callsign:      strings.TrimSpace(asString(raw[1])),
		OriginCountry: asString(raw[2]),
		Longitude:     asFloat(raw[5]),
		Latitude:      asFloat(raw[6]),
		BaroAltitude:  asFloat(raw[7]),
		OnGround:      asBool(raw[8]),
		Velocity:      asFloat(raw[9]),
		TrueTrack:     asFloat(raw[10]),
		VerticalRate:  asFloat(raw[11]),
		GeoAltitude:   asFloat(raw[13]),
	}

	// Timestamp of last contact (field 4); fall back to time-of-position (3)
	if ts := asFloat(raw[4]); ts != nil {
		sv.LastContact = time.Unix(int64(*ts), 0).UTC()
	} else if ts := asFloat(raw[3]); ts != nil {
		sv.LastContact = time.Unix(int64(*ts), 0).UTC()
	}

	return sv, true
}

// asString safely extracts a string from a positional field.
func asString(val interface{}) string {
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// asFloat safely extracts an optional float from a positional field.
// Returns nil for null or non-numeric values.
func asFloat(val interface{}) *float64 {
	if f, ok := val.(float64); ok {
		return &f
	}
	return nil
}

// asBool safely extracts a bool from a positional field.
func asBool(val interface{}) bool {
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

// ThrottledError represents an HTTP 429 response with retry information.
type ThrottledError struct {
	// RetryAfter is the advertised delay before the next request, 0 if absent
	RetryAfter time.Duration

	// Remaining is the advertised remaining credit count, nil if absent
	Remaining *int
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded (retry after %v)", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// IsThrottled checks if an error is an upstream throttling error.
func IsThrottled(err error) (*ThrottledError, bool) {
	if te, ok := err.(*ThrottledError); ok {
		return te, true
	}
	return nil, false
}

// parseRetryAfter extracts the Retry-After header value.
// Returns the duration to wait, or 0 if header is not present.
// Supports both delay-seconds (integer) and HTTP-date formats.
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try parsing as delay-seconds (e.g., "30")
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date (e.g., "Wed, 21 Oct 2015 07:28:00 GMT")
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(retryTime)
		if duration > 0 {
			return duration
		}
	}

	return 0
}

// parseRemainingCredits extracts the advertised remaining request quota.
// OpenSky uses X-Rate-Limit-Remaining; the X-RateLimit-Remaining spelling
// is accepted as well. Returns nil if neither header is present.
func parseRemainingCredits(headers http.Header) *int {
	for _, key := range []string{"X-Rate-Limit-Remaining", "X-RateLimit-Remaining"} {
		if remaining := headers.Get(key); remaining != "" {
			if val, err := strconv.Atoi(remaining); err == nil {
				return &val
			}
		}
	}
	return nil
}
