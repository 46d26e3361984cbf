package opensky

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewClient tests client construction.
func TestNewClient(t *testing.T) {
	client := NewClient("https://api.test.com")

	if client == nil {
		t.Fatal("Expected client, got nil")
	}
	if client.baseURL != "https://api.test.com" {
		t.Errorf("Expected baseURL https://api.test.com, got %s", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", client.httpClient.Timeout)
	}
}

// sfBayBox is the San Francisco Bay Area query region used across tests.
var sfBayBox = BoundingBox{LatMin: 37.4, LatMax: 38.0, LonMin: -122.6, LonMax: -121.8}

// TestStates tests fetching state vectors within a bounding box.
func TestStates(t *testing.T) {
	t.Run("Successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/states/all" {
				t.Errorf("Expected path /states/all, got %s", r.URL.Path)
			}

			// Verify bounding box parameters
			q := r.URL.Query()
			if q.Get("lamin") != "37.4000" || q.Get("lamax") != "38.0000" {
				t.Errorf("Unexpected latitude bounds: %s - %s", q.Get("lamin"), q.Get("lamax"))
			}
			if q.Get("lomin") != "-122.6000" || q.Get("lomax") != "-121.8000" {
				t.Errorf("Unexpected longitude bounds: %s - %s", q.Get("lomin"), q.Get("lomax"))
			}

			w.Header().Set("X-Rate-Limit-Remaining", "3997")
			fmt.Fprint(w, `{
				"time": 1700000000,
				"states": [
					["a12345", "UAL123  ", "United States", 1699999998, 1700000000,
					 -122.4, 37.7, 30000.0, false, 450.0, 90.0, 0.0, null, 30150.0, "1200", false, 0]
				]
			}`)
		}))
		defer server.Close()

		client := NewClient(server.URL)
		resp, err := client.States(context.Background(), sfBayBox)

		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(resp.States) != 1 {
			t.Fatalf("Expected 1 state vector, got %d", len(resp.States))
		}

		sv := resp.States[0]
		if sv.ICAO24 != "a12345" {
			t.Errorf("Expected ICAO24 a12345, got %s", sv.ICAO24)
		}
		if sv.Callsign != "UAL123" {
			t.Errorf("Expected trimmed callsign UAL123, got %q", sv.Callsign)
		}
		if sv.Latitude == nil || *sv.Latitude != 37.7 {
			t.Errorf("Expected latitude 37.7, got %v", sv.Latitude)
		}
		if sv.BaroAltitude == nil || *sv.BaroAltitude != 30000.0 {
			t.Errorf("Expected baro altitude 30000, got %v", sv.BaroAltitude)
		}
		if sv.GeoAltitude == nil || *sv.GeoAltitude != 30150.0 {
			t.Errorf("Expected geo altitude 30150, got %v", sv.GeoAltitude)
		}
		if sv.OnGround {
			t.Error("Expected airborne aircraft")
		}
		if sv.LastContact.Unix() != 1700000000 {
			t.Errorf("Expected last contact 1700000000, got %d", sv.LastContact.Unix())
		}

		if resp.RemainingCredits == nil || *resp.RemainingCredits != 3997 {
			t.Errorf("Expected remaining credits 3997, got %v", resp.RemainingCredits)
		}
		if resp.Time.Unix() != 1700000000 {
			t.Errorf("Expected snapshot time 1700000000, got %d", resp.Time.Unix())
		}
	})

	t.Run("Drops malformed entries without failing the batch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{
				"time": 1700000000,
				"states": [
					["short", "ABC"],
					[12345, "ABC", "Nowhere", null, null, null, null, null, false, null, null, null, null, null, null, false, 0],
					["abcdef", "DAL42", "United States", null, 1700000000,
					 -122.0, 37.5, 12000.0, false, 300.0, 180.0, -5.0, null, null, null, false, 0]
				]
			}`)
		}))
		defer server.Close()

		client := NewClient(server.URL)
		resp, err := client.States(context.Background(), sfBayBox)

		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(resp.States) != 1 {
			t.Fatalf("Expected 1 valid state vector, got %d", len(resp.States))
		}
		if resp.States[0].ICAO24 != "abcdef" {
			t.Errorf("Expected surviving entry abcdef, got %s", resp.States[0].ICAO24)
		}
	})

	t.Run("Handles empty states", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"time": 1700000000, "states": null}`)
		}))
		defer server.Close()

		client := NewClient(server.URL)
		resp, err := client.States(context.Background(), sfBayBox)

		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(resp.States) != 0 {
			t.Errorf("Expected 0 state vectors, got %d", len(resp.States))
		}
	})

	t.Run("Returns ThrottledError on 429", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			w.Header().Set("X-Rate-Limit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client := NewClient(server.URL)
		_, err := client.States(context.Background(), sfBayBox)

		if err == nil {
			t.Fatal("Expected throttling error, got nil")
		}

		te, ok := IsThrottled(err)
		if !ok {
			t.Fatalf("Expected *ThrottledError, got %T: %v", err, err)
		}
		if te.RetryAfter != 30*time.Second {
			t.Errorf("Expected retry after 30s, got %v", te.RetryAfter)
		}
		if te.Remaining == nil || *te.Remaining != 0 {
			t.Errorf("Expected remaining 0, got %v", te.Remaining)
		}
	})

	t.Run("Returns error on server failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(server.URL)
		_, err := client.States(context.Background(), sfBayBox)

		if err == nil {
			t.Fatal("Expected error, got nil")
		}
		if _, ok := IsThrottled(err); ok {
			t.Error("Server failure should not be a throttling error")
		}
	})
}

// TestParseRetryAfter tests Retry-After header parsing.
func TestParseRetryAfter(t *testing.T) {
	t.Run("Delay seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "45")
		if d := parseRetryAfter(h); d != 45*time.Second {
			t.Errorf("Expected 45s, got %v", d)
		}
	})

	t.Run("Missing header", func(t *testing.T) {
		if d := parseRetryAfter(http.Header{}); d != 0 {
			t.Errorf("Expected 0, got %v", d)
		}
	})

	t.Run("HTTP date in the future", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", time.Now().UTC().Add(90*time.Second).Format(http.TimeFormat))
		d := parseRetryAfter(h)
		if d <= 0 || d > 91*time.Second {
			t.Errorf("Expected roughly 90s, got %v", d)
		}
	})

	t.Run("Garbage value", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "soon")
		if d := parseRetryAfter(h); d != 0 {
			t.Errorf("Expected 0, got %v", d)
		}
	})
}
