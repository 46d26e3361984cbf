package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Upstream UpstreamConfig `json:"upstream"`
	Enrich   EnrichConfig   `json:"enrich"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`
}

// UpstreamConfig contains the surveillance data source settings.
type UpstreamConfig struct {
	// BaseURL is the OpenSky Network API base URL
	BaseURL string `json:"base_url"`

	// Region is the geographic bounding box to poll
	Region RegionConfig `json:"region"`

	// CacheSeconds is how long a snapshot is served without a new
	// upstream call (default: 8)
	CacheSeconds float64 `json:"cache_seconds"`

	// MinIntervalSeconds is the minimum spacing between upstream
	// requests (default: 5)
	MinIntervalSeconds float64 `json:"min_interval_seconds"`

	// CreditCeiling is the daily request allowance for the anonymous
	// tier (default: 4000; promoted automatically when the API
	// advertises a higher remaining balance)
	CreditCeiling int `json:"credit_ceiling"`

	// TimeoutSeconds is the per-request HTTP timeout
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// RegionConfig is a geographic bounding box in decimal degrees.
type RegionConfig struct {
	// LatMin is the southern boundary (-90 to +90)
	LatMin float64 `json:"lat_min"`

	// LatMax is the northern boundary (-90 to +90)
	LatMax float64 `json:"lat_max"`

	// LonMin is the western boundary (-180 to +180)
	LonMin float64 `json:"lon_min"`

	// LonMax is the eastern boundary (-180 to +180)
	LonMax float64 `json:"lon_max"`
}

// EnrichConfig tunes altitude estimation and trajectory forecasting.
type EnrichConfig struct {
	// HorizonSeconds is how far ahead trajectories reach (default: 60)
	HorizonSeconds float64 `json:"horizon_seconds"`

	// StepSeconds is the spacing between trajectory points (default: 2)
	StepSeconds float64 `json:"step_seconds"`

	// EvictAfterSeconds is how long an aircraft may be absent from
	// snapshots before its estimator state is discarded (default: 300)
	EvictAfterSeconds float64 `json:"evict_after_seconds"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	return &cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
// The default region covers the San Francisco Bay Area.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://opensky-network.org/api",
			Region: RegionConfig{
				LatMin: 37.4,
				LatMax: 38.0,
				LonMin: -122.6,
				LonMax: -121.8,
			},
			CacheSeconds:       8,
			MinIntervalSeconds: 5,
			CreditCeiling:      4000,
			TimeoutSeconds:     10,
		},
		Enrich: EnrichConfig{
			HorizonSeconds:    60,
			StepSeconds:       2,
			EvictAfterSeconds: 300,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides, so
// deployment-specific settings can stay out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("PLANETRACKER_PORT"); port != "" {
		c.Server.Port = port
	}
	if host := os.Getenv("PLANETRACKER_HOST"); host != "" {
		c.Server.Host = host
	}
	if url := os.Getenv("PLANETRACKER_OPENSKY_URL"); url != "" {
		c.Upstream.BaseURL = url
	}
	if ceiling := os.Getenv("PLANETRACKER_CREDIT_CEILING"); ceiling != "" {
		if v, err := strconv.Atoi(ceiling); err == nil && v > 0 {
			c.Upstream.CreditCeiling = v
		}
	}
}
