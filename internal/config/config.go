package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	Archive    Archive             `yaml:"archive"     json:"archive"`
	Scan       Scan                `yaml:"scan"        json:"scan"`
	Cache      Cache               `yaml:"cache"       json:"cache"`
	Memory     Memory              `yaml:"memory"      json:"memory"`
	Groups     map[string][]string `yaml:"groups"      json:"groups"`
	Schedule   string              `yaml:"schedule"    json:"schedule"`
	ScanPaused bool                `yaml:"scan_paused" json:"scan_paused"`
	DBPath     string              `yaml:"db_path"     json:"-"`
	HTTPAddr   string              `yaml:"http_addr"   json:"-"`
	Log        Log                 `yaml:"log"         json:"-"`
}

// Archive configures the remote imaging-archive client.
type Archive struct {
	BaseURL        string  `yaml:"base_url"        json:"base_url"`
	APIToken       string  `yaml:"api_token"       json:"-"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"  json:"rate_limit_rps"`
	RequestTimeout int     `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
	MaxAttempts    int     `yaml:"max_attempts"    json:"max_attempts"`
}

// Scan holds concurrency and sampling knobs for the scan engine.
type Scan struct {
	// CollectionConcurrency bounds how many collections scan in parallel.
	CollectionConcurrency int `yaml:"collection_concurrency" json:"collection_concurrency"`
	// PatientConcurrency bounds in-flight report probes per collection.
	PatientConcurrency int `yaml:"patient_concurrency" json:"patient_concurrency"`
	// SampleSeriesLimit caps how many series records are examined per patient.
	SampleSeriesLimit int `yaml:"sample_series_limit" json:"sample_series_limit"`
	// EarlyExitSample is the ceiling on the leading all-"no" sample that lets
	// the filter infer the rest of a collection without probing.
	EarlyExitSample int `yaml:"early_exit_sample" json:"early_exit_sample"`
	// MaxFailedFraction is the share of patients allowed to fail probing
	// before the collection result is marked incomplete.
	MaxFailedFraction float64 `yaml:"max_failed_fraction" json:"max_failed_fraction"`
	// DeepScan examines every series per patient instead of a bounded
	// sample, so no probe can come back inconclusive.
	DeepScan bool `yaml:"deep_scan" json:"deep_scan"`
}

// Cache configures the on-disk scan-result cache.
type Cache struct {
	Dir      string `yaml:"dir"       json:"-"`
	TTLHours int    `yaml:"ttl_hours" json:"ttl_hours"`
}

// Memory configures the advisory memory monitor.
type Memory struct {
	HighWaterMB     int `yaml:"high_water_mb"    json:"high_water_mb"`
	LowWaterMB      int `yaml:"low_water_mb"     json:"low_water_mb"`
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
}

// Log configures slog output. When File is set, logs rotate via lumberjack.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Archive.BaseURL == "" {
		c.Archive.BaseURL = "https://services.cancerimagingarchive.net/services/v4/TCIA"
	}
	if c.Archive.RateLimitRPS == 0 {
		c.Archive.RateLimitRPS = 5
	}
	if c.Archive.RequestTimeout == 0 {
		c.Archive.RequestTimeout = 60
	}
	if c.Archive.MaxAttempts == 0 {
		c.Archive.MaxAttempts = 5
	}
	if c.Scan.CollectionConcurrency == 0 {
		c.Scan.CollectionConcurrency = 2
	}
	if c.Scan.PatientConcurrency == 0 {
		c.Scan.PatientConcurrency = 8
	}
	if c.Scan.SampleSeriesLimit == 0 {
		c.Scan.SampleSeriesLimit = 20
	}
	if c.Scan.EarlyExitSample == 0 {
		c.Scan.EarlyExitSample = 25
	}
	if c.Scan.MaxFailedFraction == 0 {
		c.Scan.MaxFailedFraction = 0.2
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "/data/cache"
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = 7 * 24
	}
	if c.Memory.HighWaterMB == 0 {
		c.Memory.HighWaterMB = 768
	}
	if c.Memory.LowWaterMB == 0 {
		c.Memory.LowWaterMB = 512
	}
	if c.Memory.IntervalSeconds == 0 {
		c.Memory.IntervalSeconds = 2
	}
	if c.Schedule == "" {
		c.Schedule = "0 2 * * 0"
	}
	if c.DBPath == "" {
		c.DBPath = "/data/radscan.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 20
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
}

// validate rejects values that would misbehave at runtime.
func (c *Config) validate() error {
	if c.Scan.MaxFailedFraction < 0 || c.Scan.MaxFailedFraction > 1 {
		return fmt.Errorf("scan.max_failed_fraction must be in [0,1], got %v", c.Scan.MaxFailedFraction)
	}
	if c.Memory.LowWaterMB > c.Memory.HighWaterMB {
		return fmt.Errorf("memory.low_water_mb (%d) must not exceed high_water_mb (%d)",
			c.Memory.LowWaterMB, c.Memory.HighWaterMB)
	}
	return nil
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the service
// can start without a mounted config file (useful for bare Docker runs).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Collections resolves a scan target against the configured subspecialty
// groups. A target matching a group name expands to its members; anything
// else is treated as a single collection name. An empty target returns nil,
// meaning "list the archive and scan everything".
func (c *Config) Collections(target string) []string {
	if target == "" {
		return nil
	}
	if members, ok := c.Groups[target]; ok {
		out := make([]string, len(members))
		copy(out, members)
		return out
	}
	return []string{target}
}
