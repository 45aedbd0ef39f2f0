package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents a profile's ~/.converse/<profile>/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	ServerURL      string `toml:"server_url"`
	Token          string `toml:"token"`

	// SyncIntervalMinutes is the periodic push-then-pull cycle cadence.
	SyncIntervalMinutes int `toml:"sync_interval_minutes"`
	// RequestTimeoutSeconds bounds each sync HTTP request so a hung
	// upload cannot stall the push queue indefinitely.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

const (
	defaultSyncIntervalMinutes   = 5
	defaultRequestTimeoutSeconds = 30
)

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = defaultSyncIntervalMinutes
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
}

// SyncInterval returns the cycle cadence as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// RequestTimeout returns the per-request bound as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
