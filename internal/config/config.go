// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New() returns a Config filled with defaults.
// - Load layers defaults, an optional YAML file and DIVSCORE_ env vars.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"slices"
)

// Storage backends accepted by StorageBackend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StorageBackend selects the key-value store: memory, file or sqlite.
	StorageBackend string `koanf:"storage_backend"`

	// StoragePath is the JSON file or SQLite database path.
	StoragePath string `koanf:"storage_path"`

	// StorageQuotaBytes caps the stored bytes per origin; 0 disables the cap.
	StorageQuotaBytes int `koanf:"storage_quota_bytes"`

	// Origin namespaces persisted keys, one session per origin.
	Origin string `koanf:"origin"`

	// Locale picks the long-form date layout, e.g. "en-US".
	Locale string `koanf:"locale"`

	// ScoreMin and ScoreMax bound the placeholder calculator.
	ScoreMin int `koanf:"score_min"`
	ScoreMax int `koanf:"score_max"`

	// ScoreSeed seeds the calculator; 0 seeds from the clock.
	ScoreSeed int64 `koanf:"score_seed"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		Addr:           ":9080",
		StorageBackend: BackendFile,
		StoragePath:    DefaultStoragePath(),
		Origin:         "diversification.com",
		Locale:         "en-US",
		ScoreMin:       50,
		ScoreMax:       90,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case !slices.Contains([]string{BackendMemory, BackendFile, BackendSQLite}, c.StorageBackend):
		return fmt.Errorf("%w: unknown storage_backend %q", ErrInvalidConfig, c.StorageBackend)
	case c.StorageBackend != BackendMemory && c.StoragePath == "":
		return fmt.Errorf("%w: storage_path is required for the %s backend", ErrInvalidConfig, c.StorageBackend)
	case c.StorageQuotaBytes < 0:
		return fmt.Errorf("%w: storage_quota_bytes must not be negative", ErrInvalidConfig)
	case c.Origin == "":
		return fmt.Errorf("%w: origin must not be empty", ErrInvalidConfig)
	case c.ScoreMin > c.ScoreMax:
		return fmt.Errorf("%w: score_min %d exceeds score_max %d", ErrInvalidConfig, c.ScoreMin, c.ScoreMax)
	}
	return nil
}
