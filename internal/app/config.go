package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTLP LogFormat = "otlp"
)

// Default configuration values
const (
	DefaultConfigLogFormat      = LogFormatText
	DefaultConfigRequestTimeout = 30 * time.Second
	DefaultConfigStoragePrefix  = "apilink."
	DefaultConfigKeyringService = "apilink"
	DefaultConfigCacheTTL       = 5 * time.Minute
	DefaultConfigCacheCapacity  = 100
)

// APIConfig holds backend connection settings.
type APIConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`

	// RequestTimeout is the hard abort timer on every outbound request.
	RequestTimeout time.Duration `json:"request_timeout"`
}

// StorageConfig holds credential persistence settings.
type StorageConfig struct {
	// Dir is where record files live. Defaults under the user config dir.
	Dir string `json:"dir"`

	// Prefix namespaces all persisted record keys.
	Prefix string `json:"prefix"`

	// EncryptionKey is an optional static passphrase. When empty, a random
	// per-device key is generated and parked in the OS keyring.
	EncryptionKey string `json:"encryption_key,omitempty"`

	// KeyringService names the keyring entry holding the device key.
	KeyringService string `json:"keyring_service"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL      time.Duration `json:"ttl"`
	Capacity int           `json:"capacity" validate:"omitempty,gt=0"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level    `json:"log_level"`
	LogFormat LogFormat     `json:"log_format" validate:"oneof=text json otlp"`
	API       APIConfig     `json:"api"`
	Storage   StorageConfig `json:"storage"`
	Cache     CacheConfig   `json:"cache"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = DefaultConfigRequestTimeout
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = DefaultConfigStoragePrefix
	}
	if c.Storage.KeyringService == "" {
		c.Storage.KeyringService = DefaultConfigKeyringService
	}
	if c.Storage.Dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("storage.dir required (auto-detect failed: %w)", err)
		}
		c.Storage.Dir = filepath.Join(configDir, "apilink", "store")
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultConfigCacheTTL
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = DefaultConfigCacheCapacity
	}
	return nil
}

// Validate validates the configuration using struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
