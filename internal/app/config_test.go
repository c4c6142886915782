package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, DefaultConfigLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultConfigRequestTimeout, cfg.API.RequestTimeout)
	assert.Equal(t, DefaultConfigStoragePrefix, cfg.Storage.Prefix)
	assert.Equal(t, DefaultConfigKeyringService, cfg.Storage.KeyringService)
	assert.NotEmpty(t, cfg.Storage.Dir)
	assert.Equal(t, DefaultConfigCacheTTL, cfg.Cache.TTL)
	assert.Equal(t, DefaultConfigCacheCapacity, cfg.Cache.Capacity)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		LogFormat: LogFormatJSON,
		API: APIConfig{
			BaseURL:        "https://api.example.com",
			RequestTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Dir:    "/tmp/store",
			Prefix: "custom.",
		},
		Cache: CacheConfig{
			TTL:      time.Minute,
			Capacity: 10,
		},
	}
	require.NoError(t, cfg.ApplyDefaults())

	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, "/tmp/store", cfg.Storage.Dir)
	assert.Equal(t, "custom.", cfg.Storage.Prefix)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Cache.Capacity)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.API.BaseURL = "https://api.example.com" },
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "base URL not a URL",
			mutate: func(c *Config) {
				c.API.BaseURL = "not a url"
			},
			wantErr: true,
		},
		{
			name: "unknown log format",
			mutate: func(c *Config) {
				c.API.BaseURL = "https://api.example.com"
				c.LogFormat = "xml"
			},
			wantErr: true,
		},
		{
			name: "negative cache capacity",
			mutate: func(c *Config) {
				c.API.BaseURL = "https://api.example.com"
				c.Cache.Capacity = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
