package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Config represents the main plughost configuration
type Config struct {
	// Backend channel
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Plugin sources
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Update checks
	Updates UpdatesConfig `json:"updates" mapstructure:"updates"`

	// Local settings store
	Settings SettingsConfig `json:"settings" mapstructure:"settings"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig describes how to reach the privileged backend process.
type BackendConfig struct {
	URL                       string `json:"url" mapstructure:"url"`
	TokenPath                 string `json:"token_path" mapstructure:"token_path"`
	ReconnectDelayMs          int    `json:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
	RejectPendingOnDisconnect bool   `json:"reject_pending_on_disconnect" mapstructure:"reject_pending_on_disconnect"`
}

// PluginsConfig holds bundle source configuration
type PluginsConfig struct {
	// BundlePath is appended to the backend URL for HTTP bundle fetches.
	BundlePath string `json:"bundle_path" mapstructure:"bundle_path"`
	// DevDir, when set, serves bundles from a local directory instead.
	DevDir     string `json:"dev_dir" mapstructure:"dev_dir"`
	DevWatch   bool   `json:"dev_watch" mapstructure:"dev_watch"`
	DebounceMs int    `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// UpdatesConfig controls the loader and plugin catalog checks.
type UpdatesConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	CatalogURL    string `json:"catalog_url" mapstructure:"catalog_url"`
	Schedule      string `json:"schedule" mapstructure:"schedule"`
	SettleDelayMs int    `json:"settle_delay_ms" mapstructure:"settle_delay_ms"`
}

// SettingsConfig selects the settings store backend.
type SettingsConfig struct {
	Store  string `json:"store" mapstructure:"store"` // sqlite, remote
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
}

// MetricsConfig holds the Prometheus and tracing endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
	Tracing bool   `json:"tracing" mapstructure:"tracing"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:              "http://127.0.0.1:1337",
			TokenPath:        "/auth/token",
			ReconnectDelayMs: 5000,
		},
		Plugins: PluginsConfig{
			BundlePath: "/plugins",
			DebounceMs: 500,
		},
		Updates: UpdatesConfig{
			Enabled:       true,
			Schedule:      "@every 6h",
			SettleDelayMs: 10000,
		},
		Settings: SettingsConfig{
			Store: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   10,
			MaxAge:    7,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ReconnectDelay returns the reconnect delay as a duration.
func (b BackendConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

// SettleDelay returns the delay before the second loader version check.
func (u UpdatesConfig) SettleDelay() time.Duration {
	return time.Duration(u.SettleDelayMs) * time.Millisecond
}

// Debounce returns the dev watcher debounce window.
func (p PluginsConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url: unsupported scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url: host is required")
	}
	if c.Backend.ReconnectDelayMs <= 0 {
		return fmt.Errorf("backend.reconnect_delay_ms must be > 0")
	}

	if c.Plugins.DevWatch && c.Plugins.DevDir == "" {
		return fmt.Errorf("plugins.dev_watch requires plugins.dev_dir")
	}
	if c.Plugins.DebounceMs < 0 {
		return fmt.Errorf("plugins.debounce_ms must be >= 0")
	}

	if c.Updates.Enabled && c.Updates.Schedule == "" {
		return fmt.Errorf("updates.schedule is required when updates are enabled")
	}
	if c.Updates.SettleDelayMs < 0 {
		return fmt.Errorf("updates.settle_delay_ms must be >= 0")
	}

	switch c.Settings.Store {
	case "sqlite", "remote":
	default:
		return fmt.Errorf("invalid settings store: %s (must be: sqlite, remote)", c.Settings.Store)
	}

	return nil
}
