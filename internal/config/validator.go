package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule checks a catalog check schedule. Accepts five-field cron
// expressions and descriptors such as "@every 6h" or "@daily".
func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateHTTPURL validates an http(s) URL.
func (v *Validator) ValidateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: unsupported scheme %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and reports every problem
// instead of stopping at the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateHTTPURL("backend.url", cfg.Backend.URL); err != nil {
		errors = append(errors, err)
	}
	if !strings.HasPrefix(cfg.Backend.TokenPath, "/") {
		errors = append(errors, fmt.Errorf("backend.token_path must start with /"))
	}
	if cfg.Backend.ReconnectDelayMs <= 0 {
		errors = append(errors, fmt.Errorf("backend.reconnect_delay_ms must be > 0"))
	}

	if cfg.Plugins.DevWatch && cfg.Plugins.DevDir == "" {
		errors = append(errors, fmt.Errorf("plugins.dev_watch requires plugins.dev_dir"))
	}

	if cfg.Updates.Enabled {
		if err := v.ValidateSchedule(cfg.Updates.Schedule); err != nil {
			errors = append(errors, fmt.Errorf("updates.schedule: %w", err))
		}
		if cfg.Updates.CatalogURL != "" {
			if err := v.ValidateHTTPURL("updates.catalog_url", cfg.Updates.CatalogURL); err != nil {
				errors = append(errors, err)
			}
		}
	}

	if cfg.Settings.Store != "sqlite" && cfg.Settings.Store != "remote" {
		errors = append(errors, fmt.Errorf("invalid settings store: %s", cfg.Settings.Store))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
