// Package config defines the docpress service configuration.
//
// One Config is constructed at process start and passed by reference to
// every component; nothing in this package or elsewhere keeps a mutable
// process-wide configuration singleton.
package config

import (
	"time"

	"github.com/docpress/docpress/errors"
)

// Config is the root docpress configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Backends BackendsConfig `mapstructure:"backends"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// RetryConfig configures failure retry behavior
type RetryConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`           // total attempts per job, including the first (default: 3)
	BaseDelay            time.Duration `mapstructure:"base_delay"`             // backoff base (default: 30s)
	MaxDelay             time.Duration `mapstructure:"max_delay"`              // backoff ceiling (default: 10m)
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval"`     // how often due retries are promoted (default: 5s)
	PollInterval         time.Duration `mapstructure:"poll_interval"`          // how often polling backends are reconciled (default: 15s)
	PollRatePerSecond    float64       `mapstructure:"poll_rate_per_second"`   // pacing for backend status calls (default: 5)
	StalledSubmitTimeout time.Duration `mapstructure:"stalled_submit_timeout"` // age before an unsubmitted claim is resubmitted (default: 1m)
}

// WebhookConfig configures inbound completion callbacks
type WebhookConfig struct {
	Secret  string `mapstructure:"secret"`   // shared HMAC secret, required when any webhook backend is enabled
	BaseURL string `mapstructure:"base_url"` // advertised callback base URL, e.g. https://api.example.com
}

// AuthConfig configures owner token verification
type AuthConfig struct {
	Secret string `mapstructure:"secret"` // key for owner token signatures
}

// BackendsConfig configures the execution backend variants. A variant is
// enabled by giving it the settings it needs; Validate rejects partial
// configuration at startup rather than per job.
type BackendsConfig struct {
	SubmitTimeout time.Duration      `mapstructure:"submit_timeout"` // bound on any single backend call (default: 30s)
	Local         LocalBackendConfig `mapstructure:"local"`
	CloudBatch    HTTPBackendConfig  `mapstructure:"cloud_batch"`
	Droplet       HTTPBackendConfig  `mapstructure:"droplet"`
	Platform      HTTPBackendConfig  `mapstructure:"platform"`
}

// LocalBackendConfig configures in-process execution
type LocalBackendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"` // root for input/output keys (default: ./data)
}

// HTTPBackendConfig configures a remote execution backend
type HTTPBackendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	AppName string `mapstructure:"app_name"` // cloud-batch only: remote application identifier
}

// Validate checks the configuration for startup-fatal problems. Backend
// misconfiguration aborts process initialization (it must never surface as
// a per-job failure).
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry backoff window is invalid")
	}

	anyEnabled := c.Backends.Local.Enabled
	for _, b := range []struct {
		name string
		cfg  HTTPBackendConfig
	}{
		{"cloud_batch", c.Backends.CloudBatch},
		{"droplet", c.Backends.Droplet},
		{"platform", c.Backends.Platform},
	} {
		if !b.cfg.Enabled {
			continue
		}
		anyEnabled = true
		if b.cfg.BaseURL == "" {
			return errors.Newf("backends.%s.base_url is required when enabled", b.name)
		}
		if b.cfg.APIKey == "" {
			return errors.Newf("backends.%s.api_key is required when enabled", b.name)
		}
	}
	if !anyEnabled {
		return errors.New("no execution backend is enabled")
	}

	if c.Backends.CloudBatch.Enabled && c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required when the cloud_batch backend is enabled")
	}

	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	return nil
}
