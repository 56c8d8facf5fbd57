package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docpress/docpress/errors"
)

// Load reads configuration from an optional file plus DOCPRESS_* environment
// variables and validates the result. An empty path skips file loading.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from a prepared
// Viper instance. Useful for tests.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "docpress.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 10*time.Minute)
	v.SetDefault("retry.scheduler_interval", 5*time.Second)
	v.SetDefault("retry.poll_interval", 15*time.Second)
	v.SetDefault("retry.poll_rate_per_second", 5.0)
	v.SetDefault("retry.stalled_submit_timeout", time.Minute)

	v.SetDefault("backends.submit_timeout", 30*time.Second)
	v.SetDefault("backends.local.enabled", true)
	v.SetDefault("backends.local.data_dir", "./data")
	v.SetDefault("backends.cloud_batch.app_name", "docpress-worker")
}
