package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.Set("auth.secret", "test-auth-secret")
	return v
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithViper(testViper())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Backends.Local.Enabled)
	assert.Equal(t, "docpress.db", cfg.Database.Path)
}

func TestEnabledBackendRequiresCredentials(t *testing.T) {
	v := testViper()
	v.Set("backends.cloud_batch.enabled", true)
	v.Set("backends.cloud_batch.base_url", "https://batch.example.com")
	v.Set("webhook.secret", "s3cret")
	// api_key deliberately missing

	_, err := LoadWithViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestCloudBatchRequiresWebhookSecret(t *testing.T) {
	v := testViper()
	v.Set("backends.cloud_batch.enabled", true)
	v.Set("backends.cloud_batch.base_url", "https://batch.example.com")
	v.Set("backends.cloud_batch.api_key", "key")

	_, err := LoadWithViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")
}

func TestNoBackendEnabledIsFatal(t *testing.T) {
	v := testViper()
	v.Set("backends.local.enabled", false)

	_, err := LoadWithViper(v)
	require.Error(t, err)
}

func TestMissingAuthSecretIsFatal(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	_, err := LoadWithViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestMaxAttemptsFloor(t *testing.T) {
	v := testViper()
	v.Set("retry.max_attempts", 0)

	_, err := LoadWithViper(v)
	require.Error(t, err)
}
