package config_test

import (
	"testing"

	"github.com/baseliner/baseliner/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("HEALTH_PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BASELINER_ADMIN_KEY", "")
	t.Setenv("BASELINER_TOKEN_PEPPER", "")
	t.Setenv("MAX_REQUEST_BODY_BYTES_DEFAULT", "")
	t.Setenv("MAX_REQUEST_BODY_BYTES_DEVICE_REPORTS", "")
	t.Setenv("RATE_LIMIT_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, int64(10<<20), cfg.MaxRequestBodyBytesDeviceReports)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytesDefault)
	assert.Equal(t, 30, cfg.RequestTimeoutDefaultSeconds)
	assert.Equal(t, 60, cfg.RequestTimeoutReportsSeconds)
	assert.True(t, cfg.RateLimitEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/db")
	t.Setenv("BASELINER_ADMIN_KEY", "s3cr3t")
	t.Setenv("MAX_REQUEST_BODY_BYTES_DEVICE_REPORTS", "5242880")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_REPORTS_PER_MINUTE", "5")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://prod:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "s3cr3t", cfg.AdminKey)
	assert.Equal(t, int64(5242880), cfg.MaxRequestBodyBytesDeviceReports)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 5, cfg.RateLimitReportsPerMinute)
}
