package config

import (
	"os"
	"strconv"
)

// Config holds server configuration loaded from the process environment.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	DatabaseURL string

	AdminKey    string
	TokenPepper string

	MaxRequestBodyBytesDefault       int64
	MaxRequestBodyBytesDeviceReports int64

	RequestTimeoutDefaultSeconds int
	RequestTimeoutReportsSeconds int

	RateLimitEnabled           bool
	RateLimitReportsPerMinute  int
	RateLimitReportsBurst      int
	RateLimitIPPerMinute       int
	RateLimitIPBurst           int

	OTELExporterOTLPEndpoint string
	RedisURL                 string
}

// Load reads configuration from environment variables, applying the
// defaults documented for local development.
func Load() *Config {
	return &Config{
		Port:       envOr("PORT", "8080"),
		HealthPort: envOr("HEALTH_PORT", "8081"),
		LogLevel:   envOr("LOG_LEVEL", "INFO"),

		DatabaseURL: envOr("DATABASE_URL", "postgres://baseliner@localhost:5432/baseliner?sslmode=disable"),

		AdminKey:    os.Getenv("BASELINER_ADMIN_KEY"),
		TokenPepper: os.Getenv("BASELINER_TOKEN_PEPPER"),

		MaxRequestBodyBytesDefault:       envInt64("MAX_REQUEST_BODY_BYTES_DEFAULT", 1<<20),
		MaxRequestBodyBytesDeviceReports: envInt64("MAX_REQUEST_BODY_BYTES_DEVICE_REPORTS", 10<<20),

		RequestTimeoutDefaultSeconds: envInt("REQUEST_TIMEOUT_DEFAULT_SECONDS", 30),
		RequestTimeoutReportsSeconds: envInt("REQUEST_TIMEOUT_REPORTS_SECONDS", 60),

		RateLimitEnabled:          envOr("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitReportsPerMinute: envInt("RATE_LIMIT_REPORTS_PER_MINUTE", 30),
		RateLimitReportsBurst:     envInt("RATE_LIMIT_REPORTS_BURST", 10),
		RateLimitIPPerMinute:      envInt("RATE_LIMIT_IP_PER_MINUTE", 60),
		RateLimitIPBurst:          envInt("RATE_LIMIT_IP_BURST", 20),

		OTELExporterOTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RedisURL:                 os.Getenv("REDIS_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
