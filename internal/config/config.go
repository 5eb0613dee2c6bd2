package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string

	BackendURL          string
	BackendToken        string
	BackendRefreshToken string
	BackendTimeout      time.Duration

	RedisURL    string
	SnapshotTTL time.Duration

	JournalDriver string
	JournalDSN    string

	RateLimitRPS   float64
	RateLimitBurst int

	OTelServiceName string
	OTelEndpoint    string
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists. Variables already set in the
// environment win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                envOr("APP_PORT", "8080"),
		Environment:         envOr("ENVIRONMENT", "development"),
		BackendURL:          os.Getenv("BACKEND_URL"),
		BackendToken:        os.Getenv("BACKEND_TOKEN"),
		BackendRefreshToken: os.Getenv("BACKEND_REFRESH_TOKEN"),
		BackendTimeout:      envOrDuration("BACKEND_TIMEOUT", 5*time.Second),
		RedisURL:            os.Getenv("REDIS_URL"),
		SnapshotTTL:         envOrDuration("SNAPSHOT_TTL", 10*time.Minute),
		JournalDriver:       envOr("JOURNAL_DRIVER", "sqlite"),
		JournalDSN:          envOr("JOURNAL_DSN", "file:ledger.db?_busy_timeout=5000"),
		RateLimitRPS:        envOrFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      envOrInt("RATE_LIMIT_BURST", 40),
		OTelServiceName:     envOr("OTEL_SERVICE_NAME", "parking-ledger"),
		OTelEndpoint:        envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"),
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) BackendEnabled() bool {
	return c.BackendURL != ""
}

func (c *Config) CacheEnabled() bool {
	return c.RedisURL != ""
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
