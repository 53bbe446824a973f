// Package config loads dispatch settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	StoreBackend string
	RedisAddr    string
	RedisPrefix  string
	PostgresDSN  string

	NATSURL       string
	EventsSubject string

	DefaultRadiusMeters float64
	// AverageSpeedKMH is the ETA policy constant, not a physical model.
	AverageSpeedKMH  float64
	StoreCallTimeout time.Duration

	DispatchRatePerMinute int

	SeedOnStart bool
	SeedPath    string
}

// Load reads ENV_FILE (default .env) when present, then the process environment.
func Load() (Config, error) {
	envFile := getenv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		HTTPAddr:              getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:              getenv("GRPC_ADDR", ":9090"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		StoreBackend:          getenv("STORE_BACKEND", BackendMemory),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPrefix:           getenv("REDIS_PREFIX", "dispatch:"),
		PostgresDSN:           firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		NATSURL:               os.Getenv("NATS_URL"),
		EventsSubject:         getenv("EVENTS_SUBJECT", "taxi.events"),
		DefaultRadiusMeters:   parseFloatEnv("DISPATCH_RADIUS_M", 20000),
		AverageSpeedKMH:       parseFloatEnv("DISPATCH_AVG_SPEED_KMH", 30),
		StoreCallTimeout:      time.Duration(parseIntEnv("STORE_CALL_TIMEOUT_MS", 2000)) * time.Millisecond,
		DispatchRatePerMinute: parseIntEnv("RATE_DISPATCH_PER_MIN", 60),
		SeedOnStart:           parseBoolEnv("SEED_ON_START", false),
		SeedPath:              os.Getenv("SEED_PATH"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.DefaultRadiusMeters <= 0 {
		return fmt.Errorf("config: DISPATCH_RADIUS_M must be positive, got %v", c.DefaultRadiusMeters)
	}
	if c.AverageSpeedKMH <= 0 {
		return fmt.Errorf("config: DISPATCH_AVG_SPEED_KMH must be positive, got %v", c.AverageSpeedKMH)
	}
	if c.StoreCallTimeout <= 0 {
		return fmt.Errorf("config: STORE_CALL_TIMEOUT_MS must be positive, got %v", c.StoreCallTimeout)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
