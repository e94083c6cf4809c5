// Package config loads process configuration from the environment, with a
// .env file as an optional local-development convenience.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the server needs at
// startup. Fields are resolved once in Load and passed down explicitly
// rather than read from os.Getenv scattered through the codebase.
type Config struct {
	DBDSN        string
	RedisAddr    string
	RedisDB      int
	HealthAddr   string
	ReplayWindow int // hours of history replayed on cold start
}

// Load reads a .env file if present (missing is not an error, matching the
// teacher's cmd/server startup) and then resolves every required variable.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case in production; continue with
		// whatever is already in the environment.
		_ = err
	}

	cfg := Config{
		DBDSN:        os.Getenv("DB_DSN"),
		RedisAddr:    envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		HealthAddr:   envOrDefault("HEALTH_ADDR", ":8080"),
		ReplayWindow: 24,
	}
	if cfg.DBDSN == "" {
		return Config{}, fmt.Errorf("DB_DSN environment variable is required")
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("REPLAY_WINDOW_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REPLAY_WINDOW_HOURS: %w", err)
		}
		cfg.ReplayWindow = n
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
