package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration, loaded from the environment with
// an optional .env file for local development.
type Config struct {
	ListenAddr      string
	DBPath          string
	NATSURL         string
	TokenServiceURL string
	JWKSURL         string
	Workers         int
	MaxAttempts     int
	RunBudget       time.Duration
	LogLevel        string
}

// Load reads configuration from the environment. A missing .env file is
// not an error; missing required values are.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DBPath:          getEnv("DB_PATH", "data/labels.db"),
		NATSURL:         os.Getenv("NATS_URL"),
		TokenServiceURL: os.Getenv("TOKEN_SERVICE_URL"),
		JWKSURL:         os.Getenv("JWKS_URL"),
		Workers:         getEnvInt("RECONCILE_WORKERS", 4),
		MaxAttempts:     getEnvInt("RECONCILE_MAX_ATTEMPTS", 4),
		RunBudget:       getEnvDuration("RECONCILE_RUN_BUDGET", 2*time.Minute),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	if cfg.TokenServiceURL == "" {
		return nil, fmt.Errorf("TOKEN_SERVICE_URL is required")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("JWKS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
