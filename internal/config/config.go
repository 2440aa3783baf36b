// Package config loads service configuration from an optional .env file and
// the process environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the composition root needs. The price simulation
// interval is deliberately absent: it is fixed.
type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	CacheTTL       time.Duration
	InitialBalance decimal.Decimal
	CatalogFile    string
	CORSOrigins    []string
	LogLevel       string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:           "8080",
		CacheTTL:       30 * time.Second,
		InitialBalance: decimal.NewFromInt(10000),
		CORSOrigins:    []string{"http://localhost:3000"},
		LogLevel:       "info",
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then applies
// environment variables over the defaults.
// Priority: ENV > .env file > defaults
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load() // optional
	}

	cfg := Default()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.CatalogFile = os.Getenv("CATALOG_FILE")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return Config{}, fmt.Errorf("invalid CACHE_TTL %q", v)
		}
		cfg.CacheTTL = ttl
	}

	if v := os.Getenv("INITIAL_BALANCE"); v != "" {
		bal, err := decimal.NewFromString(v)
		if err != nil || bal.IsNegative() {
			return Config{}, fmt.Errorf("invalid INITIAL_BALANCE %q", v)
		}
		cfg.InitialBalance = bal
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
