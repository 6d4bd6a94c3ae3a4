// Package config reads service configuration from the environment, with a
// .env file overlay for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/medsupply/stock-engine/ledger"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort     string
	DBPath       string
	FacilityID   string
	LogLevel     string
	SyncInterval time.Duration
	Thresholds   ledger.Thresholds
}

// Load reads configuration from environment variables with reasonable
// defaults. A .env file in the working directory is applied first when
// present; its absence is not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env file: %v", err)
	}

	cfg := Config{
		HTTPPort:     envStr("HTTP_PORT", "8080"),
		DBPath:       envStr("DB_PATH", "./data/stock.db"),
		FacilityID:   envStr("FACILITY_ID", ""),
		LogLevel:     envStr("LOG_LEVEL", "info"),
		SyncInterval: envDuration("SYNC_INTERVAL", 30*time.Second),
		Thresholds:   ledger.DefaultThresholds(),
	}

	cfg.Thresholds.MinMOS = envDecimal("MIN_MOS", cfg.Thresholds.MinMOS)
	cfg.Thresholds.MaxMOS = envDecimal("MAX_MOS", cfg.Thresholds.MaxMOS)
	cfg.Thresholds.ExpiryWindowDays = envInt("EXPIRY_WINDOW_DAYS", cfg.Thresholds.ExpiryWindowDays)
	cfg.Thresholds.AMCWindowMonths = envInt("AMC_WINDOW_MONTHS", cfg.Thresholds.AMCWindowMonths)

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		log.Printf("invalid HTTP_PORT value %q, defaulting to 8080", cfg.HTTPPort)
		cfg.HTTPPort = "8080"
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s value %q, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s value %q, using %s", key, v, def)
		return def
	}
	return d
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("invalid %s value %q, using %s", key, v, def)
		return def
	}
	return d
}
