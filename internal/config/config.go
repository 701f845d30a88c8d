package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration.
type Config struct {
	Port                int
	DatabaseURL         string // empty means embedded sqlite at SQLitePath
	SQLitePath          string
	BackoffBase         time.Duration
	StatsWindow         time.Duration
	ReaperEnabled       bool
	ReaperInterval      time.Duration
	ClaimTimeout        time.Duration
	LogLevel            string
	DBConnectionTimeout time.Duration
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(name); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func LoadConfig() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnvAsInt("PORT", 8080),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "duraq.db"),
		BackoffBase:         getEnvAsDuration("BACKOFF_BASE", 60*time.Second),
		StatsWindow:         getEnvAsDuration("STATS_WINDOW", time.Hour),
		ReaperEnabled:       getEnvAsBool("REAPER_ENABLED", false),
		ReaperInterval:      getEnvAsDuration("REAPER_INTERVAL", 60*time.Second),
		ClaimTimeout:        getEnvAsDuration("CLAIM_TIMEOUT", 5*time.Minute),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBConnectionTimeout: getEnvAsDuration("DB_CONNECTION_TIMEOUT", 5*time.Second),
	}

	// Basic validation
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.BackoffBase <= 0 {
		return nil, fmt.Errorf("invalid BACKOFF_BASE: %s", cfg.BackoffBase)
	}
	if cfg.ReaperEnabled && cfg.ClaimTimeout <= 0 {
		return nil, fmt.Errorf("invalid CLAIM_TIMEOUT: %s", cfg.ClaimTimeout)
	}

	return cfg, nil
}
