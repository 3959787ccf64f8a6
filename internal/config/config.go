// Package config loads daemon configuration from the environment with an
// optional .env overlay in the data directory.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the daemon's runtime configuration.
type Config struct {
	DataDir     string // database, encryption key, logs
	AdapterDirs []string
	BackendHost string
	BackendPort int
	LogLevel    string
	LogFormat   string

	// Supervisor tunables
	PingInterval   time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// Triage tunables
	EchoWindow time.Duration
	BatchHold  time.Duration
}

// Load reads configuration from the environment. A .env file in the data
// directory is merged in first without overriding variables already set in
// the process environment.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("HAVEN_DATA_DIR"))
	if dataDir == "" {
		dataDir = "/etc/havend"
	}

	envPath := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{
		DataDir:        dataDir,
		AdapterDirs:    splitPaths(getEnv("HAVEN_ADAPTER_DIRS", filepath.Join(dataDir, "adapters"))),
		BackendHost:    getEnv("HAVEN_HOST", "127.0.0.1"),
		BackendPort:    getEnvInt("HAVEN_PORT", 7420),
		LogLevel:       getEnv("HAVEN_LOG_LEVEL", "info"),
		LogFormat:      getEnv("HAVEN_LOG_FORMAT", "auto"),
		PingInterval:   getEnvDuration("HAVEN_PING_INTERVAL", 30*time.Second),
		BackoffFloor:   getEnvDuration("HAVEN_BACKOFF_FLOOR", 2*time.Second),
		BackoffCeiling: getEnvDuration("HAVEN_BACKOFF_CEILING", 60*time.Second),
		EchoWindow:     getEnvDuration("HAVEN_ECHO_WINDOW", 5*time.Second),
		BatchHold:      getEnvDuration("HAVEN_BATCH_HOLD", 30*time.Second),
	}
	return cfg, nil
}

// DatabasePath returns the location of the daemon's sqlite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "haven.db")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}

func splitPaths(v string) []string {
	parts := strings.Split(v, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
