package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override the YAML file
const (
	EnvStatsDSN       = "REDIRECT_FINDER_STATS_DSN"
	EnvStatsToken     = "REDIRECT_FINDER_STATS_TOKEN"
	EnvStateDir       = "REDIRECT_FINDER_STATE_DIR"
	EnvListenAddr     = "REDIRECT_FINDER_LISTEN_ADDR"
	EnvLogLevel       = "REDIRECT_FINDER_LOG_LEVEL"
	EnvMaxRedirects   = "REDIRECT_FINDER_MAX_REDIRECTS"
	EnvTimeoutMs      = "REDIRECT_FINDER_TIMEOUT_MS"
	EnvBrowserEnabled = "REDIRECT_FINDER_USE_BROWSER"
)

// LoadDotEnv loads .env files into the process environment.
// A missing file is not an error; variables already set are never overwritten.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...) // Ignore error if .env not found (e.g. prod)
}

// ApplyEnv overrides config fields from REDIRECT_FINDER_* variables.
// Call before Validate so overridden values are range-checked too.
func (c *AppConfig) ApplyEnv() {
	c.Statistics.DSN = getEnv(EnvStatsDSN, c.Statistics.DSN)
	c.Statistics.AuthToken = getEnv(EnvStatsToken, c.Statistics.AuthToken)
	c.StateDir = getEnv(EnvStateDir, c.StateDir)
	c.API.ListenAddr = getEnv(EnvListenAddr, c.API.ListenAddr)
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.Resolve.MaxRedirects = getEnvInt(EnvMaxRedirects, c.Resolve.MaxRedirects)
	c.Resolve.TimeoutMs = getEnvInt(EnvTimeoutMs, c.Resolve.TimeoutMs)
	if v, ok := os.LookupEnv(EnvBrowserEnabled); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Resolve.UseBrowserFallback = &b
		}
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
