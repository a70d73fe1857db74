package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration for the ledger daemon.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// JWTPublicKeyPath points at the PEM-encoded key set used to validate
	// bearer tokens. Empty makes ledgerd mint an ephemeral in-memory key set
	// (dev mode only); loading a key set from this path is not implemented,
	// so ledgerd exits at startup when it is set.
	JWTPublicKeyPath string

	// DefaultLeaseTTL is granted to a worker when none is requested.
	DefaultLeaseTTL time.Duration
	// MaxLeaseTTL bounds how long a worker may hold a lease before the
	// reaper is permitted to reclaim it regardless of heartbeats.
	MaxLeaseTTL time.Duration
	// ReaperInterval is how often the expiry reaper sweeps for stale leases.
	ReaperInterval time.Duration
	// MaxAttempts is loaded from MAX_ATTEMPTS but not read by ledgerd;
	// a task submitted without max_attempts gets task.DefaultMaxAttempts.
	MaxAttempts int

	// RateLimitRPM and RateLimitBurst configure the per-actor token bucket.
	RateLimitRPM   int
	RateLimitBurst int

	RedisURL string
}

// Load loads configuration from environment variables, applying safe
// defaults for local development.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://ledger@localhost:5432/ledger?sslmode=disable"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		JWTPublicKeyPath: os.Getenv("JWT_PUBLIC_KEY_PATH"),
		DefaultLeaseTTL:  envDuration("DEFAULT_LEASE_TTL", 900*time.Second),
		MaxLeaseTTL:      envDuration("MAX_LEASE_TTL", 2*time.Hour),
		ReaperInterval:   envDuration("REAPER_INTERVAL", 30*time.Second),
		MaxAttempts:      envInt("MAX_ATTEMPTS", 3),
		RateLimitRPM:     envInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 60),
		RedisURL:         os.Getenv("REDIS_URL"),
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
