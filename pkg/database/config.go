package database

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names honored by LoadConfigFromEnv.
const (
	EnvDatabaseURL = "EVENTHUB_DATABASE_URL"
	EnvTimeZone    = "TIME_ZONE"
)

// DefaultTimeZone is the zone used for generated timestamps when TIME_ZONE
// is not set.
const DefaultTimeZone = "Australia/Perth"

// Config holds the connection and runtime configuration for the event hub
// database.
type Config struct {
	// DSN is the normalized postgres:// connection string.
	DSN string

	// Location is the zone in which generated timestamps are expressed.
	Location *time.Location

	// Connection pool settings.
	MaxConns       int32
	StaleTimeout   time.Duration // idle connections older than this are discarded
	AcquireTimeout time.Duration // bound on acquiring a pooled connection
}

// LoadConfigFromEnv loads configuration from environment variables.
// EVENTHUB_DATABASE_URL is required and must be a postgres:// or postgis://
// URL; postgis:// is accepted for compatibility and rewritten to postgres://.
func LoadConfigFromEnv() (Config, error) {
	rawURL := os.Getenv(EnvDatabaseURL)
	if rawURL == "" {
		return Config{}, fmt.Errorf("%s is required", EnvDatabaseURL)
	}

	dsn, err := NormalizeDSN(rawURL)
	if err != nil {
		return Config{}, err
	}

	tzName := getEnvOrDefault(EnvTimeZone, DefaultTimeZone)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", EnvTimeZone, tzName, err)
	}

	maxConns, err := envInt("EVENTHUB_MAX_CONNECTIONS", 3)
	if err != nil {
		return Config{}, err
	}
	staleSecs, err := envInt("EVENTHUB_STALE_TIMEOUT", 300)
	if err != nil {
		return Config{}, err
	}
	acquireSecs, err := envInt("EVENTHUB_ACQUIRE_TIMEOUT", 5)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DSN:            dsn,
		Location:       loc,
		MaxConns:       int32(maxConns),
		StaleTimeout:   time.Duration(staleSecs) * time.Second,
		AcquireTimeout: time.Duration(acquireSecs) * time.Second,
	}, nil
}

// NormalizeDSN validates the database URL scheme and rewrites postgis:// to
// postgres:// so pgx can parse it.
func NormalizeDSN(rawURL string) (string, error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return rawURL, nil
	case strings.HasPrefix(rawURL, "postgis://"):
		return "postgres://" + strings.TrimPrefix(rawURL, "postgis://"), nil
	default:
		return "", fmt.Errorf("unsupported database URL scheme in %q (want postgres:// or postgis://)", rawURL)
	}
}

// Now returns the current time in the configured zone.
func (c Config) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
