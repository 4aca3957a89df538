package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all DockMon configuration from environment variables.
type Config struct {
	// HTTP + WebSocket listener
	Listen string

	// Storage
	DBPath    string
	StacksDir string // compose files for saved stacks, mirrored from the DB

	// Monitoring cadence
	PollInterval time.Duration // container list reconciliation per host
	PingInterval time.Duration // Docker daemon liveness ping per host
	ReconnectMax time.Duration // cap for exponential reconnect backoff
	StatsInterval time.Duration // host cpu/memory/disk sample cadence

	// Update pipeline
	UpdateCheckCron string        // cron spec for registry digest checks
	PullTimeout     time.Duration // image pull deadline for deploys and updates

	// Auth
	SessionExpiry time.Duration
	MaxSessions   int // max concurrent sessions per user
	CookieSecure  bool

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Listen:          envStr("DOCKMON_LISTEN", ":8080"),
		DBPath:          envStr("DOCKMON_DB_PATH", "/data/dockmon.db"),
		StacksDir:       envStr("DOCKMON_STACKS_DIR", "/data/stacks"),
		PollInterval:    envDuration("DOCKMON_POLL_INTERVAL", 30*time.Second),
		PingInterval:    envDuration("DOCKMON_PING_INTERVAL", 15*time.Second),
		ReconnectMax:    envDuration("DOCKMON_RECONNECT_MAX", 2*time.Minute),
		StatsInterval:   envDuration("DOCKMON_STATS_INTERVAL", time.Minute),
		UpdateCheckCron: envStr("DOCKMON_UPDATE_CHECK_CRON", "0 */6 * * *"),
		PullTimeout:     envDuration("DOCKMON_PULL_TIMEOUT", 10*time.Minute),
		SessionExpiry:   envDuration("DOCKMON_SESSION_EXPIRY", 24*time.Hour),
		MaxSessions:     envInt("DOCKMON_MAX_SESSIONS", 10),
		CookieSecure:    envBool("DOCKMON_COOKIE_SECURE", false),
		LogJSON:         envBool("DOCKMON_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_PING_INTERVAL must be > 0, got %s", c.PingInterval))
	}
	if c.ReconnectMax < c.PingInterval {
		errs = append(errs, fmt.Errorf("DOCKMON_RECONNECT_MAX must be >= DOCKMON_PING_INTERVAL, got %s", c.ReconnectMax))
	}
	if c.PullTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_PULL_TIMEOUT must be > 0, got %s", c.PullTimeout))
	}
	if c.SessionExpiry <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_SESSION_EXPIRY must be > 0, got %s", c.SessionExpiry))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("DOCKMON_MAX_SESSIONS must be >= 1, got %d", c.MaxSessions))
	}
	return errors.Join(errs...)
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
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
