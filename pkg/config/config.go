// Package config loads the fleet server configuration from environment
// variables. Every recognized key has a single effect; unknown FLEET_* keys
// are rejected at startup so typos fail loudly instead of being ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved server configuration.
type Config struct {
	Port   int
	DBPath string

	// External store. Used instead of the embedded file when DBHost is set.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	CORSEnabled        bool
	CORSAllowedOrigins []string

	HeartbeatTimeout time.Duration
	ReservationTTL   time.Duration
	LockTTL          time.Duration
	OperationTimeout time.Duration

	MaxConcurrentAgents int
	TaskRetryLimit      int
	RateLimitRPM        int // 0 disables rate limiting

	InactivityThreshold time.Duration
	AutoResume          bool

	// CapabilitiesPath points at an optional YAML agent-type registry.
	CapabilitiesPath string
}

// option describes one recognized environment key and how it mutates Config.
type option struct {
	key    string
	effect func(c *Config, raw string) error
}

// options is the recognized-options table. The FLEET_* namespace is reserved:
// any FLEET_ key not listed here fails Load.
var options = []option{
	{"PORT", intOpt(func(c *Config, v int) { c.Port = v })},
	{"DB_PATH", strOpt(func(c *Config, v string) { c.DBPath = v })},
	{"DB_HOST", strOpt(func(c *Config, v string) { c.DBHost = v })},
	{"DB_PORT", intOpt(func(c *Config, v int) { c.DBPort = v })},
	{"DB_USER", strOpt(func(c *Config, v string) { c.DBUser = v })},
	{"DB_PASSWORD", strOpt(func(c *Config, v string) { c.DBPassword = v })},
	{"DB_NAME", strOpt(func(c *Config, v string) { c.DBName = v })},
	{"CORS_ENABLED", boolOpt(func(c *Config, v bool) { c.CORSEnabled = v })},
	{"CORS_ALLOWED_ORIGINS", strOpt(func(c *Config, v string) {
		c.CORSAllowedOrigins = splitCSV(v)
	})},
	{"HEARTBEAT_TIMEOUT_MS", msOpt(func(c *Config, v time.Duration) { c.HeartbeatTimeout = v })},
	{"RESERVATION_TTL_MS", msOpt(func(c *Config, v time.Duration) { c.ReservationTTL = v })},
	{"LOCK_TTL_MS", msOpt(func(c *Config, v time.Duration) { c.LockTTL = v })},
	{"OPERATION_TIMEOUT_MS", msOpt(func(c *Config, v time.Duration) { c.OperationTimeout = v })},
	{"MAX_CONCURRENT_AGENTS", intOpt(func(c *Config, v int) { c.MaxConcurrentAgents = v })},
	{"TASK_RETRY_LIMIT", intOpt(func(c *Config, v int) { c.TaskRetryLimit = v })},
	{"RATE_LIMIT_RPM", intOpt(func(c *Config, v int) { c.RateLimitRPM = v })},
	{"INACTIVITY_THRESHOLD_MS", msOpt(func(c *Config, v time.Duration) { c.InactivityThreshold = v })},
	{"AUTO_RESUME", boolOpt(func(c *Config, v bool) { c.AutoResume = v })},
	{"CAPABILITIES_PATH", strOpt(func(c *Config, v string) { c.CapabilitiesPath = v })},
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:                3001,
		DBPath:              "./.fleet/fleet.db",
		DBPort:              5432,
		DBName:              "fleet",
		CORSEnabled:         true,
		HeartbeatTimeout:    3 * time.Minute,
		ReservationTTL:      time.Hour,
		LockTTL:             5 * time.Minute,
		OperationTimeout:    30 * time.Second,
		MaxConcurrentAgents: 50,
		TaskRetryLimit:      3,
		RateLimitRPM:        0,
		InactivityThreshold: 5 * time.Minute,
		AutoResume:          true,
	}
}

// Load resolves the configuration from the process environment on top of the
// defaults, then validates it. Keys are read bare ("PORT") or with the FLEET_
// prefix; the prefixed form wins when both are set.
func Load() (*Config, error) {
	cfg := Default()

	recognized := make(map[string]bool, len(options))
	for _, opt := range options {
		recognized[opt.key] = true
		key := "FLEET_" + opt.key
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			key = opt.key
			raw, ok = os.LookupEnv(key)
		}
		if !ok || raw == "" {
			continue
		}
		if err := opt.effect(cfg, raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	// Reject unknown keys in the reserved namespace.
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "FLEET_") && !recognized[strings.TrimPrefix(key, "FLEET_")] {
			return nil, fmt.Errorf("unrecognized configuration key %s", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBHost == "" && c.DBPath == "" {
		return fmt.Errorf("either DB_PATH or DB_HOST must be set")
	}
	if c.HeartbeatTimeout <= 0 || c.ReservationTTL <= 0 || c.LockTTL <= 0 || c.OperationTimeout <= 0 {
		return fmt.Errorf("timeouts and TTLs must be positive")
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("MAX_CONCURRENT_AGENTS must be at least 1")
	}
	if c.TaskRetryLimit < 0 {
		return fmt.Errorf("TASK_RETRY_LIMIT must not be negative")
	}
	return nil
}

// UseExternalStore reports whether the postgres store is configured.
func (c *Config) UseExternalStore() bool { return c.DBHost != "" }

func strOpt(set func(*Config, string)) func(*Config, string) error {
	return func(c *Config, raw string) error {
		set(c, raw)
		return nil
	}
}

func intOpt(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func boolOpt(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func msOpt(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(c *Config, raw string) error {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		if ms <= 0 {
			return fmt.Errorf("must be a positive millisecond count")
		}
		set(c, time.Duration(ms)*time.Millisecond)
		return nil
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
