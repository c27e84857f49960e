// ABOUTME: Configuration loading and parsing for the dockhand controller
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Idempotency backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultLivenessTimeout is how long an agent may stay silent before its
// effective status is reported as offline.
const DefaultLivenessTimeout = 5 * time.Minute

// Config represents the complete dockhand configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ReadTimeout     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadTimeoutRaw     string `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeoutRaw    string `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the durable store
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"`
	Path     string `yaml:"path" toml:"path"`
	DSN      string `yaml:"dsn" toml:"dsn"`
	MaxConns int32  `yaml:"max_conns" toml:"max_conns"`
}

// AgentsConfig holds agent liveness and admission configuration
type AgentsConfig struct {
	LivenessTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`

	LivenessTimeoutRaw string `yaml:"liveness_timeout" toml:"liveness_timeout"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`

	// RequireToken enforces per-agent credentials on the poll API.
	RequireToken *bool `yaml:"require_token" toml:"require_token"`
	// EnrollmentKey, when set, must accompany an agent's first registration.
	EnrollmentKey string `yaml:"enrollment_key" toml:"enrollment_key"`

	HeartbeatRate  float64 `yaml:"heartbeat_rate" toml:"heartbeat_rate"`
	HeartbeatBurst int     `yaml:"heartbeat_burst" toml:"heartbeat_burst"`
}

// TokensRequired reports whether agents must present their issued token.
func (a AgentsConfig) TokensRequired() bool {
	return a.RequireToken == nil || *a.RequireToken
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// IdempotencyConfig controls Idempotency-Key replay on dispatch endpoints
type IdempotencyConfig struct {
	Enabled    *bool         `yaml:"enabled" toml:"enabled"`
	Backend    string        `yaml:"backend" toml:"backend"`
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// IsEnabled reports whether idempotency replay is active.
func (i IdempotencyConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// RedisConfig holds the Redis connection used by the redis idempotency backend
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// IsEnabled reports whether the metrics endpoint is served.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML; everything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes, applies defaults, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and a local SQLite database.
func Default() *Config {
	cfg := &Config{Database: DatabaseConfig{Path: "dockhand.db"}}
	cfg.applyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.ReadTimeoutRaw == "" {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeoutRaw == "" {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeoutRaw == "" {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}

	if c.Agents.LivenessTimeoutRaw == "" {
		c.Agents.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.Agents.SweepIntervalRaw == "" {
		c.Agents.SweepInterval = 30 * time.Second
	}
	if c.Agents.HeartbeatRate == 0 {
		c.Agents.HeartbeatRate = 100
	}
	if c.Agents.HeartbeatBurst == 0 {
		c.Agents.HeartbeatBurst = 200
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = BackendMemory
	}
	if c.Idempotency.TTLRaw == "" {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Agents.LivenessTimeout <= 0 {
		return fmt.Errorf("agents.liveness_timeout must be positive")
	}
	if c.Agents.SweepInterval < 0 {
		return fmt.Errorf("agents.sweep_interval must not be negative")
	}
	if c.Agents.HeartbeatRate < 0 || c.Agents.HeartbeatBurst < 0 {
		return fmt.Errorf("agents.heartbeat_rate and agents.heartbeat_burst must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Idempotency.IsEnabled() {
		switch c.Idempotency.Backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis.addr is required for the redis idempotency backend")
			}
		default:
			return fmt.Errorf("idempotency.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Idempotency.Backend)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeoutRaw, &cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"agents.liveness_timeout", cfg.Agents.LivenessTimeoutRaw, &cfg.Agents.LivenessTimeout},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
