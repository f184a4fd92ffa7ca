// ABOUTME: Configuration loading and parsing for parley-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig holds websocket connection tuning
type RelayConfig struct {
	WriteTimeout   time.Duration `yaml:"-"`
	PingInterval   time.Duration `yaml:"-"`
	PongWait       time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	SendBuffer      int   `yaml:"send_buffer"`

	// Raw string values for YAML unmarshaling
	WriteTimeoutRaw   string `yaml:"write_timeout"`
	PingIntervalRaw   string `yaml:"ping_interval"`
	PongWaitRaw       string `yaml:"pong_wait"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Relay.PongWaitRaw != "" && c.Relay.PingIntervalRaw != "" &&
		c.Relay.PingInterval >= c.Relay.PongWait {
		return fmt.Errorf("relay.ping_interval must be shorter than relay.pong_wait")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.WriteTimeoutRaw != "" {
		cfg.Relay.WriteTimeout, err = time.ParseDuration(cfg.Relay.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing write_timeout %q: %w", cfg.Relay.WriteTimeoutRaw, err)
		}
	}

	if cfg.Relay.PingIntervalRaw != "" {
		cfg.Relay.PingInterval, err = time.ParseDuration(cfg.Relay.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Relay.PingIntervalRaw, err)
		}
	}

	if cfg.Relay.PongWaitRaw != "" {
		cfg.Relay.PongWait, err = time.ParseDuration(cfg.Relay.PongWaitRaw)
		if err != nil {
			return fmt.Errorf("parsing pong_wait %q: %w", cfg.Relay.PongWaitRaw, err)
		}
	}

	if cfg.Relay.RequestTimeoutRaw != "" {
		cfg.Relay.RequestTimeout, err = time.ParseDuration(cfg.Relay.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Relay.RequestTimeoutRaw, err)
		}
	}

	return nil
}
