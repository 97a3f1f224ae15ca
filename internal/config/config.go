// Package config loads and validates gateway configuration.
//
// DESIGN: One YAML file plus environment overrides. Defaults live in
// defaults.go so every magic number has a single home.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AccountsConfig controls the account pool and selection engine.
type AccountsConfig struct {
	// Path to accounts.json.
	Path string `yaml:"path"`

	// Strategy is one of "sticky", "round_robin", "hybrid".
	Strategy string `yaml:"strategy"`

	// MaxAttempts caps account failovers per inbound request.
	MaxAttempts int `yaml:"max_attempts"`

	// TolerableWait is how long the sticky strategy will wait for the
	// current account's cooldown before hunting for another one.
	TolerableWait time.Duration `yaml:"tolerable_wait"`

	// DefaultCooldown is used when an upstream 429 carries no reset hint.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`

	// Hybrid strategy tuning.
	HealthFloor       float64       `yaml:"health_floor"`
	HealthDecayWindow time.Duration `yaml:"health_decay_window"`
}

// UpstreamConfig controls the antigravity upstream client.
type UpstreamConfig struct {
	// BaseURL overrides the built-in host fallback order when set.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds non-streaming calls. Streaming calls are
	// bounded by the client connection instead.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	UserAgent string `yaml:"user_agent"`
}

// MonitoringConfig controls telemetry output.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	UsageDBPath string `yaml:"usage_db_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// Load reads the YAML config at path, applies defaults, and validates.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Accounts.Path == "" {
		c.Accounts.Path = DefaultAccountsPath
	}
	if c.Accounts.Strategy == "" {
		c.Accounts.Strategy = DefaultStrategy
	}
	if c.Accounts.MaxAttempts == 0 {
		c.Accounts.MaxAttempts = DefaultMaxAttempts
	}
	if c.Accounts.TolerableWait == 0 {
		c.Accounts.TolerableWait = DefaultTolerableWait
	}
	if c.Accounts.DefaultCooldown == 0 {
		c.Accounts.DefaultCooldown = DefaultCooldown
	}
	if c.Accounts.HealthFloor == 0 {
		c.Accounts.HealthFloor = DefaultHealthFloor
	}
	if c.Accounts.HealthDecayWindow == 0 {
		c.Accounts.HealthDecayWindow = DefaultHealthDecayWindow
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultUpstreamTimeout
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GRAVITY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GRAVITY_ACCOUNTS_PATH"); v != "" {
		c.Accounts.Path = v
	}
	if v := os.Getenv("GRAVITY_STRATEGY"); v != "" {
		c.Accounts.Strategy = v
	}
	if v := os.Getenv("GRAVITY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	switch c.Accounts.Strategy {
	case "sticky", "round_robin", "hybrid":
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Accounts.Strategy)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Accounts.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be positive")
	}
	return nil
}
