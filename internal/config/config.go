package config

import (
	"fmt"
	"time"
)

// Config represents the main Drover configuration
type Config struct {
	// Server holds HTTP API settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Driver holds browser driver settings
	Driver DriverConfig `json:"driver" mapstructure:"driver"`

	// Sessions holds session lifecycle settings
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Store holds persistence settings
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP API server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// DriverConfig holds browser driver configuration
type DriverConfig struct {
	Engine               string   `json:"engine" mapstructure:"engine"` // chromium
	ChromePath           string   `json:"chrome_path" mapstructure:"chrome_path"`
	Headless             bool     `json:"headless" mapstructure:"headless"`
	NoSandbox            bool     `json:"no_sandbox" mapstructure:"no_sandbox"`
	Args                 []string `json:"args" mapstructure:"args"`
	LaunchTimeoutSeconds int      `json:"driver_launch_timeout_seconds" mapstructure:"driver_launch_timeout_seconds"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	MaxConcurrent         int `json:"max_concurrent_sessions" mapstructure:"max_concurrent_sessions"`
	IdleTimeoutSeconds    int `json:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"`
	CommandTimeoutSeconds int `json:"command_timeout_seconds" mapstructure:"command_timeout_seconds"`
	CommandRetryLimit     int `json:"command_retry_limit" mapstructure:"command_retry_limit"`
	SweepIntervalSeconds  int `json:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`
}

// StoreConfig holds persistence configuration
type StoreConfig struct {
	DBPath          string `json:"db_path" mapstructure:"db_path"`
	RedisAddr       string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisDB         int    `json:"redis_db" mapstructure:"redis_db"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`

	// RetentionDays is how long transition and command history is kept.
	// Zero disables pruning.
	RetentionDays int `json:"history_retention_days" mapstructure:"history_retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 60,
		},
		Driver: DriverConfig{
			Engine:               "chromium",
			Headless:             false,
			NoSandbox:            true,
			LaunchTimeoutSeconds: 30,
		},
		Sessions: SessionsConfig{
			MaxConcurrent:         8,
			IdleTimeoutSeconds:    300,
			CommandTimeoutSeconds: 60,
			CommandRetryLimit:     2,
			SweepIntervalSeconds:  30,
		},
		Store: StoreConfig{
			RedisAddr:       "localhost:6379",
			CacheTTLSeconds: 600,
			RetentionDays:   14,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Driver.Engine != "chromium" {
		return fmt.Errorf("unsupported driver engine: %s", c.Driver.Engine)
	}
	if c.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", c.Sessions.MaxConcurrent)
	}
	if c.Sessions.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle_timeout_seconds must be positive, got %d", c.Sessions.IdleTimeoutSeconds)
	}
	if c.Sessions.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("command_timeout_seconds must be positive, got %d", c.Sessions.CommandTimeoutSeconds)
	}
	if c.Sessions.CommandRetryLimit < 0 {
		return fmt.Errorf("command_retry_limit cannot be negative, got %d", c.Sessions.CommandRetryLimit)
	}
	if c.Driver.LaunchTimeoutSeconds < 1 {
		return fmt.Errorf("driver_launch_timeout_seconds must be positive, got %d", c.Driver.LaunchTimeoutSeconds)
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("history_retention_days cannot be negative, got %d", c.Store.RetentionDays)
	}
	return nil
}

// IdleTimeout returns the idle timeout as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutSeconds) * time.Second
}

// CommandTimeout returns the command timeout as a duration
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Sessions.CommandTimeoutSeconds) * time.Second
}

// LaunchTimeout returns the driver launch timeout as a duration
func (c *Config) LaunchTimeout() time.Duration {
	return time.Duration(c.Driver.LaunchTimeoutSeconds) * time.Second
}

// CacheTTL returns the ephemeral index TTL as a duration
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Store.CacheTTLSeconds) * time.Second
}

// RetentionPeriod returns the history retention window as a duration
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Store.RetentionDays) * 24 * time.Hour
}
