// Package config binds reporter configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all reporter configuration.
type Config struct {
	Agent    AgentConfig
	Reporter ReporterConfig
	Logging  LogConfig
}

// AgentConfig locates the local Datadog trace agent.
type AgentConfig struct {
	Host string `envconfig:"DD_AGENT_HOST" default:"localhost"`
	Port int    `envconfig:"DD_TRACE_AGENT_PORT" default:"8126"`
}

// ReporterConfig controls span aggregation and the flush loop.
type ReporterConfig struct {
	Enabled              bool `envconfig:"DD_REPORTER_ENABLED" default:"true"`
	FlushIntervalSeconds int  `envconfig:"DD_FLUSH_INTERVAL" default:"1"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// FlushInterval returns the flush loop pause as a duration.
func (c ReporterConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Host: "localhost",
			Port: 8126,
		},
		Reporter: ReporterConfig{
			Enabled:              true,
			FlushIntervalSeconds: 1,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
