package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Runtime RuntimeConfig
	Logging LogConfig
}

// ServerConfig holds HTTP control surface configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8700"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// StoreConfig holds durable store configuration. Only audit entries,
// revocations, and the redaction salt are durable; objects and
// transactions are not.
type StoreConfig struct {
	Path string `envconfig:"WARDEN_DB" default:"warden.db"`
}

// RuntimeConfig holds agent execution limits.
type RuntimeConfig struct {
	Timeout         time.Duration `envconfig:"WARDEN_EXEC_TIMEOUT" default:"30s"`
	OperationBudget int           `envconfig:"WARDEN_OP_BUDGET" default:"1000"`
	RetryAttempts   int           `envconfig:"WARDEN_RENDERER_RETRIES" default:"3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
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
		Server: ServerConfig{
			Port: "8700",
			Host: "127.0.0.1",
		},
		Store: StoreConfig{
			Path: "warden.db",
		},
		Runtime: RuntimeConfig{
			Timeout:         30 * time.Second,
			OperationBudget: 1000,
			RetryAttempts:   3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
