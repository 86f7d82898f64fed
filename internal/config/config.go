package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the shipped server.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Stacks        StacksConfig
	Scheduler     SchedulerConfig
	Notifications NotificationConfig
	Credentials   CredentialsConfig
	Log           LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"5055"`
	CORSOrigins     []string      `env:"SHIPPED_CORS_ORIGINS" envDefault:"*" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHIPPED_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig selects the record store backend.
type DatabaseConfig struct {
	Type             string `env:"DB_TYPE" envDefault:"sqlite"`
	FileName         string `env:"DB_FILE_NAME" envDefault:"shipped.db"`
	ConnectionString string `env:"DB_CONNECTION_STRING"`
}

// StacksConfig controls where stacks live on disk.
type StacksConfig struct {
	Dir               string `env:"STACKS_DIR" envDefault:"/stacks"`
	DefaultCloneDepth int    `env:"DEFAULT_CLONE_DEPTH" envDefault:"1"`
}

// SchedulerConfig controls the update-check loop.
type SchedulerConfig struct {
	TickInterval    time.Duration `env:"SHIPPED_TICK_INTERVAL" envDefault:"1m"`
	RunCheckTimeout time.Duration `env:"SHIPPED_RUN_CHECK_TIMEOUT" envDefault:"5m"`
}

// NotificationConfig holds process-wide notification fallbacks.
type NotificationConfig struct {
	DefaultURL      string `env:"DEFAULT_NOTIFICATION_URL"`
	DefaultProvider string `env:"DEFAULT_NOTIFICATION_PROVIDER"`
}

// CredentialsConfig locates the deploy key encryption key.
type CredentialsConfig struct {
	Key            string `env:"SHIPPED_ENCRYPTION_KEY"`
	KeyFile        string `env:"SHIPPED_ENCRYPTION_KEY_FILE"`
	KnownHostsFile string `env:"SHIPPED_KNOWN_HOSTS_FILE"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Stacks); err != nil {
		return nil, fmt.Errorf("parsing stacks config: %w", err)
	}
	if err := env.Parse(&cfg.Scheduler); err != nil {
		return nil, fmt.Errorf("parsing scheduler config: %w", err)
	}
	if err := env.Parse(&cfg.Notifications); err != nil {
		return nil, fmt.Errorf("parsing notification config: %w", err)
	}
	if err := env.Parse(&cfg.Credentials); err != nil {
		return nil, fmt.Errorf("parsing credentials config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "sqlite", "":
	case "postgres":
		if c.Database.ConnectionString == "" {
			return fmt.Errorf("DB_CONNECTION_STRING is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Stacks.Dir) == "" {
		return fmt.Errorf("STACKS_DIR must not be empty")
	}
	if c.Stacks.DefaultCloneDepth < 1 {
		return fmt.Errorf("DEFAULT_CLONE_DEPTH must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("SHIPPED_TICK_INTERVAL must be positive")
	}
	if c.Scheduler.RunCheckTimeout <= 0 {
		return fmt.Errorf("SHIPPED_RUN_CHECK_TIMEOUT must be positive")
	}
	if (c.Notifications.DefaultURL == "") != (c.Notifications.DefaultProvider == "") {
		return fmt.Errorf("DEFAULT_NOTIFICATION_URL and DEFAULT_NOTIFICATION_PROVIDER must be set together")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
