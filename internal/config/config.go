// Package config provides centralized configuration management for the streaming service.
// It uses envconfig for environment variable loading and validator for validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"

	// envPrefix is prepended to every variable name (HEIMDALL_APP_NAME, ...).
	envPrefix = "HEIMDALL"
)

// Transport providers shared by the backplane and the change dispatcher.
const (
	ProviderMemory   = "memory"
	ProviderRedis    = "redis"
	ProviderKafka    = "kafka"
	ProviderPostgres = "postgres"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Streaming     StreamingConfig     `envconfig:"STREAMING"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Kafka         KafkaConfig         `envconfig:"KAFKA"`
	Backplane     BackplaneConfig     `envconfig:"BACKPLANE"`
	Dispatcher    DispatcherConfig    `envconfig:"DISPATCHER"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"heimdall-streaming"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"min=1s"`
}

// Load reads configuration from environment variables with the HEIMDALL prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration using go-playground/validator.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	// The store always reads from Postgres.
	if err := c.Database.Validate(c.App.Environment, c.postgresListeners()); err != nil {
		return err
	}

	if err := c.Streaming.Validate(); err != nil {
		return err
	}

	if err := c.Backplane.Validate(); err != nil {
		return err
	}

	if err := c.Observability.Validate(); err != nil {
		return err
	}

	// Broker settings are only required when a transport actually uses them.
	if c.UsesProvider(ProviderRedis) {
		if err := c.Redis.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if c.UsesProvider(ProviderKafka) {
		if err := c.Kafka.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if c.App.Environment == EnvironmentProduction && c.Backplane.Provider == ProviderMemory {
		return fmt.Errorf("backplane provider %q cannot be used in production environment", ProviderMemory)
	}

	return nil
}

// UsesProvider reports whether the backplane or the enabled dispatcher runs on the given provider.
func (c *Config) UsesProvider(provider string) bool {
	if c.Backplane.Provider == provider {
		return true
	}
	return c.Dispatcher.Enabled && c.Dispatcher.Provider == provider
}

// postgresListeners counts the Postgres transports, each of which pins one pool connection.
func (c *Config) postgresListeners() int {
	n := 0
	if c.Backplane.Provider == ProviderPostgres {
		n++
	}
	if c.Dispatcher.Enabled && c.Dispatcher.Provider == ProviderPostgres {
		n++
	}
	return n
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("streaming_port", c.Streaming.Port),
		slog.String("streaming_path", c.Streaming.Path),
		slog.Int("max_connections", c.Streaming.MaxConnections),
		slog.Int("fanout_workers", c.Streaming.FanoutWorkers),
		slog.String("backplane_provider", c.Backplane.Provider),
		slog.Bool("dispatcher_enabled", c.Dispatcher.Enabled),
		slog.String("dispatcher_provider", c.Dispatcher.Provider),
		slog.String("observability_port", c.Observability.Port),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
		slog.Bool("kafka_configured", c.Kafka.IsConfigured()),
	)
}

// Shared validation helper functions

// validatePort checks if port is valid (1-65535)
func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, portNum)
	}
	return nil
}

// validateHost checks if host is not empty and contains no whitespace
func validateHost(host, context string) error {
	if host == "" {
		return fmt.Errorf("%s host cannot be empty", context)
	}
	if strings.TrimSpace(host) != host {
		return fmt.Errorf("%s host cannot contain whitespace", context)
	}
	return nil
}

// validateNoWhitespace checks if a value is not empty and contains no whitespace
func validateNoWhitespace(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.TrimSpace(value) != value || strings.ContainsAny(value, " \t\n") {
		return fmt.Errorf("%s cannot contain whitespace", fieldName)
	}
	return nil
}

// validatePasswordStrength checks password meets minimum requirements
func validatePasswordStrength(password, context, environment string) error {
	if environment == EnvironmentProduction {
		if len(password) < 12 {
			return fmt.Errorf("%s password must be at least 12 characters in production", context)
		}
	}
	return nil
}

// isSecureSSLMode checks if SSL mode is production-safe
func isSecureSSLMode(mode string) bool {
	return mode == "require" || mode == "verify-ca" || mode == "verify-full"
}

// parseAndValidateURL is a helper for parsing URLs with scheme validation
func parseAndValidateURL(rawURL string, allowedSchemes []string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	if !slices.Contains(allowedSchemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, allowedSchemes)
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}

	return parsed, nil
}
