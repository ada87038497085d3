// Package config holds service configuration, loaded from an optional YAML
// file, AGENTDIFF_* environment variables, and CLI flags (highest
// precedence).
package config

import (
	"time"
)

// Config holds all configuration for the agentdiff service.
type Config struct {
	// DatabaseURL is the Postgres connection string for the backing store.
	DatabaseURL string `yaml:"databaseUrl"`

	// APIPort is the port the HTTP API server listens on.
	APIPort int `yaml:"apiPort"`

	// LogLevel is the default logging level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	// PlatformSecret signs environment tokens (HS256). Required.
	PlatformSecret string `yaml:"platformSecret"`

	// TokenAudience is the aud claim stamped into environment tokens.
	TokenAudience string `yaml:"tokenAudience"`

	// DefaultTTLSeconds is the environment TTL applied when a request
	// does not specify one.
	DefaultTTLSeconds int `yaml:"defaultTtlSeconds"`

	// MaxTTLSeconds caps the TTL a caller may request.
	MaxTTLSeconds int `yaml:"maxTtlSeconds"`

	// ReaperInterval is the cadence of the environment expiry pass.
	ReaperInterval time.Duration `yaml:"reaperInterval"`

	// MaxConns bounds the Postgres connection pool.
	MaxConns int `yaml:"maxConns"`

	// TracingEnabled turns on OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracingEnabled"`

	// TracingEndpoint is the OTLP gRPC endpoint for trace export.
	TracingEndpoint string `yaml:"tracingEndpoint"`

	// TracingTLSCAPath is the CA certificate path for TLS verification.
	TracingTLSCAPath string `yaml:"tracingTlsCaPath"`

	// TracingTLSInsecure skips TLS verification on the trace exporter.
	TracingTLSInsecure bool `yaml:"tracingTlsInsecure"`
}

// Default returns a Config with development defaults. DatabaseURL and
// PlatformSecret have no defaults and must be provided.
func Default() *Config {
	return &Config{
		APIPort:           8080,
		LogLevel:          "info",
		TokenAudience:     "agentdiff",
		DefaultTTLSeconds: 1800,
		MaxTTLSeconds:     86400,
		ReaperInterval:    time.Minute,
		MaxConns:          10,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return NewConfigError("DatabaseURL must not be empty")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return NewConfigError("APIPort must be between 1 and 65535")
	}
	if c.PlatformSecret == "" {
		return NewConfigError("PlatformSecret must not be empty")
	}
	if c.DefaultTTLSeconds < 1 {
		return NewConfigError("DefaultTTLSeconds must be at least 1")
	}
	if c.MaxTTLSeconds < c.DefaultTTLSeconds {
		return NewConfigError("MaxTTLSeconds must be >= DefaultTTLSeconds")
	}
	if c.ReaperInterval < time.Second {
		return NewConfigError("ReaperInterval must be at least 1s")
	}
	if c.MaxConns < 1 {
		return NewConfigError("MaxConns must be at least 1")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("TracingEndpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return e.message
}
