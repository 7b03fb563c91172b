// Package config provides configuration management for the agentmesh
// control plane. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage phase values accepted by storage.phase.
const (
	PhasePrimaryOnly    = "primary_only"
	PhaseDualWrite      = "dual_write"
	PhaseDualReadVerify = "dual_read_verify"
	PhaseSecondaryOnly  = "secondary_only"
)

// ValidStoragePhase reports whether phase is one of the accepted storage
// phase values.
func ValidStoragePhase(phase string) bool {
	switch phase {
	case PhasePrimaryOnly, PhaseDualWrite, PhaseDualReadVerify, PhaseSecondaryOnly:
		return true
	}
	return false
}

// Config holds all configuration sections for the control plane.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	ACP     ACPConfig     `mapstructure:"acp"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the dual-backend storage configuration.
type StorageConfig struct {
	// Phase selects the migration phase: primary_only, dual_write,
	// dual_read_verify, or secondary_only.
	Phase string `mapstructure:"phase"`

	// PrimaryURL is the MongoDB connection string for the document store.
	PrimaryURL string `mapstructure:"primaryUrl"`

	// PrimaryDatabase is the MongoDB database name.
	PrimaryDatabase string `mapstructure:"primaryDatabase"`

	// SecondaryURL is the relational store connection string. Postgres DSNs
	// are routed through pgx; anything else is treated as a SQLite path.
	SecondaryURL string `mapstructure:"secondaryUrl"`

	// SecondaryReadURL optionally routes read-only queries to a replica.
	SecondaryReadURL string `mapstructure:"secondaryReadUrl"`

	MaxConns int `mapstructure:"maxConns"`
	MinConns int `mapstructure:"minConns"`

	// SlowQueryThresholdMs logs and counts storage operations slower than
	// this many milliseconds. 0 disables the check.
	SlowQueryThresholdMs int `mapstructure:"slowQueryThresholdMs"`
}

// ACPConfig holds outbound agent-call configuration.
type ACPConfig struct {
	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
	ConnectTimeout int `mapstructure:"connectTimeout"` // in seconds

	// AdvisoryLock serializes message/send per (agent, task) when enabled.
	AdvisoryLock bool `mapstructure:"advisoryLock"`

	// RequestIDHeader is the correlation header attached to outbound calls.
	RequestIDHeader string `mapstructure:"requestIdHeader"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the ACP request timeout as a time.Duration.
func (a *ACPConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// ConnectTimeoutDuration returns the ACP connect timeout as a time.Duration.
func (a *ACPConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(a.ConnectTimeout) * time.Second
}

// SlowQueryThreshold returns the slow-query threshold as a time.Duration.
func (s *StorageConfig) SlowQueryThreshold() time.Duration {
	return time.Duration(s.SlowQueryThresholdMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not be cut off

	// Storage defaults
	v.SetDefault("storage.phase", PhasePrimaryOnly)
	v.SetDefault("storage.primaryUrl", "mongodb://localhost:27017")
	v.SetDefault("storage.primaryDatabase", "agentmesh")
	v.SetDefault("storage.secondaryUrl", "")
	v.SetDefault("storage.secondaryReadUrl", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)
	v.SetDefault("storage.slowQueryThresholdMs", 500)

	// ACP defaults
	v.SetDefault("acp.requestTimeout", 60)
	v.SetDefault("acp.connectTimeout", 10)
	v.SetDefault("acp.advisoryLock", false)
	v.SetDefault("acp.requestIdHeader", "x-request-id")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMESH_ with
// snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming
	// (AutomaticEnv does not convert camelCase keys to SNAKE_CASE).
	_ = v.BindEnv("storage.primaryUrl", "AGENTMESH_STORAGE_PRIMARY_URL")
	_ = v.BindEnv("storage.primaryDatabase", "AGENTMESH_STORAGE_PRIMARY_DATABASE")
	_ = v.BindEnv("storage.secondaryUrl", "AGENTMESH_STORAGE_SECONDARY_URL")
	_ = v.BindEnv("storage.secondaryReadUrl", "AGENTMESH_STORAGE_SECONDARY_READ_URL")
	_ = v.BindEnv("storage.slowQueryThresholdMs", "AGENTMESH_STORAGE_SLOW_QUERY_THRESHOLD_MS")
	_ = v.BindEnv("acp.requestTimeout", "AGENTMESH_ACP_REQUEST_TIMEOUT")
	_ = v.BindEnv("acp.connectTimeout", "AGENTMESH_ACP_CONNECT_TIMEOUT")
	_ = v.BindEnv("acp.advisoryLock", "AGENTMESH_ACP_ADVISORY_LOCK")
	_ = v.BindEnv("acp.requestIdHeader", "AGENTMESH_ACP_REQUEST_ID_HEADER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Phase {
	case PhasePrimaryOnly, PhaseDualWrite, PhaseDualReadVerify, PhaseSecondaryOnly:
	default:
		errs = append(errs, fmt.Sprintf("storage.phase %q is not a known phase", cfg.Storage.Phase))
	}

	if cfg.Storage.Phase != PhasePrimaryOnly && cfg.Storage.SecondaryURL == "" {
		errs = append(errs, "storage.secondaryUrl is required unless storage.phase is primary_only")
	}

	if cfg.ACP.RequestTimeout <= 0 {
		errs = append(errs, "acp.requestTimeout must be positive")
	}
	if cfg.ACP.ConnectTimeout <= 0 {
		errs = append(errs, "acp.connectTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
