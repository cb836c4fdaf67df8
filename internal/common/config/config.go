// Package config provides configuration management for Threadbox.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Threadbox.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Health   HealthConfig   `mapstructure:"health"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DiscordConfig holds the Discord connection and identity configuration.
type DiscordConfig struct {
	Token     string `mapstructure:"token"`
	AppID     string `mapstructure:"appId"`
	BotUserID string `mapstructure:"botUserId"`
	BotRoleID string `mapstructure:"botRoleId"`
	Intents   int    `mapstructure:"intents"`
}

// SandboxConfig holds the sandbox provider and session lifecycle configuration.
type SandboxConfig struct {
	Provider string `mapstructure:"provider"` // currently only "sprites"
	Token    string `mapstructure:"token"`

	// CreationTimeoutSeconds bounds sandbox creation.
	CreationTimeoutSeconds int `mapstructure:"creationTimeoutSeconds"`

	// IdleTimeoutMinutes is how long an active session may sit without
	// activity before its actor requests a pause.
	IdleTimeoutMinutes int `mapstructure:"idleTimeoutMinutes"`

	// ReusePolicy is either "resume_preferred" or "recreate".
	ReusePolicy string `mapstructure:"reusePolicy"`

	AgentPort  int    `mapstructure:"agentPort"`
	AgentRepo  string `mapstructure:"agentRepo"`
	AgentModel string `mapstructure:"agentModel"`
}

// HealthConfig holds the agent health probe budgets.
type HealthConfig struct {
	StartupTimeoutMs     int `mapstructure:"startupTimeoutMs"`
	ResumeTimeoutMs      int `mapstructure:"resumeTimeoutMs"`
	ActiveCheckTimeoutMs int `mapstructure:"activeCheckTimeoutMs"`
}

// CleanupConfig holds the reconciler sweep configuration.
type CleanupConfig struct {
	IntervalMinutes         int `mapstructure:"intervalMinutes"`
	StaleActiveGraceMinutes int `mapstructure:"staleActiveGraceMinutes"`
	PausedTTLMinutes        int `mapstructure:"pausedTtlMinutes"`
}

// RoutingConfig holds the turn-routing classifier configuration.
type RoutingConfig struct {
	Mode string `mapstructure:"mode"` // off, heuristic, ai
}

// DedupConfig holds the inbound message dedup window configuration.
type DedupConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OTLP tracing configuration.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CreationTimeout returns the sandbox creation budget as a time.Duration.
func (s *SandboxConfig) CreationTimeout() time.Duration {
	return time.Duration(s.CreationTimeoutSeconds) * time.Second
}

// IdleTimeout returns the active-session idle timeout as a time.Duration.
func (s *SandboxConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// StartupTimeout returns the startup health budget as a time.Duration.
func (h *HealthConfig) StartupTimeout() time.Duration {
	return time.Duration(h.StartupTimeoutMs) * time.Millisecond
}

// ResumeTimeout returns the resume health budget as a time.Duration.
func (h *HealthConfig) ResumeTimeout() time.Duration {
	return time.Duration(h.ResumeTimeoutMs) * time.Millisecond
}

// ActiveCheckTimeout returns the pre-send health budget as a time.Duration.
func (h *HealthConfig) ActiveCheckTimeout() time.Duration {
	return time.Duration(h.ActiveCheckTimeoutMs) * time.Millisecond
}

// Interval returns the reconciler cadence as a time.Duration.
func (c *CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("THREADBOX_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "./threadbox.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "threadbox")
	v.SetDefault("nats.maxReconnects", 10)

	// Discord defaults
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.appId", "")
	v.SetDefault("discord.botUserId", "")
	v.SetDefault("discord.botRoleId", "")
	// GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT
	v.SetDefault("discord.intents", 1|512|32768)

	// Sandbox defaults
	v.SetDefault("sandbox.provider", "sprites")
	v.SetDefault("sandbox.token", "")
	v.SetDefault("sandbox.creationTimeoutSeconds", 300)
	v.SetDefault("sandbox.idleTimeoutMinutes", 30)
	v.SetDefault("sandbox.reusePolicy", "resume_preferred")
	v.SetDefault("sandbox.agentPort", 4096)
	v.SetDefault("sandbox.agentRepo", "https://github.com/sst/opencode.git")
	v.SetDefault("sandbox.agentModel", "anthropic/claude-sonnet-4")

	// Health probe budgets
	v.SetDefault("health.startupTimeoutMs", 120000)
	v.SetDefault("health.resumeTimeoutMs", 60000)
	v.SetDefault("health.activeCheckTimeoutMs", 5000)

	// Cleanup defaults
	v.SetDefault("cleanup.intervalMinutes", 5)
	v.SetDefault("cleanup.staleActiveGraceMinutes", 10)
	v.SetDefault("cleanup.pausedTtlMinutes", 1440)

	// Routing defaults
	v.SetDefault("routing.mode", "heuristic")

	// Dedup defaults
	v.SetDefault("dedup.capacity", 4000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - empty endpoint disables tracing
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "threadbox")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix THREADBOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/threadbox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("THREADBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("discord.token", "DISCORD_TOKEN", "THREADBOX_DISCORD_TOKEN")
	_ = v.BindEnv("discord.botUserId", "THREADBOX_DISCORD_BOT_USER_ID")
	_ = v.BindEnv("discord.botRoleId", "THREADBOX_DISCORD_BOT_ROLE_ID")
	_ = v.BindEnv("sandbox.token", "SPRITES_API_TOKEN", "THREADBOX_SANDBOX_TOKEN")
	_ = v.BindEnv("sandbox.reusePolicy", "THREADBOX_SANDBOX_REUSE_POLICY")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "THREADBOX_TRACING_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/threadbox/")

	// Read config file (ignore if not found)
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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Sandbox.Provider != "sprites" {
		errs = append(errs, "sandbox.provider must be \"sprites\"")
	}
	switch cfg.Sandbox.ReusePolicy {
	case "resume_preferred", "recreate":
	default:
		errs = append(errs, "sandbox.reusePolicy must be one of: resume_preferred, recreate")
	}
	if cfg.Sandbox.AgentPort <= 0 || cfg.Sandbox.AgentPort > 65535 {
		errs = append(errs, "sandbox.agentPort must be between 1 and 65535")
	}
	if cfg.Sandbox.CreationTimeoutSeconds <= 0 {
		errs = append(errs, "sandbox.creationTimeoutSeconds must be positive")
	}
	if cfg.Sandbox.IdleTimeoutMinutes <= 0 {
		errs = append(errs, "sandbox.idleTimeoutMinutes must be positive")
	}

	if cfg.Health.StartupTimeoutMs <= 0 || cfg.Health.ResumeTimeoutMs <= 0 || cfg.Health.ActiveCheckTimeoutMs <= 0 {
		errs = append(errs, "health timeouts must be positive")
	}

	if cfg.Cleanup.IntervalMinutes <= 0 {
		errs = append(errs, "cleanup.intervalMinutes must be positive")
	}
	if cfg.Cleanup.StaleActiveGraceMinutes < 0 {
		errs = append(errs, "cleanup.staleActiveGraceMinutes must not be negative")
	}
	if cfg.Cleanup.PausedTTLMinutes <= 0 {
		errs = append(errs, "cleanup.pausedTtlMinutes must be positive")
	}

	switch cfg.Routing.Mode {
	case "off", "heuristic", "ai":
	default:
		errs = append(errs, "routing.mode must be one of: off, heuristic, ai")
	}

	if cfg.Dedup.Capacity <= 0 {
		errs = append(errs, "dedup.capacity must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
