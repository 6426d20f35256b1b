// Package config provides configuration management for Ensemble.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Ensemble.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	History  HistoryConfig  `mapstructure:"history"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Graph    GraphConfig    `mapstructure:"graph"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HistoryConfig controls per-node history logging.
type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseDir    string `mapstructure:"baseDir"`
	ServerName string `mapstructure:"serverName"`
}

// TerminalConfig holds terminal backend tuning.
type TerminalConfig struct {
	ReadyTimeout int `mapstructure:"readyTimeout"` // in seconds
	PollInterval int `mapstructure:"pollInterval"` // in milliseconds
	BufferLines  int `mapstructure:"bufferLines"`
	Cols         int `mapstructure:"cols"`
	Rows         int `mapstructure:"rows"`
}

// GraphConfig holds graph scheduler defaults.
type GraphConfig struct {
	MaxParallel int `mapstructure:"maxParallel"`
}

// LLMConfig holds LLM node policies.
type LLMConfig struct {
	MaxRetries     int `mapstructure:"maxRetries"`
	RetryBaseDelay int `mapstructure:"retryBaseDelay"` // in milliseconds
	MaxToolRounds  int `mapstructure:"maxToolRounds"`
}

// ProxyConfig holds per-node proxy lifecycle tuning.
type ProxyConfig struct {
	PortAttempts  int `mapstructure:"portAttempts"`
	HealthTimeout int `mapstructure:"healthTimeout"` // in seconds
	ShutdownGrace int `mapstructure:"shutdownGrace"` // in seconds
}

// EventsConfig selects the event bus implementation.
type EventsConfig struct {
	Bus           string `mapstructure:"bus"` // memory or nats
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// ReadyTimeoutDuration returns the terminal ready timeout as a time.Duration.
func (t *TerminalConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(t.ReadyTimeout) * time.Second
}

// PollIntervalDuration returns the terminal poll interval as a time.Duration.
func (t *TerminalConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Millisecond
}

// RetryBaseDelayDuration returns the LLM retry base delay as a time.Duration.
func (l *LLMConfig) RetryBaseDelayDuration() time.Duration {
	return time.Duration(l.RetryBaseDelay) * time.Millisecond
}

// HealthTimeoutDuration returns the proxy health timeout as a time.Duration.
func (p *ProxyConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(p.HealthTimeout) * time.Second
}

// ShutdownGraceDuration returns the proxy shutdown grace as a time.Duration.
func (p *ProxyConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(p.ShutdownGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ENSEMBLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.baseDir", defaultHistoryDir())
	v.SetDefault("history.serverName", "ensemble")

	// Terminal defaults
	v.SetDefault("terminal.readyTimeout", 120)
	v.SetDefault("terminal.pollInterval", 250)
	v.SetDefault("terminal.bufferLines", 2000)
	v.SetDefault("terminal.cols", 200)
	v.SetDefault("terminal.rows", 50)

	// Graph defaults
	v.SetDefault("graph.maxParallel", 1)

	// LLM defaults. maxToolRounds must stay positive; node creation rejects
	// a non-positive resolved value.
	v.SetDefault("llm.maxRetries", 3)
	v.SetDefault("llm.retryBaseDelay", 500)
	v.SetDefault("llm.maxToolRounds", 10)

	// Proxy defaults
	v.SetDefault("proxy.portAttempts", 5)
	v.SetDefault("proxy.healthTimeout", 10)
	v.SetDefault("proxy.shutdownGrace", 5)

	// Events defaults - memory bus unless a NATS URL is configured
	v.SetDefault("events.bus", "memory")
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.maxReconnects", 10)
}

func defaultHistoryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble/history"
	}
	return home + "/.ensemble/history"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ENSEMBLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ensemble/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ENSEMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("history.baseDir", "ENSEMBLE_HISTORY_BASE_DIR")
	_ = v.BindEnv("history.serverName", "ENSEMBLE_HISTORY_SERVER_NAME")
	_ = v.BindEnv("events.natsUrl", "ENSEMBLE_EVENTS_NATS_URL")
	_ = v.BindEnv("graph.maxParallel", "ENSEMBLE_GRAPH_MAX_PARALLEL")
	_ = v.BindEnv("llm.maxToolRounds", "ENSEMBLE_LLM_MAX_TOOL_ROUNDS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ensemble/")

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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// History validation - base dir required only when enabled
	if cfg.History.Enabled && cfg.History.BaseDir == "" {
		errs = append(errs, "history.baseDir is required when history.enabled is true")
	}

	// Terminal validation
	if cfg.Terminal.ReadyTimeout <= 0 {
		errs = append(errs, "terminal.readyTimeout must be positive")
	}
	if cfg.Terminal.PollInterval <= 0 {
		errs = append(errs, "terminal.pollInterval must be positive")
	}
	if cfg.Terminal.BufferLines <= 0 {
		errs = append(errs, "terminal.bufferLines must be positive")
	}

	// Graph validation
	if cfg.Graph.MaxParallel < 1 {
		errs = append(errs, "graph.maxParallel must be at least 1")
	}

	// LLM validation
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, "llm.maxRetries must not be negative")
	}

	// Proxy validation
	if cfg.Proxy.PortAttempts < 1 {
		errs = append(errs, "proxy.portAttempts must be at least 1")
	}

	// Events validation - bus must be a known implementation
	switch strings.ToLower(cfg.Events.Bus) {
	case "memory":
	case "nats":
		if cfg.Events.NATSURL == "" {
			errs = append(errs, "events.natsUrl is required when events.bus is nats")
		}
	default:
		errs = append(errs, "events.bus must be one of: memory, nats")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
