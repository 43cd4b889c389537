package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the complete configuration for the widget bridge
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Bus       BusConfig        `json:"bus" yaml:"bus"`
	Bridge    BridgeConfig     `json:"bridge" yaml:"bridge"`
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// ServerConfig contains the websocket server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	MaxMessageBytes int64         `json:"max_message_bytes" yaml:"max_message_bytes"`
	MonitorEnabled  bool          `json:"monitor_enabled" yaml:"monitor_enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BusConfig contains event bus configuration
type BusConfig struct {
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// BridgeConfig contains message broker configuration
type BridgeConfig struct {
	Source          string        `json:"source" yaml:"source"` // source tag on published events
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
}

// EndpointConfig is a trusted (widget, origin) pair seeded into the
// endpoint registry at startup
type EndpointConfig struct {
	WidgetID  string `json:"widget_id" yaml:"widget_id"`
	OriginURL string `json:"origin_url" yaml:"origin_url"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative: %d", c.Server.MaxConnections)
	}
	if c.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes cannot be negative: %d", c.Server.MaxMessageBytes)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus queue_size must be positive: %d", c.Bus.QueueSize)
	}
	if c.Bus.HandlerTimeout <= 0 {
		return fmt.Errorf("bus handler_timeout must be positive: %s", c.Bus.HandlerTimeout)
	}

	if c.Bridge.ResponseTimeout <= 0 {
		return fmt.Errorf("bridge response_timeout must be positive: %s", c.Bridge.ResponseTimeout)
	}

	for i, ep := range c.Endpoints {
		if ep.WidgetID == "" {
			return fmt.Errorf("endpoint %d: widget_id cannot be empty", i)
		}
		if ep.OriginURL == "" {
			return fmt.Errorf("endpoint %d: origin_url cannot be empty", i)
		}
	}

	return nil
}

// OverrideOptions contains CLI override values (highest precedence)
type OverrideOptions struct {
	ServerHost string
	ServerPort int
	LogLevel   string
	LogFormat  string
	LogOutput  string
}

// ApplyOverrides applies non-zero CLI overrides to the configuration
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.ServerHost != "" {
		c.Server.Host = opts.ServerHost
	}
	if opts.ServerPort > 0 {
		c.Server.Port = opts.ServerPort
	}
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
}

// Load builds the configuration from defaults, the default config file if
// present, and environment variable overrides
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load from the default config file when it exists
	if path, err := GetDefaultConfigPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fileCfg, loadErr := LoadFromFile(path)
			if loadErr != nil {
				return nil, loadErr
			}
			cfg = fileCfg
		}
	}

	// Environment variables override file values
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvServerHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvBusQueueSize); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Bus.QueueSize = size
		}
	}
	if v := os.Getenv(EnvResponseTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bridge.ResponseTimeout = d
		}
	}
}
