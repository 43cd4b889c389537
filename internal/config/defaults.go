package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the widgetbridge configuration directory
// Uses ~/.config/widgetbridge/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "widgetbridge"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvServerHost      = "BRIDGE_SERVER_HOST"
	EnvServerPort      = "BRIDGE_SERVER_PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvBusQueueSize    = "BRIDGE_BUS_QUEUE_SIZE"
	EnvResponseTimeout = "BRIDGE_RESPONSE_TIMEOUT"
)

const (
	// Default server settings
	DefaultServerHost      = "127.0.0.1"
	DefaultServerPort      = 8433
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxConnections  = 100
	DefaultMaxMessageBytes = 1 << 20 // 1 MB

	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stdout"

	// Default bus settings
	DefaultBusQueueSize      = 1000
	DefaultBusHandlerTimeout = 30 * time.Second
	DefaultBusPublishTimeout = 5 * time.Second

	// Default bridge settings
	DefaultBridgeSource     = "widgetbridge"
	DefaultResponseTimeout  = 10 * time.Second
)

// DefaultConfig returns a configuration populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Logging: DefaultLoggingConfig(),
		Bus:     DefaultBusConfig(),
		Bridge:  DefaultBridgeConfig(),
	}
}

// DefaultServerConfig returns the default websocket server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            DefaultServerHost,
		Port:            DefaultServerPort,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		MaxConnections:  DefaultMaxConnections,
		MaxMessageBytes: DefaultMaxMessageBytes,
		MonitorEnabled:  true,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultBusConfig returns the default event bus configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:      DefaultBusQueueSize,
		HandlerTimeout: DefaultBusHandlerTimeout,
		PublishTimeout: DefaultBusPublishTimeout,
	}
}

// DefaultBridgeConfig returns the default broker configuration
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Source:          DefaultBridgeSource,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// applyDefaults fills zero-valued fields with defaults
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = def.Server.MaxConnections
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = def.Server.MaxMessageBytes
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Bus.QueueSize == 0 {
		cfg.Bus.QueueSize = def.Bus.QueueSize
	}
	if cfg.Bus.HandlerTimeout == 0 {
		cfg.Bus.HandlerTimeout = def.Bus.HandlerTimeout
	}
	if cfg.Bus.PublishTimeout == 0 {
		cfg.Bus.PublishTimeout = def.Bus.PublishTimeout
	}

	if cfg.Bridge.Source == "" {
		cfg.Bridge.Source = def.Bridge.Source
	}
	if cfg.Bridge.ResponseTimeout == 0 {
		cfg.Bridge.ResponseTimeout = def.Bridge.ResponseTimeout
	}
}
