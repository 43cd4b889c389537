package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/embra/widgetbridge/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
// Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// validateFilePath checks if the file path is valid and has the correct extension
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}

	return nil
}

// validateYAMLContent validates the YAML content and provides detailed error messages
func validateYAMLContent(data []byte, path string) error {
	if len(data) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains only whitespace: "+path)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	if node.Kind == 0 && len(node.Content) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains no valid YAML content: "+path)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if err := validateYAMLContent(data, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to parse YAML configuration from "+path, err)
	}

	// Interpolate environment variables in all string fields
	interpolateEnvVarsInConfig(&cfg)

	// Apply defaults to any zero-valued fields that weren't specified in the YAML
	applyDefaults(&cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}

	return &cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in all string fields
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Server.Host = interpolateEnvVars(cfg.Server.Host)

	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	cfg.Bridge.Source = interpolateEnvVars(cfg.Bridge.Source)

	for i := range cfg.Endpoints {
		cfg.Endpoints[i].WidgetID = interpolateEnvVars(cfg.Endpoints[i].WidgetID)
		cfg.Endpoints[i].OriginURL = interpolateEnvVars(cfg.Endpoints[i].OriginURL)
	}
}
