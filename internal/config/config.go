// ABOUTME: Configuration loading and parsing for coven-orchestrator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-orchestrator configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Probe    ProbeConfig    `yaml:"probe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the health endpoint address
type ServerConfig struct {
	HealthAddr string `yaml:"health_addr"`
}

// DatabaseConfig holds the execution log database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds plan engine tuning
type EngineConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	ProgressBuffer int `yaml:"progress_buffer"`

	StepTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StepTimeoutRaw string `yaml:"step_timeout"`
}

// ProbeConfig holds capability probe tuning
type ProbeConfig struct {
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HealthAddr: "127.0.0.1:8437"},
		Database: DatabaseConfig{Path: "coven-orchestrator.db"},
		Engine: EngineConfig{
			MaxConcurrent:  4,
			ProgressBuffer: 256,
			StepTimeout:    2 * time.Minute,
		},
		Probe:   ProbeConfig{Timeout: 15 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}

	if c.Engine.ProgressBuffer < 1 {
		return fmt.Errorf("engine.progress_buffer must be at least 1")
	}

	if c.Engine.StepTimeout < 0 {
		return fmt.Errorf("engine.step_timeout must not be negative")
	}

	if c.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Engine.StepTimeoutRaw != "" {
		cfg.Engine.StepTimeout, err = time.ParseDuration(cfg.Engine.StepTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing step_timeout %q: %w", cfg.Engine.StepTimeoutRaw, err)
		}
	}

	if cfg.Probe.TimeoutRaw != "" {
		cfg.Probe.Timeout, err = time.ParseDuration(cfg.Probe.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing probe timeout %q: %w", cfg.Probe.TimeoutRaw, err)
		}
	}

	return nil
}
