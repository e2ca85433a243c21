// Package config holds the YAML configuration of the supervisor binary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete supervisor configuration.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LogConfig        `yaml:"logging"`
}

type SupervisorConfig struct {
	// Socket is the rendezvous socket path workers accept host
	// connections on.
	Socket string `yaml:"socket"`

	// Workers is the fleet size. Zero means the CPU count.
	Workers int `yaml:"workers"`

	// WorkerCommand is the argv of the script-executor child.
	WorkerCommand []string `yaml:"worker_command"`

	// GracePeriod bounds draining on shutdown.
	GracePeriod Duration `yaml:"grace_period"`

	// MaxCrashes bounds replacement forks before the fleet is declared
	// failed. Zero means three per worker.
	MaxCrashes int `yaml:"max_crashes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values. The socket path and worker
// command may still come from flags, so they are checked at supervise time,
// not here.
func (c *Config) Validate() error {
	if c.Supervisor.Workers < 0 {
		return fmt.Errorf("supervisor.workers must be >= 0, got %d", c.Supervisor.Workers)
	}
	if c.Supervisor.MaxCrashes < 0 {
		return fmt.Errorf("supervisor.max_crashes must be >= 0, got %d", c.Supervisor.MaxCrashes)
	}
	if c.Supervisor.GracePeriod.Duration() < 0 {
		return fmt.Errorf("supervisor.grace_period must be >= 0, got %s", c.Supervisor.GracePeriod.Duration())
	}

	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	validFormats := map[string]bool{"": true, "json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
