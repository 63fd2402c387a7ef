package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment describes a single Docker environment to track
type Environment struct {
	Name string `yaml:"name"`
	// Host is a Docker daemon address, e.g. unix:///var/run/docker.sock
	// or tcp://10.0.0.5:2375. Empty means the SDK default from the environment.
	Host string `yaml:"host,omitempty"`
}

// ScheduleConfig controls the automatic update check job
type ScheduleConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

// RegistryConfig controls calls to remote image registries
type RegistryConfig struct {
	// MinSpacingMs is the minimum delay between two registry requests
	MinSpacingMs int `yaml:"min_spacing_ms"`
	// Fanout is the number of concurrent update checks during a full refresh
	Fanout int `yaml:"fanout"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port      string `yaml:"port"`
	PublicURL string `yaml:"public_url,omitempty"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds the persistent store settings
type StorageConfig struct {
	// Path is the leveldb directory. Empty selects the in-memory store.
	Path string `yaml:"path,omitempty"`
}

// Config is the top-level application configuration
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Logging      LoggingConfig  `yaml:"logging"`
	Storage      StorageConfig  `yaml:"storage"`
	Registry     RegistryConfig `yaml:"registry"`
	Schedule     ScheduleConfig `yaml:"schedule"`
	Environments []Environment  `yaml:"environments"`
	APIKeysFile  string         `yaml:"api_keys_file,omitempty"`
}

// Load reads the configuration from a YAML file and applies defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration suitable for running without a config file
func Default() *Config {
	cfg := &Config{
		Environments: []Environment{{Name: "local"}},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Registry.MinSpacingMs <= 0 {
		c.Registry.MinSpacingMs = 1000
	}
	if c.Registry.Fanout <= 0 {
		c.Registry.Fanout = 3
	}
	if c.Schedule.IntervalMinutes <= 0 {
		c.Schedule.IntervalMinutes = 60
	}
	if len(c.Environments) == 0 {
		c.Environments = []Environment{{Name: "local"}}
	}
}

// MinSpacing returns the registry request spacing as a duration
func (r RegistryConfig) MinSpacing() time.Duration {
	return time.Duration(r.MinSpacingMs) * time.Millisecond
}

// Interval returns the schedule interval as a duration
func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}
