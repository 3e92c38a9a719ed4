package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Node     NodeConfig `yaml:"node"`
	Sync     SyncConfig `yaml:"sync"`
	LogLevel string     `yaml:"log_level,omitempty"` // debug, info, warn, error
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	Name     string     `yaml:"name"` // display name shown to peers
	Serf     SerfConfig `yaml:"serf"`
	HTTP     HTTPConfig `yaml:"http"`
	Database DBConfig   `yaml:"database"`
}

// SerfConfig contains discovery configuration
type SerfConfig struct {
	BindAddr      string   `yaml:"bind_addr"`
	AdvertiseAddr string   `yaml:"advertise_addr,omitempty"`
	Seeds         []string `yaml:"seeds,omitempty"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DBConfig contains database configuration
type DBConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains replication settings. Port is the well-known UDP port
// shared by every instance on the segment.
type SyncConfig struct {
	Port         int `yaml:"port"`
	SweepSeconds int `yaml:"sweep_seconds,omitempty"`
	StaleSeconds int `yaml:"stale_seconds,omitempty"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Node.Name == "" {
		c.Node.Name = "Unknown"
	}
	if c.Node.Serf.BindAddr == "" {
		c.Node.Serf.BindAddr = "0.0.0.0:7946"
	}
	if c.Node.HTTP.Port == 0 {
		c.Node.HTTP.Port = 8080
	}
	if c.Node.Database.Path == "" {
		c.Node.Database.Path = "./calan.db"
	}
	if c.Sync.Port == 0 {
		c.Sync.Port = 1900
	}
	if c.Sync.SweepSeconds == 0 {
		c.Sync.SweepSeconds = 120
	}
	if c.Sync.StaleSeconds == 0 {
		c.Sync.StaleSeconds = 120
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ParseLogLevel converts a log level string to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
