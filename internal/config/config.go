// Package config loads server configuration: defaults, overlaid by an
// optional YAML file, overlaid by flags at the CLI layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all quill configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig for the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig for the event log and projection database.
type StorageConfig struct {
	Database string `yaml:"database"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s".
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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ArtifactsConfig for the external artifact service. An empty endpoint
// disables externalization and keeps oversized outputs inline.
type ArtifactsConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Token     string   `yaml:"token"`
	Threshold int      `yaml:"threshold"` // bytes, decoded size
	Timeout   Duration `yaml:"timeout"`
}

// AuthConfig maps bearer tokens to actor identities. Empty means the
// server runs open.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"` // token -> actor
}

// LoggingConfig for the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// RuntimeConfig for the optional in-process echo runtime, one session
// per listed notebook.
type RuntimeConfig struct {
	Echo          bool     `yaml:"echo"`
	EchoNotebooks []string `yaml:"echo_notebooks"`
	RuntimeID     string   `yaml:"runtime_id"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8080},
		Storage: StorageConfig{Database: "quill.db"},
		Artifacts: ArtifactsConfig{
			Threshold: 6 * 1024,
			Timeout:   Duration(10 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Runtime: RuntimeConfig{RuntimeID: "echo-local"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An
// empty path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage database path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Artifacts.Threshold < 0 {
		return fmt.Errorf("artifact threshold must not be negative")
	}
	return nil
}
