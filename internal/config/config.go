package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models hub.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Admin struct {
		Name     string `yaml:"name"`
		Password string `yaml:"password"`
	} `yaml:"admin"`
	Monitor struct {
		Interval     time.Duration `yaml:"interval"`
		OfflineAfter time.Duration `yaml:"offline_after"`
		ClaimTimeout time.Duration `yaml:"claim_timeout"`
	} `yaml:"monitor"`
}

// Default returns the config used when no hub.yml exists. The token secret
// and admin password have no defaults; they are supplied via file or env.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8000"
	cfg.Auth.TokenTTL = 7 * 24 * time.Hour
	cfg.Admin.Name = "main-bot"
	cfg.Monitor.Interval = 30 * time.Second
	cfg.Monitor.OfflineAfter = 2 * time.Minute
	cfg.Monitor.ClaimTimeout = 10 * time.Minute
	return &cfg
}

// Validate ensures the config can run a hub.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("config.auth.token_secret is required")
	}
	if c.Auth.TokenTTL < time.Hour || c.Auth.TokenTTL > 30*24*time.Hour {
		return fmt.Errorf("config.auth.token_ttl must be between 1h and 720h")
	}
	if c.Admin.Name == "" {
		return fmt.Errorf("config.admin.name is required")
	}
	if c.Admin.Password == "" {
		return fmt.Errorf("config.admin.password is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config.monitor.interval must be positive")
	}
	if c.Monitor.OfflineAfter <= 0 || c.Monitor.ClaimTimeout <= 0 {
		return fmt.Errorf("config.monitor thresholds must be positive")
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes, filling
// defaults for unset fields.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}
