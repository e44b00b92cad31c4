package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the client configuration
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Session   SessionConfig   `yaml:"session"`
	Preview   PreviewConfig   `yaml:"preview"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AgentConfig struct {
	Endpoint  string `yaml:"endpoint"`            // ws:// or wss:// URL of the agent
	Token     string `yaml:"token,omitempty"`     // overrides the saved credential
	Heartbeat string `yaml:"heartbeat,omitempty"` // client heartbeat interval, "0" disables
}

type ReconnectConfig struct {
	Base     string `yaml:"base,omitempty"` // first retry delay, doubled per attempt
	Max      string `yaml:"max,omitempty"`  // cap on a single delay
	Attempts int    `yaml:"attempts,omitempty"`
}

type SessionConfig struct {
	SettleDelay string `yaml:"settle_delay,omitempty"` // wait before the first file listing
}

type PreviewConfig struct {
	MinInterval string `yaml:"min_interval,omitempty"` // refreshes closer than this are dropped
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Reconnect: ReconnectConfig{Base: "1s", Max: "30s", Attempts: 5},
		Session:   SessionConfig{SettleDelay: "1.5s"},
		Preview:   PreviewConfig{MinInterval: "2s"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file. A missing file yields the defaults;
// SANDLINK_ENDPOINT and SANDLINK_TOKEN override what the file says.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if endpoint := os.Getenv("SANDLINK_ENDPOINT"); endpoint != "" {
		cfg.Agent.Endpoint = endpoint
	}
	if token := os.Getenv("SANDLINK_TOKEN"); token != "" {
		cfg.Agent.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as yaml, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks if the configuration is valid. The endpoint may be empty
// here; commands that connect check it with RequireEndpoint.
func (c *Config) Validate() error {
	if c.Agent.Endpoint != "" {
		if err := checkEndpoint(c.Agent.Endpoint); err != nil {
			return err
		}
	}
	for field, v := range map[string]string{
		"agent.heartbeat":      c.Agent.Heartbeat,
		"reconnect.base":       c.Reconnect.Base,
		"reconnect.max":        c.Reconnect.Max,
		"session.settle_delay": c.Session.SettleDelay,
		"preview.min_interval": c.Preview.MinInterval,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// RequireEndpoint reports a missing or unusable agent endpoint.
func (c *Config) RequireEndpoint() error {
	if c.Agent.Endpoint == "" {
		return fmt.Errorf("agent.endpoint is required (set it in config or SANDLINK_ENDPOINT)")
	}
	return checkEndpoint(c.Agent.Endpoint)
}

func checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("agent.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("agent.endpoint must be a ws:// or wss:// URL")
	}
	if u.Host == "" {
		return fmt.Errorf("agent.endpoint has no host")
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	d, _ := parseDuration(c.Agent.Heartbeat)
	return d
}

func (c *Config) ReconnectBase() time.Duration {
	d, _ := parseDuration(c.Reconnect.Base)
	return d
}

func (c *Config) ReconnectMax() time.Duration {
	d, _ := parseDuration(c.Reconnect.Max)
	return d
}

func (c *Config) SettleDelay() time.Duration {
	d, _ := parseDuration(c.Session.SettleDelay)
	return d
}

func (c *Config) PreviewInterval() time.Duration {
	d, _ := parseDuration(c.Preview.MinInterval)
	return d
}

// parseDuration treats empty as zero, leaving the caller's default in place.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
