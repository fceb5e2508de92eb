// CLAUDE:SUMMARY Defines selfheal config structs and parses YAML configuration files with defaults and env credentials.
// Package config loads the selfheal YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the file.
const (
	EnvUsername  = "SELFHEAL_USERNAME"
	EnvAccessKey = "SELFHEAL_ACCESS_KEY"
)

// Config is the top-level selfheal configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Heal      HealConfig      `yaml:"heal"`
	Extension ExtensionConfig `yaml:"extension"`
	Browser   BrowserConfig   `yaml:"browser"`
	Events    EventsConfig    `yaml:"events"`
}

// ServiceConfig locates the remote healing service.
type ServiceConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Region           string        `yaml:"region"`
	Username         string        `yaml:"username"`
	AccessKey        string        `yaml:"access_key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	AllowPrivate     bool          `yaml:"allow_private"`
	RoutesDB         string        `yaml:"routes_db"` // optional connectivity routes override
}

// HealConfig controls the recovery protocol.
type HealConfig struct {
	SelfHeal          bool       `yaml:"self_heal"`
	LegacyListAugment bool       `yaml:"legacy_list_augment"`
	ProviderDomains   []string   `yaml:"provider_domains"`
	Poll              PollConfig `yaml:"poll"`
}

type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExtensionConfig locates the companion extension artifacts.
type ExtensionConfig struct {
	Dir      string `yaml:"dir"`      // holds selfheal-<family>.xpi
	Chromium string `yaml:"chromium"` // packed .crx injected at launch
}

// BrowserConfig controls the local rod browser used by the CLI.
type BrowserConfig struct {
	Remote   string `yaml:"remote"`
	Headless *bool  `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
}

// EventsConfig controls the instrumentation journal.
type EventsConfig struct {
	DB     string `yaml:"db"`
	Buffer int    `yaml:"buffer"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and env overrides, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUsername); v != "" {
		c.Service.Username = v
	}
	if v := os.Getenv(EnvAccessKey); v != "" {
		c.Service.AccessKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Service.Timeout <= 0 {
		c.Service.Timeout = 10 * time.Second
	}
	if c.Service.MaxRetries < 0 {
		c.Service.MaxRetries = 0
	}
	if c.Heal.Poll.MaxAttempts <= 0 {
		c.Heal.Poll.MaxAttempts = 10
	}
	if c.Heal.Poll.Interval <= 0 {
		c.Heal.Poll.Interval = time.Second
	}
	if c.Heal.Poll.Timeout <= 0 {
		c.Heal.Poll.Timeout = 15 * time.Second
	}
	if c.Browser.Headless == nil {
		t := true
		c.Browser.Headless = &t
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1000
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Heal.Poll.Interval > c.Heal.Poll.Timeout {
		return fmt.Errorf("config: heal.poll.interval %s exceeds heal.poll.timeout %s",
			c.Heal.Poll.Interval, c.Heal.Poll.Timeout)
	}
	return nil
}
