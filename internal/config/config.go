// Package config loads cascade settings from defaults, an optional YAML
// file and CASCADE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Sweep modes.
const (
	SweepSingle   = "single"
	SweepFixpoint = "fixpoint"
)

// Config holds all configuration for the cascade CLI.
type Config struct {
	// Database is the SQLite journal path. Empty disables the journal.
	Database    string `yaml:"database"`
	PostgresURL string `yaml:"postgres_url"`
	RedisURL    string `yaml:"redis_url"`
	RedisStream string `yaml:"redis_stream"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Sweep       Sweep  `yaml:"sweep"`
	MaxSteps    int    `yaml:"max_steps"`
	RulesDir    string `yaml:"rules_dir"`
}

// Sweep selects how a cascade re-evaluates rules.
type Sweep struct {
	Mode      string `yaml:"mode"`
	MaxPasses int    `yaml:"max_passes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:    "cascade.db",
		RedisStream: "cascade_events",
		LogLevel:    "info",
		LogFormat:   "text",
		Sweep:       Sweep{Mode: SweepSingle, MaxPasses: 16},
		MaxSteps:    1000,
	}
}

// Load builds the configuration. path may be empty; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	c.Database = getEnv("CASCADE_DATABASE", c.Database)
	c.PostgresURL = getEnv("CASCADE_POSTGRES_URL", c.PostgresURL)
	c.RedisURL = getEnv("CASCADE_REDIS_URL", c.RedisURL)
	c.RedisStream = getEnv("CASCADE_REDIS_STREAM", c.RedisStream)
	c.LogLevel = getEnv("CASCADE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("CASCADE_LOG_FORMAT", c.LogFormat)
	c.Sweep.Mode = getEnv("CASCADE_SWEEP_MODE", c.Sweep.Mode)
	c.RulesDir = getEnv("CASCADE_RULES_DIR", c.RulesDir)

	var err error
	if c.Sweep.MaxPasses, err = getEnvInt("CASCADE_SWEEP_MAX_PASSES", c.Sweep.MaxPasses); err != nil {
		return err
	}
	if c.MaxSteps, err = getEnvInt("CASCADE_MAX_STEPS", c.MaxSteps); err != nil {
		return err
	}
	return nil
}

// Validate reports every invalid setting, joined.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json", "plain":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text, json or plain", c.LogFormat))
	}
	switch c.Sweep.Mode {
	case SweepSingle, SweepFixpoint:
	default:
		errs = append(errs, fmt.Errorf("sweep.mode %q must be %s or %s", c.Sweep.Mode, SweepSingle, SweepFixpoint))
	}
	if c.Sweep.MaxPasses < 1 {
		errs = append(errs, fmt.Errorf("sweep.max_passes must be positive, got %d", c.Sweep.MaxPasses))
	}
	if c.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.RedisURL != "" && c.RedisStream == "" {
		errs = append(errs, errors.New("redis_stream is required when redis_url is set"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
