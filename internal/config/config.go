package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure from Load.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all runtime configuration for a pulsar invocation.
// Values are populated from .pulsar.yaml, PULSAR_* env vars, and CLI flags.
type Config struct {
	Manifest         string        `mapstructure:"manifest"`
	Concurrency      int           `mapstructure:"concurrency"`
	MaxChainedCycles int           `mapstructure:"max_chained_cycles"`
	Debounce         time.Duration `mapstructure:"debounce"`
	StateDB          string        `mapstructure:"state_db"`
	Telemetry        string        `mapstructure:"telemetry"`
	Verbose          bool          `mapstructure:"verbose"`
	LogFormat        string        `mapstructure:"log_format"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("manifest", "pulsar.toml")
	viper.SetDefault("concurrency", 8)
	viper.SetDefault("max_chained_cycles", 16)
	viper.SetDefault("debounce", "100ms")
	viper.SetDefault("state_db", ".pulsar/state.db")
	viper.SetDefault("telemetry", "")
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_format", "text")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range value.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Manifest) == "":
		return fmt.Errorf("%w: manifest must not be empty", ErrInvalid)
	case c.Concurrency < 0:
		return fmt.Errorf("%w: concurrency must be >= 0, got %d", ErrInvalid, c.Concurrency)
	case c.MaxChainedCycles < 1:
		return fmt.Errorf("%w: max_chained_cycles must be >= 1, got %d", ErrInvalid, c.MaxChainedCycles)
	case c.Debounce < 0:
		return fmt.Errorf("%w: debounce must not be negative, got %s", ErrInvalid, c.Debounce)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	return nil
}
