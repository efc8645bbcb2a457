// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TrackerConfig governs the run store.
type TrackerConfig struct {
	OutputTail   int                    `mapstructure:"output_tail"`
	DefaultSteps int                    `mapstructure:"default_steps"`
	Kinds        map[string]KindProfile `mapstructure:"kinds"`
}

// KindProfile holds the per-run-kind expectations used by the store (step
// counts) and the estimator (baseline durations).
type KindProfile struct {
	Steps           int `mapstructure:"steps"`
	BaselineSeconds int `mapstructure:"baseline_seconds"`
}

// EstimatorConfig governs the progress estimator.
type EstimatorConfig struct {
	DefaultBaselineSeconds int `mapstructure:"default_baseline_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracker.output_tail", 50)
	v.SetDefault("tracker.default_steps", 5)
	v.SetDefault("tracker.kinds", map[string]map[string]int{
		"offline": {"steps": 3, "baseline_seconds": 25},
		"online":  {"steps": 5, "baseline_seconds": 45},
		"batch":   {"steps": 10, "baseline_seconds": 120},
	})
	v.SetDefault("estimator.default_baseline_seconds", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracker.OutputTail <= 0 {
		return fmt.Errorf("tracker.output_tail must be > 0")
	}
	if c.Tracker.DefaultSteps <= 0 {
		return fmt.Errorf("tracker.default_steps must be > 0")
	}
	if c.Estimator.DefaultBaselineSeconds <= 0 {
		return fmt.Errorf("estimator.default_baseline_seconds must be > 0")
	}
	for kind, profile := range c.Tracker.Kinds {
		if profile.Steps <= 0 {
			return fmt.Errorf("tracker.kinds.%s.steps must be > 0", kind)
		}
		if profile.BaselineSeconds <= 0 {
			return fmt.Errorf("tracker.kinds.%s.baseline_seconds must be > 0", kind)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// StepTable extracts the kind-to-step-count map consumed by the store.
func (c Config) StepTable() map[string]int {
	table := make(map[string]int, len(c.Tracker.Kinds))
	for kind, profile := range c.Tracker.Kinds {
		table[kind] = profile.Steps
	}
	return table
}

// BaselineTable extracts the kind-to-duration map consumed by the estimator.
func (c Config) BaselineTable() map[string]time.Duration {
	table := make(map[string]time.Duration, len(c.Tracker.Kinds))
	for kind, profile := range c.Tracker.Kinds {
		table[kind] = time.Duration(profile.BaselineSeconds) * time.Second
	}
	return table
}

// DefaultBaseline returns the fallback duration for unknown kinds.
func (c Config) DefaultBaseline() time.Duration {
	return time.Duration(c.Estimator.DefaultBaselineSeconds) * time.Second
}
