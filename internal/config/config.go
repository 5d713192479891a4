// Package config handles configuration for amicull.
// TOML is the primary format; .yaml and .yml files are also accepted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/amicull/pkg/image"
)

// Config is the root configuration structure.
type Config struct {
	AWS         AWSConfig         `toml:"aws" yaml:"aws"`
	Cleanup     CleanupConfig     `toml:"cleanup" yaml:"cleanup"`
	OTEL        OTELConfig        `toml:"otel" yaml:"otel"`
	Pushgateway PushgatewayConfig `toml:"pushgateway" yaml:"pushgateway"`
	Log         LogConfig         `toml:"log" yaml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `toml:"region" yaml:"region" validate:"required"`
	Profile string `toml:"profile" yaml:"profile"`
}

// CleanupConfig holds the retention rules.
type CleanupConfig struct {
	// Tags every deletable image must carry. Must not be empty: an empty
	// set would make every owned image a candidate.
	Tags map[string]string `toml:"tags" yaml:"tags" validate:"required,min=1"`

	// Keep lists image IDs that are never deleted.
	Keep []string `toml:"keep" yaml:"keep" validate:"dive,required"`

	DedupeSnapshots   bool     `toml:"dedupe_snapshots" yaml:"dedupe_snapshots"`
	ContinueOnFailure bool     `toml:"continue_on_failure" yaml:"continue_on_failure"`
	DeleteRate        float64  `toml:"delete_rate" yaml:"delete_rate" validate:"gte=0"`
	PolicyFile        string   `toml:"policy_file" yaml:"policy_file"`
	Sources           []string `toml:"sources" yaml:"sources" validate:"dive,oneof=launch_template launch_configuration"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// PushgatewayConfig holds Prometheus Pushgateway settings. Empty URL disables it.
type PushgatewayConfig struct {
	URL string `toml:"url" yaml:"url" validate:"omitempty,url"`
	Job string `toml:"job" yaml:"job"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses a config file. The format follows the extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "amicull"
	}
	if cfg.Pushgateway.Job == "" {
		cfg.Pushgateway.Job = "amicull"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if len(cfg.Cleanup.Sources) == 0 {
		cfg.Cleanup.Sources = []string{image.SourceLaunchTemplate, image.SourceLaunchConfiguration}
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for k := range c.Cleanup.Tags {
		if k == "" {
			return fmt.Errorf("config: cleanup.tags: empty tag key")
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
