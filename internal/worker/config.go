package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

// DefaultConfigPath is the default location for the worker configuration
// file. Hidden-file format following common tool conventions.
const DefaultConfigPath = ".dispatchr.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "DISPATCHR_CONFIG_PATH"

const defaultMaxParallelHandlers = 4

type (
	// HandlerSettings are per-handler overrides from the config file.
	HandlerSettings struct {
		// Enabled disables a handler without redeploying when set to false.
		// Nil means enabled.
		Enabled *bool
		// Timeout overrides the consumer handler deadline for this handler.
		Timeout time.Duration
	}

	// Config holds worker tuning loaded from .dispatchr.yaml.
	Config struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		MaxParallelHandlers int `yaml:"max_parallel_handlers"`
		Handlers            map[string]HandlerSettings `yaml:"handlers"`
	}
)

// LoadConfig loads worker configuration from a YAML file at the given path.
//
// Missing or invalid files degrade to defaults: handler overrides are an
// optional feature and must never keep the worker from starting.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultWorkerConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing with defaults",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return defaultWorkerConfig(), nil
	}

	if cfg.MaxParallelHandlers < 1 {
		cfg.MaxParallelHandlers = defaultMaxParallelHandlers
	}

	if cfg.Handlers == nil {
		cfg.Handlers = make(map[string]HandlerSettings)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in DISPATCHR_CONFIG_PATH,
// falling back to ".dispatchr.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// UnmarshalYAML decodes handler settings, accepting Go duration strings
// ("5s", "2m") for the timeout field. yaml.v3 cannot decode those into
// time.Duration on its own.
func (s *HandlerSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Enabled = raw.Enabled

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid handler timeout %q: %w", raw.Timeout, err)
		}

		s.Timeout = d
	}

	return nil
}

func defaultWorkerConfig() *Config {
	return &Config{
		MaxParallelHandlers: defaultMaxParallelHandlers,
		Handlers:            make(map[string]HandlerSettings),
	}
}

// HandlerEnabled reports whether the named handler is enabled.
func (c *Config) HandlerEnabled(name string) bool {
	settings, ok := c.Handlers[name]
	if !ok || settings.Enabled == nil {
		return true
	}

	return *settings.Enabled
}

// HandlerTimeout returns the per-handler timeout override, or fallback when
// none is configured.
func (c *Config) HandlerTimeout(name string, fallback time.Duration) time.Duration {
	settings, ok := c.Handlers[name]
	if !ok || settings.Timeout <= 0 {
		return fallback
	}

	return settings.Timeout
}
