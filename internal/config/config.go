// Package config loads and validates pluginhost's configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for pluginhost.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Plugins PluginsConfig `yaml:"plugins"`
}

// LoggingConfig configures the observability logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// PluginsConfig describes the set of libraries an operator wants loaded
// at startup, plus per-entry overrides. The runtime itself never
// searches the filesystem for libraries (see PluginLoadConfig.Paths) --
// every path here must already be fully qualified.
type PluginsConfig struct {
	Load    PluginLoadConfig             `yaml:"load"`
	Entries map[string]PluginEntryConfig `yaml:"entries"`
}

// PluginLoadConfig lists the fully-qualified library paths to open at
// startup, in order.
type PluginLoadConfig struct {
	Paths []string `yaml:"paths"`
}

// PluginEntryConfig carries per-library operator overrides, keyed by
// an operator-chosen name in PluginsConfig.Entries.
type PluginEntryConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
}

// ConfigValidationError aggregates every validation failure found in a
// Config so operators see all problems in one pass instead of fixing
// them one at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Issues, "; "))
}

// Load reads, decodes, and validates the configuration file at path.
//
// Environment variables of the form ${VAR} are expanded before YAML
// decoding. Unknown fields are rejected so typos in operator-written
// config surface immediately rather than silently no-opping.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	for name, entry := range cfg.Plugins.Entries {
		if entry.Path == "" {
			continue
		}
		cfg.Plugins.Entries[name] = entry
	}
}

func validateConfig(cfg *Config) error {
	var issues []string

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level: unrecognized level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format: unrecognized format %q", cfg.Logging.Format))
	}

	seen := make(map[string]bool, len(cfg.Plugins.Load.Paths))
	for _, p := range cfg.Plugins.Load.Paths {
		if p == "" {
			issues = append(issues, "plugins.load.paths: empty path entry")
			continue
		}
		if seen[p] {
			issues = append(issues, fmt.Sprintf("plugins.load.paths: duplicate path %q", p))
		}
		seen[p] = true
	}

	for name, entry := range cfg.Plugins.Entries {
		if entry.Enabled && entry.Path == "" {
			issues = append(issues, fmt.Sprintf("plugins.entries[%s]: enabled entry has no path", name))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
