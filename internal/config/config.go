// Package config defines the YAML configuration surface consumed by the
// routing core and the keymux CLI.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ProviderConfig enables a provider and carries its adapter options.
type ProviderConfig struct {
	Enabled bool `yaml:"enabled"`
	// BaseURL overrides the adapter URL; requests go to <base>/chat/completions.
	BaseURL string            `yaml:"base-url,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// ThinkingConfig gates the reasoning-model warmup behavior.
type ThinkingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HistoryConfig controls the telemetry sink.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
	// Buffer bounds the in-flight entry queue; overflow drops entries.
	Buffer int `yaml:"buffer,omitempty"`
}

// LoggingConfig controls log level and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max-size-mb,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty"`
}

// Config is the top-level deployment configuration.
type Config struct {
	// Active is the default provider when a request names no model.
	Active string `yaml:"active,omitempty"`
	// Fallback lists providers tried in order when the active provider has
	// no accounts.
	Fallback []string `yaml:"fallback,omitempty"`
	// Method is the account rotation strategy.
	Method string `yaml:"method,omitempty"`
	// ModelPriorities maps a canonical model to its ordered fallback models.
	ModelPriorities map[string][]string `yaml:"model-priorities,omitempty"`
	// FallbackDirection is reserved; "up" and "down" behave identically.
	FallbackDirection string `yaml:"fallback-direction,omitempty"`
	// InstanceID seeds selection jitter; zero derives it from the process id.
	InstanceID int `yaml:"instance-id,omitempty"`
	// AccountsPath locates the JSON account store.
	AccountsPath string `yaml:"accounts-path,omitempty"`
	// RequestTimeout bounds each transport call.
	RequestTimeout Duration `yaml:"request-timeout,omitempty"`

	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Thinking  ThinkingConfig            `yaml:"thinking,omitempty"`
	History   HistoryConfig             `yaml:"history,omitempty"`
	Logging   LoggingConfig             `yaml:"logging,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Method == "" {
		c.Method = string(auth.StrategySticky)
	}
	if c.FallbackDirection == "" {
		c.FallbackDirection = "down"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(2 * time.Minute)
	}
	if c.History.Buffer <= 0 {
		c.History.Buffer = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	switch auth.Strategy(c.Method) {
	case auth.StrategySticky, auth.StrategyRoundRobin, auth.StrategyHybrid, auth.StrategyQuotaOptimized:
	default:
		return fmt.Errorf("config: unknown method %q", c.Method)
	}
	switch strings.ToLower(c.FallbackDirection) {
	case "up", "down":
	default:
		return fmt.Errorf("config: fallback-direction must be \"up\" or \"down\", got %q", c.FallbackDirection)
	}
	return nil
}

// FallbackConfig projects the routing-relevant subset for the selection core.
func (c *Config) FallbackConfig() auth.FallbackConfig {
	return auth.FallbackConfig{
		ModelPriorities:   c.ModelPriorities,
		FallbackDirection: c.FallbackDirection,
		Method:            auth.Strategy(c.Method),
	}
}

// ProviderEnabled reports whether the provider is configured and enabled.
// Providers absent from the map default to enabled so a minimal config works.
func (c *Config) ProviderEnabled(provider string) bool {
	if c.Providers == nil {
		return true
	}
	pc, ok := c.Providers[provider]
	if !ok {
		return true
	}
	return pc.Enabled
}

// ProviderBaseURL returns the configured base URL override, empty when unset.
func (c *Config) ProviderBaseURL(provider string) string {
	if c.Providers == nil {
		return ""
	}
	return strings.TrimRight(c.Providers[provider].BaseURL, "/")
}
