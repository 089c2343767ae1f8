// Package config handles Ikigai configuration loading. It is
// deliberately thin: the core only needs enough configuration to open
// its database and reach an LLM provider, not a general settings
// surface (that belongs to the REPL/command layer, out of core scope).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/ikigai/config.yaml, /etc/ikigai/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ikigai", "config.yaml"))
	}

	paths = append(paths, "/etc/ikigai/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// ProviderConfig names the environment variable holding a provider's
// API key, plus an optional base URL override (for Ollama-style
// self-hosted providers, which need no key at all).
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// PricingEntry holds per-million-token USD pricing for a model, used by
// internal/usage to compute cost without a network round-trip.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// DefaultPricing returns the built-in pricing table for known Anthropic
// models. Unlisted models (including all Ollama models) are free.
func DefaultPricing() map[string]PricingEntry {
	return map[string]PricingEntry{
		"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"claude-haiku-3-20240307":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	}
}

// Config holds the configuration the core needs to boot.
type Config struct {
	// DataDir is the directory holding the event log database.
	DataDir string `yaml:"data_dir"`
	// SessionName is the session to open or create on startup.
	SessionName string `yaml:"session_name"`
	// DefaultModel is "model" or "model/level" applied to Agent 0 when
	// no /model command has ever been recorded for it.
	DefaultModel string `yaml:"default_model"`
	// Providers maps a provider name (anthropic, ollama, ...) to its
	// connection details.
	Providers map[string]ProviderConfig `yaml:"providers"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// WaitPollIntervalMS is the WaitEngine's interrupt/timeout poll
	// granularity (default: 50ms).
	WaitPollIntervalMS int `yaml:"wait_poll_interval_ms"`
	// ForkPendingPollIntervalMS is AgentLifecycle's sync-barrier poll
	// granularity (default: 10ms).
	ForkPendingPollIntervalMS int `yaml:"fork_pending_poll_interval_ms"`
	// Pricing overrides per-model USD-per-million-token rates. Models not
	// listed here are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields. After this, callers can
// read any field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.SessionName == "" {
		c.SessionName = "default"
	}
	if c.WaitPollIntervalMS == 0 {
		c.WaitPollIntervalMS = 50
	}
	if c.ForkPendingPollIntervalMS == 0 {
		c.ForkPendingPollIntervalMS = 10
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{
			"anthropic": {APIKeyEnv: "ANTHROPIC_API_KEY"},
			"ollama":    {BaseURL: "http://localhost:11434"},
		}
	}
	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.WaitPollIntervalMS <= 0 {
		return fmt.Errorf("wait_poll_interval_ms must be positive, got %d", c.WaitPollIntervalMS)
	}
	if c.ForkPendingPollIntervalMS <= 0 {
		return fmt.Errorf("fork_pending_poll_interval_ms must be positive, got %d", c.ForkPendingPollIntervalMS)
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against Ollama. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DBPath returns the path to the event log database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "ikigai.db")
}
