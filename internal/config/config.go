package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	GitHub struct {
		APIBase  string `yaml:"api_base"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"github"`
	Provider struct {
		BaseURL        string  `yaml:"base_url"`
		Model          string  `yaml:"model"`
		APIKeyEnv      string  `yaml:"api_key_env"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		MaxAttempts    int     `yaml:"max_attempts"`
		BackoffMS      int     `yaml:"backoff_ms"`
		BackoffCapMS   int     `yaml:"backoff_cap_ms"`
		Temperature    float64 `yaml:"temperature"`
	} `yaml:"provider"`
	Chunking struct {
		MaxUnitBytes int `yaml:"max_unit_bytes"`
	} `yaml:"chunking"`
	Orchestrator struct {
		TaskConcurrency    int    `yaml:"task_concurrency"`
		GlobalConcurrency  int    `yaml:"global_concurrency"`
		StoreRetryAttempts int    `yaml:"store_retry_attempts"`
		StoreRetryMS       int    `yaml:"store_retry_ms"`
		OversizedPolicy    string `yaml:"oversized_policy"`
	} `yaml:"orchestrator"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Oversized unit policies. Truncate clips the unit to the chunk bound before
// dispatch; skip marks the unit failed without calling the provider.
const (
	OversizedTruncate = "truncate"
	OversizedSkip     = "skip"
)

// ProviderTimeout returns the per-call analysis timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// BackoffBase returns the initial retry backoff delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Provider.BackoffMS) * time.Millisecond
}

// BackoffCap returns the maximum retry backoff delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Provider.BackoffCapMS) * time.Millisecond
}

// StoreRetryDelay returns the backoff between store write retries.
func (c *Config) StoreRetryDelay() time.Duration {
	return time.Duration(c.Orchestrator.StoreRetryMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.GitHub.APIBase == "" {
		return fmt.Errorf("config.github.api_base is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config.provider.base_url is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("config.provider.model is required")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.provider.timeout_seconds must be positive")
	}
	if c.Provider.MaxAttempts <= 0 {
		return fmt.Errorf("config.provider.max_attempts must be positive")
	}
	if c.Chunking.MaxUnitBytes <= 0 {
		return fmt.Errorf("config.chunking.max_unit_bytes must be positive")
	}
	if c.Orchestrator.TaskConcurrency <= 0 {
		return fmt.Errorf("config.orchestrator.task_concurrency must be positive")
	}
	if c.Orchestrator.GlobalConcurrency <= 0 {
		return fmt.Errorf("config.orchestrator.global_concurrency must be positive")
	}
	if c.Orchestrator.StoreRetryAttempts <= 0 {
		return fmt.Errorf("config.orchestrator.store_retry_attempts must be positive")
	}
	switch c.Orchestrator.OversizedPolicy {
	case OversizedTruncate, OversizedSkip:
	default:
		return fmt.Errorf("config.orchestrator.oversized_policy must be %q or %q", OversizedTruncate, OversizedSkip)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rvl init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the workspace file is missing.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// fall back to defaults so a partial file only needs the overrides.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = ":8080"
	cfg.Server.BasePath = "/v1"
	cfg.Server.LogLevel = "info"
	cfg.GitHub.APIBase = "https://api.github.com"
	cfg.GitHub.TokenEnv = "GITHUB_TOKEN"
	cfg.Provider.BaseURL = "https://api.openai.com/v1"
	cfg.Provider.Model = "gpt-4o-mini"
	cfg.Provider.APIKeyEnv = "OPENAI_API_KEY"
	cfg.Provider.TimeoutSeconds = 60
	cfg.Provider.MaxAttempts = 3
	cfg.Provider.BackoffMS = 500
	cfg.Provider.BackoffCapMS = 30000
	cfg.Chunking.MaxUnitBytes = 16384
	cfg.Orchestrator.TaskConcurrency = 4
	cfg.Orchestrator.GlobalConcurrency = 8
	cfg.Orchestrator.StoreRetryAttempts = 3
	cfg.Orchestrator.StoreRetryMS = 200
	cfg.Orchestrator.OversizedPolicy = OversizedTruncate
	return &cfg
}

// GenerateDefault returns default config YAML for rvl init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: ":8080"
  base_path: /v1
  log_level: info

github:
  api_base: https://api.github.com
  token_env: GITHUB_TOKEN

provider:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout_seconds: 60
  max_attempts: 3
  backoff_ms: 500
  backoff_cap_ms: 30000
  temperature: 0

chunking:
  max_unit_bytes: 16384

orchestrator:
  task_concurrency: 4
  global_concurrency: 8
  store_retry_attempts: 3
  store_retry_ms: 200
  oversized_policy: truncate

# webhooks:
#   - url: https://example.com/hooks/reviewline
#     events: [task.completed, task.partial, task.failed]
#     secret: ""
#     timeout_seconds: 5
`
