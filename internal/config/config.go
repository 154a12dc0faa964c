// Package config loads the runtime configuration: a JSON5 file overlaid
// with environment variables. The same file serves the orchestrator and
// every spawned agent; per-agent launch configs are separate JSON documents
// written by the spawner.
package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	API          APIConfig          `json:"api"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	IRC          IRCConfig          `json:"irc"`
	LLDB         LLDBConfig         `json:"lldb"`
	Profiling    ProfilingConfig    `json:"profiling"`

	// UI settings are accepted so shared config files parse, but the core
	// never reads them.
	UI map[string]any `json:"ui,omitempty"`
}

// APIConfig selects the LLM endpoint and credentials.
type APIConfig struct {
	AuthMethod string `json:"auth_method"` // "api_key" or "oauth"
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url,omitempty"`
}

// ModelConfig shapes one model invocation profile.
type ModelConfig struct {
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	MaxThinkingTokens int     `json:"max_thinking_tokens"`
	Temperature       float64 `json:"temperature"`
	EnableThinking    bool    `json:"enable_thinking"`
}

// OrchestratorConfig holds orchestrator-side settings.
type OrchestratorConfig struct {
	Model ModelConfig `json:"model"`
}

// IRCConfig locates the bus server.
type IRCConfig struct {
	Server string `json:"server"`
}

// LLDBDevice is one remote debug target reachable over SSH.
type LLDBDevice struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
}

// LLDBConfig enables the remote-debugging collaborator.
type LLDBConfig struct {
	Enabled  bool         `json:"enabled"`
	LLDBPath string       `json:"lldb_path,omitempty"`
	Devices  []LLDBDevice `json:"devices,omitempty"`
}

// ProfilingConfig gates the metrics registry.
type ProfilingConfig struct {
	Enabled bool `json:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			AuthMethod: "api_key",
		},
		Orchestrator: OrchestratorConfig{
			Model: ModelConfig{
				Model:             "claude-sonnet-4-5-20250929",
				MaxTokens:         8192,
				MaxThinkingTokens: 4096,
				Temperature:       0.7,
				EnableThinking:    true,
			},
		},
		IRC: IRCConfig{
			Server: "localhost",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RESWARM_API_KEY", &c.API.APIKey)
	envStr("RESWARM_API_BASE_URL", &c.API.BaseURL)
	envStr("RESWARM_AUTH_METHOD", &c.API.AuthMethod)
	envStr("RESWARM_IRC_SERVER", &c.IRC.Server)
}

// Validate checks the minimum the orchestrator needs to start.
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("config: api.api_key is required (or RESWARM_API_KEY)")
	}
	switch c.API.AuthMethod {
	case "api_key", "oauth":
	default:
		return fmt.Errorf("config: api.auth_method must be api_key or oauth, got %q", c.API.AuthMethod)
	}
	if c.Orchestrator.Model.MaxTokens <= 0 {
		return fmt.Errorf("config: orchestrator.model.max_tokens must be positive")
	}
	return nil
}
