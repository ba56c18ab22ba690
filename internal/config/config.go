// Package config loads the starling TOML configuration: defaults, then the
// config file, then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the embedder-facing configuration.
type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Agent    AgentConfig    `toml:"agent"`
	Observer ObserverConfig `toml:"observer"`
}

// LLMConfig selects and authenticates the provider.
type LLMConfig struct {
	// Provider is one of "openrouter", "claude", "codex".
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	// CredentialsPath stores OAuth tokens for claude/codex.
	CredentialsPath string `toml:"credentials_path"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AgentConfig tunes the loop.
type AgentConfig struct {
	MaxContextChars int    `toml:"max_context_chars"`
	MaxTurns        int    `toml:"max_turns"`
	PlanFile        string `toml:"plan_file"`
	// Sub-agent tier models; empty entries fall back to the main model.
	ModelLow    string `toml:"model_low"`
	ModelMedium string `toml:"model_medium"`
	ModelHigh   string `toml:"model_high"`
}

// ObserverConfig gates OTEL tracing.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	root := filepath.Join(home, ".starling")
	return Config{
		LLM: LLMConfig{
			Provider:        "openrouter",
			CredentialsPath: filepath.Join(root, "credentials.json"),
		},
		Database: DatabaseConfig{Path: filepath.Join(root, "starling.db")},
		Agent: AgentConfig{
			MaxContextChars: 400_000,
			PlanFile:        filepath.Join(root, "plan.md"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "starling.toml"
	}
	if _, err := os.Stat(path); err == nil {
		_, _ = toml.DecodeFile(path, &cfg)
	}

	if v := os.Getenv("STARLING_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("STARLING_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STARLING_DB"); v != "" {
		cfg.Database.Path = v
	}
	return cfg
}
