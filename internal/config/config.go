package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config holds all configuration values.
type Config struct {
	Addr      string `yaml:"addr"`
	DBPath    string `yaml:"db_path"`
	StaticDir string `yaml:"static_dir"`

	LLM LLMConfig `yaml:"llm"`
	Log LogConfig `yaml:"log"`
}

type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "ollama".
	Provider     string `yaml:"provider"`
	// BaseURL overrides the provider's default endpoint when set.
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:   ":8100",
		DBPath: "streamchat.db",
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    "llama3.1:8b",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if path is
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.Addr, "STREAMCHAT_ADDR")
	setFromEnv(&cfg.DBPath, "STREAMCHAT_DB_PATH")
	setFromEnv(&cfg.StaticDir, "STREAMCHAT_STATIC_DIR")
	setFromEnv(&cfg.LLM.Provider, "STREAMCHAT_LLM_PROVIDER")
	setFromEnv(&cfg.LLM.BaseURL, "STREAMCHAT_LLM_BASE_URL")
	setFromEnv(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setFromEnv(&cfg.LLM.APIKey, "STREAMCHAT_LLM_API_KEY")
	setFromEnv(&cfg.LLM.Model, "STREAMCHAT_LLM_MODEL")
	setFromEnv(&cfg.LLM.SystemPrompt, "STREAMCHAT_LLM_SYSTEM_PROMPT")
	setFromEnv(&cfg.Log.Level, "STREAMCHAT_LOG_LEVEL")
	if v := os.Getenv("STREAMCHAT_LOG_DEVELOPMENT"); v != "" {
		cfg.Log.Development = v == "true" || v == "1"
	}
}

func setFromEnv(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	switch strings.ToLower(c.LLM.Provider) {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model must not be empty")
	}
	return nil
}
