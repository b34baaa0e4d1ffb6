// Package runtimeconfig binds the process-level configuration described in
// spec.md §6 — storage backend selection and LLM provider credentials —
// from environment variables, following the teacher's config.Config
// nesting (cfg.Providers.OpenAI.APIKey, cfg.Storage...) but populated with
// github.com/caarlos0/env/v11 struct tags instead of hand-rolled os.Getenv
// calls.
package runtimeconfig

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// StorageType selects the Storage backend (spec §4.7). Never mixed within
// one process.
type StorageType string

const (
	StorageFile   StorageType = "file"
	StorageSQLite StorageType = "sqlite"
)

// ProviderCredentials holds the API key / endpoint configuration for one
// LLM provider family.
type ProviderCredentials struct {
	OpenAI struct {
		APIKey string `env:"OPENAI_API_KEY"`
	}
	Anthropic struct {
		APIKey string `env:"ANTHROPIC_API_KEY"`
	}
	Google struct {
		APIKey string `env:"GOOGLE_API_KEY"`
	}
	XAI struct {
		APIKey string `env:"XAI_API_KEY"`
	}
	Azure struct {
		APIKey       string `env:"AZURE_OPENAI_API_KEY"`
		ResourceName string `env:"AZURE_RESOURCE_NAME"`
		Deployment   string `env:"AZURE_DEPLOYMENT"`
		APIVersion   string `env:"AZURE_API_VERSION"`
	}
	OpenAICompatible struct {
		APIKey  string `env:"OPENAI_COMPATIBLE_API_KEY"`
		BaseURL string `env:"OPENAI_COMPATIBLE_BASE_URL"`
	}
	Ollama struct {
		BaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	}
}

// Config is the process-level configuration for the runtime host.
type Config struct {
	Storage struct {
		Type     StorageType `env:"AGENT_WORLD_STORAGE_TYPE" envDefault:"file"`
		DataPath string      `env:"AGENT_WORLD_DATA_PATH" envDefault:"./data"`
	}
	Providers ProviderCredentials
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}
	switch cfg.Storage.Type {
	case StorageFile, StorageSQLite:
	default:
		return nil, fmt.Errorf("invalid %s: %q (want %q or %q)", "AGENT_WORLD_STORAGE_TYPE", cfg.Storage.Type, StorageFile, StorageSQLite)
	}
	return cfg, nil
}
