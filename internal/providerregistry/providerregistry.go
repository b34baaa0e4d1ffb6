// Package providerregistry builds the init-once, read-only llmpipeline
// provider registry from runtimeconfig credentials (spec §5's "provider-
// credential registry, init-once, read-only after"). Providers without
// credentials configured are simply omitted, so an agent naming them fails
// fast at dispatch time via llmpipeline's own "no provider registered"
// error rather than at startup.
package providerregistry

import (
	"github.com/agentworld/agentworld/internal/runtimeconfig"
	"github.com/agentworld/agentworld/pkg/llmpipeline"
	"github.com/agentworld/agentworld/pkg/llmpipeline/providers"
)

// Provider name constants, matching the "provider" field agents configure
// (spec §4.4 step 2's adapter list).
const (
	OpenAI           = "openai"
	Anthropic        = "anthropic"
	Google           = "google"
	XAI              = "xai"
	AzureOpenAI      = "azure-openai"
	OpenAICompatible = "openai-compatible"
	Ollama           = "ollama"
)

// Build constructs a llmpipeline.Registry populated with every adapter for
// which cfg supplies credentials.
func Build(cfg *runtimeconfig.Config) *llmpipeline.Registry {
	reg := llmpipeline.NewRegistry()

	if cfg.Providers.OpenAI.APIKey != "" {
		reg.Register(OpenAI, providers.NewOpenAI(cfg.Providers.OpenAI.APIKey))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		reg.Register(Anthropic, providers.NewAnthropic(cfg.Providers.Anthropic.APIKey))
	}
	if cfg.Providers.Google.APIKey != "" {
		reg.Register(Google, providers.NewGoogle(cfg.Providers.Google.APIKey))
	}
	if cfg.Providers.XAI.APIKey != "" {
		reg.Register(XAI, providers.NewXAI(cfg.Providers.XAI.APIKey))
	}
	if cfg.Providers.Azure.APIKey != "" {
		reg.Register(AzureOpenAI, providers.NewAzureOpenAI(
			cfg.Providers.Azure.APIKey,
			cfg.Providers.Azure.ResourceName,
			cfg.Providers.Azure.Deployment,
			cfg.Providers.Azure.APIVersion,
		))
	}
	if cfg.Providers.OpenAICompatible.APIKey != "" || cfg.Providers.OpenAICompatible.BaseURL != "" {
		reg.Register(OpenAICompatible, providers.NewOpenAICompatible(
			cfg.Providers.OpenAICompatible.APIKey,
			cfg.Providers.OpenAICompatible.BaseURL,
		))
	}
	if cfg.Providers.Ollama.BaseURL != "" {
		reg.Register(Ollama, providers.NewOllama(cfg.Providers.Ollama.BaseURL))
	}

	return reg
}
