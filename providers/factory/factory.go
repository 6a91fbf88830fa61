// Package factory builds a language model from configuration or the
// AGENT_PROVIDER environment.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/internal/config"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	anthropicprov "github.com/PipeOpsHQ/agent-runtime-go/providers/anthropic"
	azureprov "github.com/PipeOpsHQ/agent-runtime-go/providers/azureopenai"
	geminiprov "github.com/PipeOpsHQ/agent-runtime-go/providers/gemini"
	openaiprov "github.com/PipeOpsHQ/agent-runtime-go/providers/openai"
)

const (
	ProviderGemini      = "gemini"
	ProviderOpenAI      = "openai"
	ProviderOllama      = "ollama"
	ProviderAnthropic   = "anthropic"
	ProviderAzureOpenAI = "azureopenai"
)

type Config struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	APIKey          string `yaml:"apiKey"`
	BaseURL         string `yaml:"baseURL"`
	MaxOutputTokens int    `yaml:"maxOutputTokens"`
	// Deployment and APIVersion apply to azureopenai only; BaseURL is the
	// resource endpoint.
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"apiVersion"`
}

func DefaultConfig() Config {
	return Config{Provider: ProviderGemini}
}

// ConfigFromEnv overlays AGENT_PROVIDER and the provider's own variables
// (GEMINI_*, OPENAI_*, OLLAMA_*, ANTHROPIC_*, AZURE_OPENAI_*) on base.
func ConfigFromEnv(base Config) Config {
	base.Provider = strings.ToLower(config.Getenv("AGENT_PROVIDER", base.Provider))
	base.MaxOutputTokens = config.ParseIntEnv("AGENT_MAX_OUTPUT_TOKENS", base.MaxOutputTokens)
	switch base.Provider {
	case ProviderGemini:
		base.APIKey = config.Getenv("GEMINI_API_KEY", base.APIKey)
		base.Model = config.Getenv("GEMINI_MODEL", base.Model)
	case ProviderOpenAI:
		base.APIKey = config.Getenv("OPENAI_API_KEY", base.APIKey)
		base.Model = config.Getenv("OPENAI_MODEL", base.Model)
		base.BaseURL = config.Getenv("OPENAI_BASE_URL", base.BaseURL)
	case ProviderOllama:
		base.APIKey = config.Getenv("OLLAMA_API_KEY", base.APIKey)
		base.Model = config.Getenv("OLLAMA_MODEL", base.Model)
		base.BaseURL = config.Getenv("OLLAMA_BASE_URL", base.BaseURL)
	case ProviderAnthropic:
		base.APIKey = config.Getenv("ANTHROPIC_API_KEY", base.APIKey)
		base.Model = config.Getenv("ANTHROPIC_MODEL", base.Model)
		base.BaseURL = config.Getenv("ANTHROPIC_BASE_URL", base.BaseURL)
	case ProviderAzureOpenAI:
		base.APIKey = config.Getenv("AZURE_OPENAI_API_KEY", base.APIKey)
		base.BaseURL = config.Getenv("AZURE_OPENAI_ENDPOINT", base.BaseURL)
		base.Deployment = config.Getenv("AZURE_OPENAI_DEPLOYMENT", base.Deployment)
		base.Model = config.Getenv("AZURE_OPENAI_MODEL", base.Model)
		base.APIVersion = config.Getenv("AZURE_OPENAI_API_VERSION", base.APIVersion)
	}
	return base
}

func FromEnv(ctx context.Context) (llm.LanguageModel, error) {
	return FromConfig(ctx, ConfigFromEnv(DefaultConfig()))
}

func FromConfig(ctx context.Context, cfg Config) (llm.LanguageModel, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case ProviderGemini, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when AGENT_PROVIDER=gemini")
		}
		return geminiprov.New(ctx, cfg.APIKey,
			geminiprov.WithModel(cfg.Model),
			geminiprov.WithMaxOutputTokens(cfg.MaxOutputTokens),
		)

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when AGENT_PROVIDER=openai")
		}
		opts := []openaiprov.Option{
			openaiprov.WithModel(cfg.Model),
			openaiprov.WithMaxOutputTokens(cfg.MaxOutputTokens),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.BaseURL))
		}
		return openaiprov.New(cfg.APIKey, opts...)

	case ProviderOllama:
		model := cfg.Model
		if model == "" {
			model = "llama3.1:8b"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://127.0.0.1:11434"
		}
		return openaiprov.New(cfg.APIKey,
			openaiprov.WithName(ProviderOllama),
			openaiprov.WithModel(model),
			openaiprov.WithBaseURL(baseURL),
			openaiprov.WithMaxOutputTokens(cfg.MaxOutputTokens),
		)

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when AGENT_PROVIDER=anthropic")
		}
		return anthropicprov.New(cfg.APIKey,
			anthropicprov.WithModel(cfg.Model),
			anthropicprov.WithBaseURL(cfg.BaseURL),
			anthropicprov.WithMaxOutputTokens(cfg.MaxOutputTokens),
		)

	case ProviderAzureOpenAI:
		return azureprov.New(cfg.APIKey,
			azureprov.WithEndpoint(cfg.BaseURL),
			azureprov.WithDeployment(cfg.Deployment),
			azureprov.WithModel(cfg.Model),
			azureprov.WithAPIVersion(cfg.APIVersion),
			azureprov.WithMaxOutputTokens(cfg.MaxOutputTokens),
		)
	}
	return nil, fmt.Errorf("unsupported AGENT_PROVIDER %q (use gemini, openai, ollama, anthropic, or azureopenai)", provider)
}
