package llm

import (
	"context"
	"fmt"
	"strings"
)

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOllamaURL = "http://localhost:11434/v1"

// ProviderConfig selects and configures a reasoner backend.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// DetectProvider infers the provider from a model name when none is
// configured.
func DetectProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	default:
		return "ollama"
	}
}

// NewReasoner creates the client for cfg.Provider.
func NewReasoner(ctx context.Context, cfg ProviderConfig) (Reasoner, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = DetectProvider(cfg.Model)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("no model configured for provider %s", provider)
	}

	switch provider {
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		return NewOpenAIClient(apiKey, baseURL, cfg.Model), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "gemini":
		client, err := NewGeminiClient(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported reasoner provider: %s (supported: ollama, openai, anthropic, gemini)", provider)
	}
}
