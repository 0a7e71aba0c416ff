package providers

import (
	"fmt"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/adapters/llm"
	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// Build creates the LLM provider from app configuration, rate limited per
// Providers.LLM.RequestsPerSecond. It hides local/remote selection from callers.
func Build(config *domain.AppConfig) (domain.LLMProvider, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	p, err := buildLLMProvider(config.Providers.LLM)
	if err != nil {
		return nil, err
	}
	return llm.NewRateLimited(p, config.Providers.LLM.RequestsPerSecond), nil
}

func buildLLMProvider(cfg domain.LLMProviderConfig) (domain.LLMProvider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		baseURL := normalizeOllamaBaseURL(cfg.LocalURL)
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(cfg.DefaultModel)), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
