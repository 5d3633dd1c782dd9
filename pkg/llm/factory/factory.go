// Package factory builds provider clients and Generators from config.
package factory

import (
	"fmt"

	"github.com/agenda-podcast/fd2/pkg/config"
	"github.com/agenda-podcast/fd2/pkg/llm"
	"github.com/agenda-podcast/fd2/pkg/llm/anthropic"
	"github.com/agenda-podcast/fd2/pkg/llm/google"
	"github.com/agenda-podcast/fd2/pkg/llm/ollama"
	"github.com/agenda-podcast/fd2/pkg/llm/openai"
)

// SecretSource resolves a secret by name. *config.Secrets satisfies it.
type SecretSource interface {
	Get(name string) (string, error)
}

// NewClient creates the raw provider client selected by cfg.Provider.
func NewClient(cfg *config.LLMConfig, secrets SecretSource) (llm.Client, error) {
	model := cfg.Model
	if model == "" {
		model = config.DefaultModelFor(cfg.Provider)
	}

	var apiKey string
	if name := config.APIKeySecret(cfg.Provider); name != "" {
		key, err := secrets.Get(name)
		if err != nil {
			return nil, fmt.Errorf("%s provider needs %s: %w", cfg.Provider, name, err)
		}
		apiKey = key
	}

	switch cfg.Provider {
	case config.ProviderGoogle:
		return google.NewGeminiClient(google.Options{
			APIKey:         apiKey,
			Model:          model,
			BaseURL:        cfg.BaseURL,
			ThinkingBudget: cfg.ThinkingBudget,
		}), nil
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(anthropic.Options{APIKey: apiKey, Model: model, BaseURL: cfg.BaseURL}), nil
	case config.ProviderOpenAI:
		return openai.NewOfficialClient(openai.Options{APIKey: apiKey, Model: model, BaseURL: cfg.BaseURL}), nil
	case config.ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaURL
		}
		client, err := ollama.NewClient(baseURL, model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// NewGenerator creates the provider client and wraps it with retry, timeout and
// empty-response handling. recorder may be nil.
func NewGenerator(cfg *config.LLMConfig, secrets SecretSource, system string, recorder llm.Recorder) (*llm.Generator, error) {
	client, err := NewClient(cfg, secrets)
	if err != nil {
		return nil, err
	}
	return llm.NewGenerator(client, GeneratorOptions(cfg, system, recorder)), nil
}

// GeneratorOptions maps config onto llm.GeneratorOptions. Retries counts extra attempts.
func GeneratorOptions(cfg *config.LLMConfig, system string, recorder llm.Recorder) llm.GeneratorOptions {
	retry := llm.DefaultRetryConfig
	retry.MaxAttempts = cfg.Retries + 1
	return llm.GeneratorOptions{
		Provider:    cfg.Provider,
		System:      system,
		MaxTokens:   cfg.MaxOutputTokens,
		Temperature: float32(cfg.Temperature),
		Timeout:     cfg.Timeout.Std(),
		Retry:       retry,
		Recorder:    recorder,
	}
}
