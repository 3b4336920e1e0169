package llm

import (
	"fmt"
	"os"
	"sort"
)

// ProviderFactory creates providers.
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// DefaultModels maps provider names to their default models.
var DefaultModels = map[string]string{
	"gemini":    "gemini-2.5-flash",
	"anthropic": "claude-sonnet-4-20250514",
	"openai":    "gpt-4o",
}

var registry = map[string]ProviderFactory{}

// NewProvider creates a provider by name.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s (available: gemini, anthropic, openai)", name)
	}
	return factory(cfg)
}

// RegisterProvider adds a provider factory. Built-in providers register
// themselves in init().
func RegisterProvider(name string, factory ProviderFactory) {
	registry[name] = factory
}

// AvailableProviders returns the sorted list of registered providers.
func AvailableProviders() []string {
	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// IsRegistered returns true if a provider is registered.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// GetDefaultModel returns the default model for a provider.
func GetDefaultModel(provider string) string {
	if model, ok := DefaultModels[provider]; ok {
		return model
	}
	return ""
}

// providerEnvKeys maps provider names to their API key environment variables.
var providerEnvKeys = map[string]string{
	"gemini":    "GOOGLE_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// HasAPIKey checks if the API key environment variable is set for the
// given provider.
func HasAPIKey(provider string) bool {
	if envKey, ok := providerEnvKeys[provider]; ok {
		return os.Getenv(envKey) != ""
	}
	return false
}

// DetectProvider returns the first provider with an API key in the
// environment, in chain order. Gemini leads: the pipeline requires
// GOOGLE_API_KEY, the others are fallback members.
func DetectProvider() (provider string, apiKey string) {
	for _, name := range []string{"gemini", "anthropic", "openai"} {
		if key := os.Getenv(providerEnvKeys[name]); key != "" {
			return name, key
		}
	}
	return "", ""
}
