package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FallbackProvider tries providers in order until one succeeds. Members
// keep their own models and pricing; a request only moves down the chain
// when the previous member returned an error.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider creates a provider chain.
func NewFallbackProvider(providers ...Provider) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("fallback provider needs at least one member")
	}
	return &FallbackProvider{providers: providers}, nil
}

// Complete tries each provider in order and returns the first success.
// When every member fails, the joined errors are returned so retry
// classification sees each provider's message.
func (p *FallbackProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var errs []error
	for _, provider := range p.providers {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return CompletionResponse{}, errors.Join(errs...)
}

// Name returns the chain members joined in order.
func (p *FallbackProvider) Name() string {
	names := make([]string, len(p.providers))
	for i, provider := range p.providers {
		names[i] = provider.Name()
	}
	return "fallback(" + strings.Join(names, "->") + ")"
}

// SupportsJSONSchema reports the chain head's capability.
func (p *FallbackProvider) SupportsJSONSchema() bool {
	return p.providers[0].SupportsJSONSchema()
}

// NewFromEnv builds the provider chain from environment keys:
// gemini -> anthropic -> openai, each included only when its key is set.
// GOOGLE_API_KEY is mandatory; model overrides the chain head's model and
// fallback members keep their defaults.
func NewFromEnv(model string) (Provider, error) {
	if os.Getenv("GOOGLE_API_KEY") == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY environment variable not set")
	}

	gemini, err := NewProvider("gemini", ProviderConfig{
		APIKey: os.Getenv("GOOGLE_API_KEY"),
		Model:  model,
	})
	if err != nil {
		return nil, err
	}

	providers := []Provider{gemini}
	for _, name := range []string{"anthropic", "openai"} {
		if !HasAPIKey(name) {
			continue
		}
		member, err := NewProvider(name, ProviderConfig{
			APIKey: os.Getenv(providerEnvKeys[name]),
		})
		if err != nil {
			return nil, fmt.Errorf("building %s fallback: %w", name, err)
		}
		providers = append(providers, member)
	}

	if len(providers) == 1 {
		return providers[0], nil
	}
	return NewFallbackProvider(providers...)
}
