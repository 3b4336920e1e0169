// Package llm provides a unified interface for LLM providers.
package llm

import (
	"context"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    Role
	Content string
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GroundingSource is a web source the model consulted when search
// grounding was enabled. Only the Gemini provider populates these.
type GroundingSource struct {
	URI   string
	Title string
}

// CompletionRequest represents a request to the LLM.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSONSchema  map[string]any // For structured output

	// EnableSearchGrounding asks the provider to consult web search and
	// report sources. Providers without a search tool ignore it. Mutually
	// exclusive with JSONSchema on Gemini: grounded calls request JSON via
	// the prompt instead of a response schema.
	EnableSearchGrounding bool
}

// CompletionResponse represents the LLM response.
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
	Model        string // Actual model used
	CostUSD      float64
	// GroundingSources lists consulted web sources when search grounding
	// was enabled and the provider supports it.
	GroundingSources []GroundingSource
}

// Provider is the core abstraction over LLM backends.
type Provider interface {
	// Complete sends a completion request and returns structured output.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

	// Name returns the provider identifier.
	Name() string

	// SupportsJSONSchema returns true if provider has native JSON mode.
	SupportsJSONSchema() bool
}

// ProviderConfig holds common configuration for providers.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string // For custom endpoints
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		MaxRetries: 3,
		Timeout:    60 * time.Second,
	}
}
