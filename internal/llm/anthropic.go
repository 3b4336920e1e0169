package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Known Anthropic model pricing (per token, USD).
// Updated periodically - these are fallback values.
var anthropicPricing = map[string]struct {
	promptPrice     float64
	completionPrice float64
}{
	"claude-opus-4-20250514":     {15.0 / 1_000_000, 75.0 / 1_000_000},
	"claude-sonnet-4-20250514":   {3.0 / 1_000_000, 15.0 / 1_000_000},
	"claude-3-5-sonnet-20241022": {3.0 / 1_000_000, 15.0 / 1_000_000},
	"claude-3-5-haiku-20241022":  {0.80 / 1_000_000, 4.0 / 1_000_000},
}

// AnthropicProvider wraps the Anthropic SDK. Structured output uses
// tool_use since the API has no response_format.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	cfg    ProviderConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = DefaultModels["anthropic"]
	}

	return &AnthropicProvider{
		client: client,
		model:  model,
		cfg:    cfg,
	}, nil
}

// Complete sends a completion request to Anthropic.
// EnableSearchGrounding is ignored: no search tool.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	var systemPrompt string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt = msg.Content
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	// Use tool-based JSON extraction for reliable structured output
	if req.JSONSchema != nil {
		properties, _ := req.JSONSchema["properties"].(map[string]any)
		required := stringSlice(req.JSONSchema["required"])

		params.Tools = []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        "extract_data",
					Description: anthropic.String("Extract structured data from the content"),
					InputSchema: anthropic.ToolInputSchemaParam{
						Type:       "object",
						Properties: properties,
						Required:   required,
					},
				},
			},
		}
		params.ToolChoice = anthropic.ToolChoiceParamOfTool("extract_data")
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("anthropic API error: %w", err)
	}

	// Extract content from response
	var content string
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = b.Text
		case anthropic.ToolUseBlock:
			// For structured output, the tool input IS the extracted data
			jsonBytes, err := json.Marshal(b.Input)
			if err != nil {
				return CompletionResponse{}, fmt.Errorf("failed to marshal tool input: %w", err)
			}
			content = string(jsonBytes)
		}
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	return CompletionResponse{
		Content:      content,
		FinishReason: string(resp.StopReason),
		Usage:        usage,
		Model:        string(resp.Model),
		CostUSD:      p.estimateCost(usage),
	}, nil
}

// estimateCost calculates cost based on known Anthropic pricing.
func (p *AnthropicProvider) estimateCost(usage Usage) float64 {
	pricing, ok := anthropicPricing[p.model]
	if !ok {
		// Fall back to Sonnet pricing for unknown models
		pricing = anthropicPricing["claude-sonnet-4-20250514"]
	}
	return float64(usage.InputTokens)*pricing.promptPrice +
		float64(usage.OutputTokens)*pricing.completionPrice
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SupportsJSONSchema returns true as Anthropic supports tool-based structured output.
func (p *AnthropicProvider) SupportsJSONSchema() bool {
	return true
}

func init() {
	RegisterProvider("anthropic", func(cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(cfg)
	})
}
