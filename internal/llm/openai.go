package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Known OpenAI model pricing (per token, USD).
// Updated periodically - these are fallback values.
var openaiPricing = map[string]struct {
	promptPrice     float64
	completionPrice float64
}{
	"gpt-4o":      {2.50 / 1_000_000, 10.0 / 1_000_000},
	"gpt-4o-mini": {0.15 / 1_000_000, 0.60 / 1_000_000},
	"gpt-4.1":     {2.00 / 1_000_000, 8.0 / 1_000_000},
}

// OpenAIProvider wraps the OpenAI SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
	cfg    ProviderConfig
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = DefaultModels["openai"]
	}

	return &OpenAIProvider{
		client: client,
		model:  model,
		cfg:    cfg,
	}, nil
}

// Complete sends a completion request to OpenAI.
// EnableSearchGrounding is ignored: no search tool.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(req.Temperature),
	}

	// Use native JSON schema response format if a schema is provided.
	// Strict mode stays off: collector schemas carry bounds and enums the
	// strict validator rejects.
	if req.JSONSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "extraction_result",
					Schema: req.JSONSchema,
				},
			},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("openai API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("no choices in response")
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	return CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        usage,
		Model:        resp.Model,
		CostUSD:      p.estimateCost(usage),
	}, nil
}

// estimateCost calculates cost based on known OpenAI pricing.
func (p *OpenAIProvider) estimateCost(usage Usage) float64 {
	pricing, ok := openaiPricing[p.model]
	if !ok {
		pricing = openaiPricing["gpt-4o"]
	}
	return float64(usage.InputTokens)*pricing.promptPrice +
		float64(usage.OutputTokens)*pricing.completionPrice
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// SupportsJSONSchema returns true as OpenAI supports structured outputs.
func (p *OpenAIProvider) SupportsJSONSchema() bool {
	return true
}

func init() {
	RegisterProvider("openai", func(cfg ProviderConfig) (Provider, error) {
		return NewOpenAIProvider(cfg)
	})
}
