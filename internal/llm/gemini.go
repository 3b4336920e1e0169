package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Known Gemini model pricing (per token, USD).
// Updated periodically - these are fallback values.
var geminiPricing = map[string]struct {
	promptPrice     float64
	completionPrice float64
}{
	"gemini-2.5-pro":        {1.25 / 1_000_000, 10.0 / 1_000_000},
	"gemini-2.5-flash":      {0.30 / 1_000_000, 2.50 / 1_000_000},
	"gemini-2.5-flash-lite": {0.10 / 1_000_000, 0.40 / 1_000_000},
	"gemini-2.0-flash":      {0.10 / 1_000_000, 0.40 / 1_000_000},
}

// GeminiProvider wraps the Google GenAI SDK. It is the primary provider:
// the only one with a search-grounding tool, which the discover and rich
// phases depend on for cited external facts.
type GeminiProvider struct {
	client *genai.Client
	model  string
	cfg    ProviderConfig
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(cfg ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModels["gemini"]
	}

	return &GeminiProvider{
		client: client,
		model:  model,
		cfg:    cfg,
	}, nil
}

// Complete sends a completion request to Gemini.
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var contents []*genai.Content
	var systemPrompt string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt = msg.Content
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(req.Temperature)),
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	// The API rejects a response schema combined with the search tool, so
	// grounded requests rely on the prompt to shape JSON output.
	switch {
	case req.EnableSearchGrounding:
		config.Tools = []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		}
	case req.JSONSchema != nil:
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schemaFromJSON(req.JSONSchema)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("gemini API error: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return CompletionResponse{}, fmt.Errorf("no candidates in response")
	}
	cand := resp.Candidates[0]

	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return CompletionResponse{
		Content:          sb.String(),
		FinishReason:     string(cand.FinishReason),
		Usage:            usage,
		Model:            p.model,
		CostUSD:          p.estimateCost(usage),
		GroundingSources: groundingSources(cand),
	}, nil
}

// groundingSources extracts web sources from the candidate's grounding
// metadata.
func groundingSources(cand *genai.Candidate) []GroundingSource {
	if cand.GroundingMetadata == nil {
		return nil
	}
	var sources []GroundingSource
	for _, chunk := range cand.GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, GroundingSource{
			URI:   chunk.Web.URI,
			Title: chunk.Web.Title,
		})
	}
	return sources
}

// estimateCost calculates cost based on known Gemini pricing.
func (p *GeminiProvider) estimateCost(usage Usage) float64 {
	pricing, ok := geminiPricing[p.model]
	if !ok {
		// Fall back to flash pricing for unknown models
		pricing = geminiPricing["gemini-2.5-flash"]
	}
	return float64(usage.InputTokens)*pricing.promptPrice +
		float64(usage.OutputTokens)*pricing.completionPrice
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// SupportsJSONSchema returns true as Gemini supports response schemas.
func (p *GeminiProvider) SupportsJSONSchema() bool {
	return true
}

// schemaFromJSON converts a JSON Schema map into the SDK's schema type.
// Handles both []string and []any forms of enum/required since schemas
// may arrive either typed or decoded from JSON.
func schemaFromJSON(js map[string]any) *genai.Schema {
	if js == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := js["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "array":
			s.Type = genai.TypeArray
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		}
	}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	s.Enum = stringSlice(js["enum"])
	s.Required = stringSlice(js["required"])
	if m, ok := toNumber(js["minimum"]); ok {
		s.Minimum = genai.Ptr(m)
	}
	if m, ok := toNumber(js["maximum"]); ok {
		s.Maximum = genai.Ptr(m)
	}
	if props, ok := js["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = schemaFromJSON(pm)
			}
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = schemaFromJSON(items)
	}

	return s
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func init() {
	RegisterProvider("gemini", func(cfg ProviderConfig) (Provider, error) {
		return NewGeminiProvider(cfg)
	})
}
