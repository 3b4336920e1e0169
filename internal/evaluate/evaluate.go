// Package evaluate holds the LLM-consuming pipeline phases: discovering
// facts the website never stated, synthesizing the per-source documents
// into one charity record, scoring that record, narrating it with
// search-grounded citations, and judging the finished evaluation.
// Synthesize is deterministic; every other phase talks to the model
// through a shared retry loop that feeds validation failures back into
// the next attempt.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// ErrValidation marks model output that parsed but failed schema or
// consistency checks. It is retried with the failures fed back into the
// next prompt.
var ErrValidation = errors.New("evaluation validation failed")

// Config holds settings shared by the model-backed phases.
type Config struct {
	// MaxRetries bounds retry attempts after the first call.
	MaxRetries int
	// Temperature for completions.
	Temperature float64
	// MaxTokens for completions. Individual phases may ask for less.
	MaxTokens int
	// MaxDocBytes caps the synthesized document JSON included in prompts.
	MaxDocBytes int
	// DiscoverConcurrency bounds parallel search-grounded queries.
	DiscoverConcurrency int
}

// DefaultConfig returns the default evaluation configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          2,
		Temperature:         0.2,
		MaxTokens:           4096,
		MaxDocBytes:         48000,
		DiscoverConcurrency: 4,
	}
}

// Evaluator runs the model-backed phases against one provider.
type Evaluator struct {
	provider llm.Provider
	cfg      Config
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Evaluator) {
		e.cfg = cfg
	}
}

// WithMaxRetries sets the retry limit for model calls.
func WithMaxRetries(n int) Option {
	return func(e *Evaluator) {
		if n >= 0 {
			e.cfg.MaxRetries = n
		}
	}
}

// New creates an Evaluator. The provider must not be nil; unlike page
// extraction there is no deterministic fallback for scoring.
func New(provider llm.Provider, opts ...Option) (*Evaluator, error) {
	if provider == nil {
		return nil, errors.New("evaluate: nil provider")
	}
	e := &Evaluator{
		provider: provider,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// genCall describes one typed model call.
type genCall struct {
	schema schema.Schema
	system string
	// prompt builds the user message; prevErr is nil on the first
	// attempt and carries the rejection reason on retries.
	prompt func(prevErr error) string
	// grounded enables web search. The response schema is then omitted
	// from the request and the JSON shape must be spelled out in the
	// prompt, so grounded output goes through the same unmarshal and
	// validate path as schema-constrained output.
	grounded  bool
	maxTokens int
	// check runs extra consistency checks the schema cannot express.
	// Failures are fed back like validation errors.
	check func(v any) error
}

// genOutput is the accumulated outcome of a typed call, including the
// usage and cost of failed attempts.
type genOutput struct {
	value   any
	sources []llm.GroundingSource
	usage   llm.Usage
	cost    float64
}

// generate runs one typed model call with retry. Garbled JSON and
// validation failures are fed back into the next attempt; usage and
// cost accumulate across attempts so callers account for retries too.
func (e *Evaluator) generate(ctx context.Context, call genCall) (genOutput, error) {
	var (
		out      genOutput
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		attempts++
		v, resp, err := e.generateOnce(ctx, call, lastErr)
		out.usage.InputTokens += resp.Usage.InputTokens
		out.usage.OutputTokens += resp.Usage.OutputTokens
		out.cost += resp.CostUSD
		if len(resp.GroundingSources) > 0 {
			out.sources = resp.GroundingSources
		}
		if err == nil {
			out.value = v
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return out, fmt.Errorf("model call failed after %d attempt(s): %w", attempts, lastErr)
}

func (e *Evaluator) generateOnce(ctx context.Context, call genCall, prevErr error) (any, llm.CompletionResponse, error) {
	maxTokens := call.maxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: call.system},
			{Role: llm.RoleUser, Content: call.prompt(prevErr)},
		},
		MaxTokens:             maxTokens,
		Temperature:           e.cfg.Temperature,
		EnableSearchGrounding: call.grounded,
	}
	if !call.grounded {
		jsonSchema, err := call.schema.ToJSONSchema()
		if err != nil {
			return nil, llm.CompletionResponse{}, err
		}
		req.JSONSchema = jsonSchema
	}

	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return nil, llm.CompletionResponse{}, err
	}

	v, err := call.schema.Unmarshal([]byte(stripFences(resp.Content)))
	if err != nil {
		return nil, resp, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	if verrs := call.schema.Validate(v); len(verrs) > 0 {
		return nil, resp, fmt.Errorf("%w: %s", ErrValidation, formatValidationErrors(verrs))
	}
	if call.check != nil {
		if err := call.check(v); err != nil {
			return nil, resp, fmt.Errorf("%w: %s", ErrValidation, err)
		}
	}
	return v, resp, nil
}

// feedback renders a rejection notice for retry prompts. Empty on the
// first attempt.
func feedback(prevErr error) string {
	if prevErr == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Your previous attempt was rejected:\n")
	b.WriteString(prevErr.Error())
	b.WriteString("\nCorrect these problems in this attempt.\n\n")
	return b.String()
}

func formatValidationErrors(verrs []schema.ValidationError) string {
	parts := make([]string, 0, len(verrs))
	for _, v := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return strings.Join(parts, "; ")
}

// stripFences removes a markdown code fence some models wrap around
// JSON output despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncateText caps prompt text, cutting on a word boundary when one is
// near the limit.
func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + " [truncated]"
}

// docJSON renders the synthesized document for a prompt, capped so one
// oversized charity cannot blow the context window.
func docJSON(doc map[string]any, limit int) string {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "{}"
	}
	return truncateText(string(data), limit)
}
