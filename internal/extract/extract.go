// Package extract turns fetched charity pages into field-level results
// with provenance. Three passes run per page: structured markup
// (JSON-LD, Open Graph, microdata), deterministic regexes over the raw
// HTML, and an optional LLM pass over cleaned text conditioned on the
// page type. Each pass tags its results with a source so the merge
// engine can rank them per field.
package extract

import (
	"context"
	"time"

	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/scorer"
	"github.com/amalgiving/amaldata/pkg/cleaner"
)

// Source identifies which extraction pass produced a result.
type Source string

const (
	SourceStructured    Source = "structured"
	SourceDeterministic Source = "deterministic"
	SourceLLM           Source = "llm"
)

// Per-source confidence defaults. Structured markup is the site speaking
// in a machine-readable voice; regexes can misfire on look-alike text;
// model output is the least anchored.
const (
	confJSONLD        = 0.95
	confMicrodata     = 0.85
	confOpenGraph     = 0.8
	confOGDescription = 0.6
	confLDDescription = 0.7
	confEIN           = 0.9
	confContact       = 0.85
	confPattern       = 0.8
	confLLM           = 0.7
)

// Result is one extracted field with its provenance.
type Result struct {
	Field      string    `json:"field_name"`
	Value      any       `json:"value"`
	Source     Source    `json:"extraction_source"`
	Confidence float64   `json:"confidence"`
	PageURL    string    `json:"page_url"`
	Timestamp  time.Time `json:"timestamp"`
}

// PageExtraction is the outcome of all passes over one page. Its fields
// map onto the HTML cache entry so crawl can record what was tried.
type PageExtraction struct {
	Results           []Result  `json:"results,omitempty"`
	MethodsTried      []string  `json:"extraction_methods_tried,omitempty"`
	JSRenderingNeeded bool      `json:"js_rendering_needed,omitempty"`
	FailureReason     string    `json:"extraction_failure_reason,omitempty"`
	Usage             llm.Usage `json:"usage"`
	CostUSD           float64   `json:"cost_usd,omitempty"`
}

// HadData reports whether any pass produced at least one field.
func (p PageExtraction) HadData() bool {
	return len(p.Results) > 0
}

// Renderer re-fetches a page through a real browser when the static
// HTML carries no usable text. *fetch.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Config holds extraction settings.
type Config struct {
	// MaxRetries bounds LLM retry attempts after the first call.
	MaxRetries int
	// Temperature for LLM completions.
	Temperature float64
	// MaxTokens for LLM completions.
	MaxTokens int
	// MaxContentSize caps the page text included in prompts, in bytes.
	MaxContentSize int
	// MinTextChars is the non-whitespace length below which a page is
	// assumed to need JavaScript rendering.
	MinTextChars int
}

// DefaultConfig returns the default extraction configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		Temperature:    0.1,
		MaxTokens:      4096,
		MaxContentSize: 32000,
		MinTextChars:   cleaner.DefaultMinChars,
	}
}

// Extractor runs the per-page extraction passes.
type Extractor struct {
	provider llm.Provider
	renderer Renderer
	text     cleaner.Cleaner
	cfg      Config
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRenderer enables one dynamic re-render for pages whose static
// HTML has no usable text.
func WithRenderer(r Renderer) Option {
	return func(e *Extractor) {
		e.renderer = r
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extractor) {
		e.cfg = cfg
	}
}

// WithMaxRetries sets the LLM retry limit.
func WithMaxRetries(n int) Option {
	return func(e *Extractor) {
		if n >= 0 {
			e.cfg.MaxRetries = n
		}
	}
}

// New creates an Extractor. provider may be nil, which disables the LLM
// pass regardless of the per-page hint.
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		provider: provider,
		cfg:      DefaultConfig(),
		text: cleaner.NewFallback(0,
			cleaner.NewReadability(nil),
			cleaner.NewPage(cleaner.PresetPrecision()),
			cleaner.NewPage(cleaner.PresetRelaxed()),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractPage runs all passes over one fetched page. Structured and
// deterministic results are kept even when the LLM pass fails; the
// failure is recorded on the extraction rather than returned, so a bad
// model day never loses the markup facts.
func (e *Extractor) ExtractPage(ctx context.Context, html, pageURL string, useLLM bool) PageExtraction {
	var out PageExtraction

	text := e.cleanedText(html)
	if cleaner.ContentLen(text) < e.cfg.MinTextChars && e.renderer != nil {
		if rendered, err := e.renderer.Render(ctx, pageURL); err == nil && rendered != "" {
			html = rendered
			text = e.cleanedText(html)
			out.MethodsTried = append(out.MethodsTried, "dynamic_render")
		}
	}

	out.Results = append(out.Results, Structured(html, pageURL)...)
	out.MethodsTried = append(out.MethodsTried, string(SourceStructured))
	out.Results = append(out.Results, Deterministic(html, pageURL)...)
	out.MethodsTried = append(out.MethodsTried, string(SourceDeterministic))

	if cleaner.ContentLen(text) < e.cfg.MinTextChars {
		out.JSRenderingNeeded = true
	}
	if !useLLM || e.provider == nil || out.JSRenderingNeeded {
		return out
	}

	results, usage, cost, err := e.llmExtract(ctx, text, scorer.PageTypeFor(pageURL), pageURL)
	out.MethodsTried = append(out.MethodsTried, string(SourceLLM))
	out.Usage = usage
	out.CostUSD = cost
	if err != nil {
		out.FailureReason = err.Error()
		return out
	}
	out.Results = append(out.Results, results...)
	return out
}

// cleanedText reduces HTML to compact text for the LLM pass. The chain
// prefers article extraction, then chrome-stripped text, then the whole
// visible body. An error means the page had nothing cleanable.
func (e *Extractor) cleanedText(html string) string {
	text, err := e.text.Clean(html)
	if err != nil {
		return ""
	}
	return text
}
