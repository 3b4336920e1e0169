package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/amalgiving/amaldata/internal/llm"
)

// fakeProvider returns scripted responses or errors in call order.
type fakeProvider struct {
	responses []llm.CompletionResponse
	errs      []error
	prompts   []string
	calls     int
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	i := f.calls
	f.calls++
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser {
			f.prompts = append(f.prompts, m.Content)
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.CompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return llm.CompletionResponse{}, errors.New("no scripted response")
}

func (f *fakeProvider) Name() string             { return "fake" }
func (f *fakeProvider) SupportsJSONSchema() bool { return true }

type fakeRenderer struct {
	html  string
	err   error
	calls int
}

func (f *fakeRenderer) Render(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.html, f.err
}

const richPage = `<html><head>
<script type="application/ld+json">
{"@type": "Organization", "name": "Well Builders International"}
</script>
</head><body>
<main>
<h1>Well Builders International</h1>
<p>We drill and maintain deep-water wells across rural East Africa so that
every village has safe drinking water within a thirty minute walk. Since
1994 our field teams have completed more than two thousand wells serving
over one million people.</p>
<p>Your zakat funds well construction in full compliance with the
scholarly conditions for zakat distribution.</p>
</main>
<footer>
EIN: 12-3456789. Donations are tax-deductible.
<a href="mailto:info@wellbuilders.org">Email us</a>
<a href="/donate">Donate</a>
</footer>
</body></html>`

const thinPage = `<html><body><div id="app">Loading...</div><script src="/bundle.js"></script></body></html>`

func validLLMResponse(usage llm.Usage, cost float64) llm.CompletionResponse {
	return llm.CompletionResponse{
		Content: `{"mission": "Safe drinking water for every village.", "programs": ["Well drilling", "Well maintenance"]}`,
		Usage:   usage,
		CostUSD: cost,
	}
}

func TestExtractPage_StructuredAndDeterministicOnly(t *testing.T) {
	provider := &fakeProvider{}
	e := New(provider)

	out := e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/", false)

	if provider.calls != 0 {
		t.Errorf("provider called %d times with use_llm false", provider.calls)
	}
	if len(out.MethodsTried) != 2 || out.MethodsTried[0] != "structured" || out.MethodsTried[1] != "deterministic" {
		t.Errorf("methods tried = %v", out.MethodsTried)
	}
	if name := findResult(t, out.Results, "name"); name.Value != "Well Builders International" {
		t.Errorf("name = %v", name.Value)
	}
	if ein := findResult(t, out.Results, "ein"); ein.Value != "12-3456789" {
		t.Errorf("ein = %v", ein.Value)
	}
	if !out.HadData() {
		t.Error("HadData() = false")
	}
	if out.JSRenderingNeeded {
		t.Error("js rendering flagged on a text-rich page")
	}
}

func TestExtractPage_LLMResultsAppended(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			validLLMResponse(llm.Usage{InputTokens: 100, OutputTokens: 50}, 0.5),
		},
	}
	e := New(provider)

	out := e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/about", true)

	if provider.calls != 1 {
		t.Fatalf("provider calls = %d", provider.calls)
	}
	mission := findResult(t, out.Results, "mission")
	if mission.Source != SourceLLM || mission.Confidence != confLLM {
		t.Errorf("mission source=%s conf=%v", mission.Source, mission.Confidence)
	}
	programs := findResult(t, out.Results, "programs")
	if list, ok := programs.Value.([]string); !ok || len(list) != 2 {
		t.Errorf("programs = %v", programs.Value)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.CostUSD != 0.5 {
		t.Errorf("cost = %v", out.CostUSD)
	}
	if out.FailureReason != "" {
		t.Errorf("failure reason = %q", out.FailureReason)
	}
	want := []string{"structured", "deterministic", "llm"}
	if len(out.MethodsTried) != len(want) {
		t.Fatalf("methods tried = %v", out.MethodsTried)
	}
	for i, m := range want {
		if out.MethodsTried[i] != m {
			t.Errorf("methods[%d] = %s, want %s", i, out.MethodsTried[i], m)
		}
	}
}

func TestExtractPage_PromptConditionedOnPageType(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{validLLMResponse(llm.Usage{}, 0)},
	}
	e := New(provider)

	e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/zakat-policy", true)

	if len(provider.prompts) != 1 {
		t.Fatalf("prompts = %d", len(provider.prompts))
	}
	if !strings.Contains(provider.prompts[0], "Page type: zakat") {
		t.Errorf("prompt not conditioned on zakat page type:\n%s", provider.prompts[0])
	}
}

func TestExtractPage_ValidationFeedbackRetry(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{Content: `{"founded_year": 3000}`, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}, CostUSD: 0.5},
			validLLMResponse(llm.Usage{InputTokens: 20, OutputTokens: 10}, 0.25),
		},
	}
	e := New(provider)

	out := e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/", true)

	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want retry after validation failure", provider.calls)
	}
	second := provider.prompts[1]
	if !strings.Contains(second, "rejected") || !strings.Contains(second, "2100") {
		t.Errorf("retry prompt missing validation feedback:\n%s", second)
	}
	if !hasField(out.Results, "mission") {
		t.Error("no mission after successful retry")
	}
	if out.Usage.InputTokens != 30 || out.Usage.OutputTokens != 15 {
		t.Errorf("usage not accumulated across attempts: %+v", out.Usage)
	}
	if out.CostUSD != 0.75 {
		t.Errorf("cost not accumulated across attempts: %v", out.CostUSD)
	}
}

func TestExtractPage_LLMFailureKeepsOtherResults(t *testing.T) {
	boom := errors.New("model overloaded")
	provider := &fakeProvider{errs: []error{boom, boom, boom}}
	e := New(provider)

	out := e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/", true)

	if provider.calls != 3 {
		t.Errorf("provider calls = %d, want all attempts", provider.calls)
	}
	if !strings.Contains(out.FailureReason, "3 attempt(s)") || !strings.Contains(out.FailureReason, "model overloaded") {
		t.Errorf("failure reason = %q", out.FailureReason)
	}
	if !hasField(out.Results, "ein") {
		t.Error("deterministic results lost on llm failure")
	}
}

func TestExtractPage_JSRenderingNeeded(t *testing.T) {
	provider := &fakeProvider{}
	e := New(provider)

	out := e.ExtractPage(context.Background(), thinPage, "https://spa.example.org/", true)

	if !out.JSRenderingNeeded {
		t.Error("thin page not flagged for js rendering")
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times for a page with no text", provider.calls)
	}
}

func TestExtractPage_RendererRecoversThinPage(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{validLLMResponse(llm.Usage{}, 0)},
	}
	renderer := &fakeRenderer{html: richPage}
	e := New(provider, WithRenderer(renderer))

	out := e.ExtractPage(context.Background(), thinPage, "https://spa.example.org/", true)

	if renderer.calls != 1 {
		t.Fatalf("renderer calls = %d", renderer.calls)
	}
	if out.JSRenderingNeeded {
		t.Error("page still flagged after successful render")
	}
	if out.MethodsTried[0] != "dynamic_render" {
		t.Errorf("methods tried = %v", out.MethodsTried)
	}
	// Structured and deterministic passes must see the rendered HTML.
	if name := findResult(t, out.Results, "name"); name.Value != "Well Builders International" {
		t.Errorf("name = %v", name.Value)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d", provider.calls)
	}
}

func TestExtractPage_RendererFailureFlagsPage(t *testing.T) {
	provider := &fakeProvider{}
	renderer := &fakeRenderer{err: errors.New("chrome not found")}
	e := New(provider, WithRenderer(renderer))

	out := e.ExtractPage(context.Background(), thinPage, "https://spa.example.org/", true)

	if renderer.calls != 1 {
		t.Errorf("renderer calls = %d", renderer.calls)
	}
	if !out.JSRenderingNeeded {
		t.Error("render failure should leave the page flagged")
	}
	if provider.calls != 0 {
		t.Errorf("provider calls = %d", provider.calls)
	}
}

func TestExtractPage_NilProviderSkipsLLM(t *testing.T) {
	e := New(nil)
	out := e.ExtractPage(context.Background(), richPage, "https://wellbuilders.org/", true)
	for _, m := range out.MethodsTried {
		if m == "llm" {
			t.Error("llm pass ran without a provider")
		}
	}
	if !out.HadData() {
		t.Error("markup passes should still run without a provider")
	}
}

func TestTruncateContent(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"no limit", "hello world", 0, "hello world"},
		{"under limit", "hello", 100, "hello"},
		{"cuts on word boundary", "aaa bbb ccc", 9, "aaa bbb [truncated]"},
		{"hard cut without space", "aaaaaaaaaa", 4, "aaaa [truncated]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateContent(tt.in, tt.limit); got != tt.want {
				t.Errorf("truncateContent(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"padded", "  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
