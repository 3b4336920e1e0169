package evaluate

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/amalgiving/amaldata/internal/llm"
)

// Queries run one at a time under the test evaluator, so scripted
// responses follow the declaration order: founded_year, leadership,
// external_coverage, zakat_policy.
func TestDiscoverCollectsAnswers(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{
				Content: `{"found": true, "answer": 1994, "confidence": 0.9}`,
				Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
				CostUSD: 0.001,
				GroundingSources: []llm.GroundingSource{
					{URI: "https://example.org/about", Title: "About us"},
				},
			},
			{
				Content: `{"found": true, "answer": ["Amina Khan - Executive Director"], "confidence": 0.8}`,
				Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
				CostUSD: 0.001,
				GroundingSources: []llm.GroundingSource{
					{URI: "https://example.org/about", Title: "About us"},
					{URI: "https://news.example/profile", Title: "Profile"},
				},
			},
			{
				Content: `{"found": false, "answer": null, "confidence": 0}`,
				Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
				CostUSD: 0.001,
			},
			{
				Content: `{"found": true, "answer": "Operates a scholar-reviewed zakat fund distributed within one lunar year.", "confidence": 0.7}`,
				Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
				CostUSD: 0.001,
			},
		},
	}
	e := newTestEvaluator(t, provider)

	disc, err := e.Discover(context.Background(), testCharity(t), nil)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}

	if disc.Asked != 4 || disc.Answered != 3 {
		t.Errorf("asked/answered = %d/%d, want 4/3", disc.Asked, disc.Answered)
	}
	if disc.Fields["founded_year"] != 1994 {
		t.Errorf("founded_year = %v (%T)", disc.Fields["founded_year"], disc.Fields["founded_year"])
	}
	lead, _ := disc.Fields["leadership"].([]string)
	if !reflect.DeepEqual(lead, []string{"Amina Khan - Executive Director"}) {
		t.Errorf("leadership = %v", disc.Fields["leadership"])
	}
	if _, ok := disc.Fields["external_coverage"]; ok {
		t.Error("unanswered query produced a field")
	}
	if got, _ := disc.Fields["zakat_policy"].(string); !strings.Contains(got, "zakat fund") {
		t.Errorf("zakat_policy = %v", disc.Fields["zakat_policy"])
	}

	if len(disc.Sources) != 2 {
		t.Errorf("sources = %v, want 2 deduplicated", disc.Sources)
	}
	if disc.Usage.InputTokens != 40 || disc.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", disc.Usage)
	}
	if disc.CostUSD != 0.004 {
		t.Errorf("cost = %v", disc.CostUSD)
	}

	for _, req := range provider.reqs {
		if !req.EnableSearchGrounding {
			t.Error("discover query without search grounding")
		}
		if req.JSONSchema != nil {
			t.Error("grounded query carries a response schema")
		}
	}
	if !strings.Contains(provider.prompts[0], `"Example Relief Fund" (EIN 13-1644147)`) {
		t.Errorf("first prompt = %q", provider.prompts[0])
	}
}

func TestDiscoverSkipsKnownFields(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEvaluator(t, provider)

	known := map[string]any{
		"founded_year":      1994,
		"leadership":        []any{"Amina Khan - Executive Director"},
		"external_coverage": []any{"Water Journal: field audit"},
		"zakat_policy":      "documented",
	}
	disc, err := e.Discover(context.Background(), testCharity(t), known)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if disc.Asked != 0 || disc.Answered != 0 {
		t.Errorf("asked/answered = %d/%d, want 0/0", disc.Asked, disc.Answered)
	}
	if provider.calls != 0 {
		t.Errorf("provider calls = %d with nothing to ask", provider.calls)
	}
}

func TestDiscoverEmptyKnownFieldStillAsked(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{Content: `{"found": true, "answer": 2001, "confidence": 0.9}`},
			{Content: `{"found": false, "answer": null, "confidence": 0}`},
			{Content: `{"found": false, "answer": null, "confidence": 0}`},
			{Content: `{"found": false, "answer": null, "confidence": 0}`},
		},
	}
	e := newTestEvaluator(t, provider)

	// Present but empty values do not count as known.
	known := map[string]any{"founded_year": 0, "leadership": []any{}}
	disc, err := e.Discover(context.Background(), testCharity(t), known)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if disc.Asked != 4 {
		t.Errorf("asked = %d, want 4", disc.Asked)
	}
	if disc.Fields["founded_year"] != 2001 {
		t.Errorf("founded_year = %v", disc.Fields["founded_year"])
	}
}

func TestDiscoverQueryFailureIsNotFatal(t *testing.T) {
	provider := &fakeProvider{
		errs: []error{errors.New("gemini: 503 overloaded"), nil, nil, nil},
		responses: []llm.CompletionResponse{
			{},
			{Content: `{"found": true, "answer": ["Amina Khan - Executive Director"], "confidence": 0.8}`},
			{Content: `not json at all`},
			{Content: `{"found": true, "answer": "Zakat policy documented.", "confidence": 0.3}`},
		},
	}
	e := newTestEvaluator(t, provider)

	disc, err := e.Discover(context.Background(), testCharity(t), nil)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	// Error, garbled JSON and low confidence all drop the answer; only
	// leadership survives.
	if disc.Answered != 1 {
		t.Errorf("answered = %d, want 1", disc.Answered)
	}
	if _, ok := disc.Fields["leadership"]; !ok {
		t.Error("leadership answer lost")
	}
	if _, ok := disc.Fields["zakat_policy"]; ok {
		t.Error("low-confidence answer kept")
	}
	if provider.calls != 4 {
		t.Errorf("provider calls = %d, want 4", provider.calls)
	}
}

func TestCoerceAnswer(t *testing.T) {
	tests := []struct {
		name   string
		kind   answerKind
		answer any
		want   any
	}{
		{"year from number", kindYear, 1994.0, 1994},
		{"year from string", kindYear, "1994", 1994},
		{"year lower bound", kindYear, 1600.0, 1600},
		{"year implausible", kindYear, 999.0, nil},
		{"year garbage", kindYear, "nineteen94", nil},
		{"list", kindList, []any{"a", " b ", ""}, []string{"a", "b"}},
		{"list from string", kindList, "single entry", []string{"single entry"}},
		{"list empty", kindList, []any{}, nil},
		{"text", kindText, "  policy  ", "policy"},
		{"text empty", kindText, "   ", nil},
		{"text wrong type", kindText, 12.0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coerceAnswer(tt.kind, tt.answer)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("coerceAnswer(%v, %v) = %v, want %v", tt.kind, tt.answer, got, tt.want)
			}
		})
	}
}
