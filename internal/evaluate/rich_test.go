package evaluate

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/amalgiving/amaldata/internal/llm"
)

const goodRichJSON = `{
	"overview": "Example Relief Fund drills wells across rural regions and has done so since 1994 [c1]. Its filings show steady program growth.",
	"impact_evidence": "An independent field audit verified 120 functioning wells [c1].",
	"transparency": "",
	"zakat_guidance": "The fund operates a scholar-reviewed zakat program.",
	"all_citations": [
		{"id": "c1", "source_url": "https://news.example/wells-audit", "title": "Wells audit", "quote": "120 of 124 sampled wells were operational."}
	]
}`

func richTestEval() AmalEvaluation {
	return AmalEvaluation{
		AmalScore: 78,
		ConfidenceScores: ConfidenceScores{
			Impact:         40,
			Alignment:      38,
			DataConfidence: 0.82,
		},
		WalletTag: TagZakatEligible,
		BaselineNarrative: BaselineNarrative{
			Headline: "A disciplined water charity with verified rural reach.",
			Summary:  "Strong program ratios and independent verification.",
		},
	}
}

func TestRichGroundedNarrative(t *testing.T) {
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{
				Content: goodRichJSON,
				Usage:   llm.Usage{InputTokens: 200, OutputTokens: 150},
				CostUSD: 0.012,
				GroundingSources: []llm.GroundingSource{
					{URI: "https://news.example/wells-audit", Title: "Wells audit"},
					{URI: "https://projects.propublica.org/nonprofits/organizations/131644147", Title: "ProPublica Nonprofit Explorer"},
				},
			},
		},
	}
	e := newTestEvaluator(t, provider)

	res, err := e.Rich(context.Background(), testCharity(t), sampleDoc(), richTestEval())
	if err != nil {
		t.Fatalf("Rich() error: %v", err)
	}

	req := provider.reqs[0]
	if !req.EnableSearchGrounding {
		t.Error("rich call did not enable search grounding")
	}
	if req.JSONSchema != nil {
		t.Error("grounded rich call carries a response schema")
	}
	prompt := provider.prompts[0]
	if !strings.Contains(prompt, "Amal score: 78/100, wallet tag: ZAKAT-ELIGIBLE") {
		t.Errorf("prompt missing score line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Baseline headline: A disciplined water charity") {
		t.Errorf("prompt missing baseline headline:\n%s", prompt)
	}

	if !strings.Contains(res.Narrative.Overview, "[c1]") {
		t.Errorf("overview lost its citation marker: %q", res.Narrative.Overview)
	}
	// The audit URL is already cited as c1; only the uncited ProPublica
	// source gains a g-id.
	if len(res.Citations) != 2 {
		t.Fatalf("citations = %+v, want 2", res.Citations)
	}
	if res.Citations[0].ID != "c1" || res.Citations[1].ID != "g1" {
		t.Errorf("citation ids = %s, %s", res.Citations[0].ID, res.Citations[1].ID)
	}
	if res.Citations[1].SourceURL != "https://projects.propublica.org/nonprofits/organizations/131644147" {
		t.Errorf("g1 url = %s", res.Citations[1].SourceURL)
	}
	if res.CostUSD != 0.012 || res.Usage.OutputTokens != 150 {
		t.Errorf("cost/usage = %v/%+v", res.CostUSD, res.Usage)
	}
}

func TestRichDanglingMarkerRetried(t *testing.T) {
	bad := strings.Replace(goodRichJSON, "since 1994 [c1]", "since 1994 [c2]", 1)
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{Content: bad, CostUSD: 0.01},
			{Content: goodRichJSON, CostUSD: 0.01},
		},
	}
	e := newTestEvaluator(t, provider)

	res, err := e.Rich(context.Background(), testCharity(t), sampleDoc(), richTestEval())
	if err != nil {
		t.Fatalf("Rich() error: %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("calls = %d, want 2", provider.calls)
	}
	retry := provider.prompts[1]
	if !strings.Contains(retry, "previous attempt was rejected") {
		t.Errorf("retry prompt missing feedback:\n%s", retry)
	}
	if !strings.Contains(retry, "[c2]") || !strings.Contains(retry, "missing from all_citations") {
		t.Errorf("retry prompt missing dangling-marker detail:\n%s", retry)
	}
	if got := res.Narrative.DanglingMarkers(); got != nil {
		t.Errorf("accepted narrative still dangling: %v", got)
	}
	if res.CostUSD != 0.02 {
		t.Errorf("cost = %v, want both attempts billed", res.CostUSD)
	}
}

func TestRichDuplicateCitationRejected(t *testing.T) {
	dup := strings.Replace(goodRichJSON,
		`"all_citations": [`,
		`"all_citations": [
		{"id": "c1", "source_url": "https://other.example/report", "title": "Report"},`, 1)
	provider := &fakeProvider{
		responses: []llm.CompletionResponse{
			{Content: dup},
			{Content: goodRichJSON},
		},
	}
	e := newTestEvaluator(t, provider)

	if _, err := e.Rich(context.Background(), testCharity(t), sampleDoc(), richTestEval()); err != nil {
		t.Fatalf("Rich() error: %v", err)
	}
	if !strings.Contains(provider.prompts[1], "citation id c1 appears twice") {
		t.Errorf("retry prompt = %q", provider.prompts[1])
	}
}

func TestDanglingMarkers(t *testing.T) {
	cite := func(ids ...string) []RichCitation {
		var out []RichCitation
		for _, id := range ids {
			out = append(out, RichCitation{ID: id, SourceURL: "https://example.org"})
		}
		return out
	}
	tests := []struct {
		name      string
		narrative RichNarrative
		want      []string
	}{
		{
			name: "clean",
			narrative: RichNarrative{
				Overview:       "Founded long ago [c1].",
				ImpactEvidence: "Audited [c2].",
				AllCitations:   cite("c1", "c2"),
			},
			want: nil,
		},
		{
			name: "missing entry",
			narrative: RichNarrative{
				Overview:     "Founded long ago [c1]. Audited [c2].",
				AllCitations: cite("c1"),
			},
			want: []string{"c2"},
		},
		{
			name: "repeat reported once",
			narrative: RichNarrative{
				Overview:      "Claim [c3].",
				ZakatGuidance: "Policy [c3].",
			},
			want: []string{"c3"},
		},
		{
			name:      "no markers",
			narrative: RichNarrative{Overview: "Plain text, compare [1999] style brackets."},
			want:      nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.narrative.DanglingMarkers(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DanglingMarkers() = %v, want %v", got, tt.want)
			}
		})
	}
}
