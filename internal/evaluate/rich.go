package evaluate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// RichVersion feeds the rich phase fingerprint.
const RichVersion = "rich-v2"

// RichCitation is one source behind a narrative claim. IDs appear
// inline in the narrative text as [c1]-style markers.
type RichCitation struct {
	ID        string `json:"id" validate:"required" description:"Citation id referenced in the text, c1, c2 and so on"`
	SourceURL string `json:"source_url" validate:"required,url" description:"URL of the source"`
	Title     string `json:"title,omitempty" description:"Source title or headline"`
	Quote     string `json:"quote,omitempty" description:"Short quote supporting the claim"`
}

// RichNarrative is the long-form, citation-backed assessment attached
// to an evaluation when the rich phase runs.
type RichNarrative struct {
	Overview       string         `json:"overview" validate:"required" description:"Two-paragraph overview of the organization and its standing"`
	ImpactEvidence string         `json:"impact_evidence,omitempty" description:"What independent evidence says about impact, with citations"`
	Transparency   string         `json:"transparency,omitempty" description:"Financial transparency and governance findings, with citations"`
	ZakatGuidance  string         `json:"zakat_guidance,omitempty" description:"Guidance for zakat givers, when the charity handles zakat"`
	AllCitations   []RichCitation `json:"all_citations" validate:"omitempty,dive" description:"Every citation referenced in the text"`
}

// citationMarkerRe matches inline [c1]-style citation markers.
var citationMarkerRe = regexp.MustCompile(`\[(c\d+)\]`)

// DanglingMarkers lists citation markers used in the text that have no
// entry in AllCitations. A clean narrative returns nil.
func (n *RichNarrative) DanglingMarkers() []string {
	ids := make(map[string]bool, len(n.AllCitations))
	for _, c := range n.AllCitations {
		ids[c.ID] = true
	}
	var dangling []string
	seen := map[string]bool{}
	for _, text := range []string{n.Overview, n.ImpactEvidence, n.Transparency, n.ZakatGuidance} {
		for _, m := range citationMarkerRe.FindAllStringSubmatch(text, -1) {
			id := m[1]
			if !ids[id] && !seen[id] {
				seen[id] = true
				dangling = append(dangling, id)
			}
		}
	}
	return dangling
}

var (
	richSchemaOnce sync.Once
	richSchemaVal  schema.Schema
	richSchemaErr  error
)

func richSchema() (schema.Schema, error) {
	richSchemaOnce.Do(func() {
		richSchemaVal, richSchemaErr = schema.NewSchema[RichNarrative](
			schema.WithName("rich_narrative"),
			schema.WithDescription("Citation-backed narrative assessment of a charity"),
		)
	})
	return richSchemaVal, richSchemaErr
}

// The rich call runs with search grounding, so the response schema
// cannot ride the request and the JSON shape is spelled out here.
const richSystemPrompt = `You are writing the published assessment of a US charity for a Muslim
giving platform. You have web search; use it to verify and extend the
evidence document with independent sources.

Rules:
1. Every factual claim needs either the evidence document or a cited web
   source behind it. Cite web sources inline as [c1], [c2] and list each
   one in all_citations. Never cite the evidence document itself.
2. Do not contradict the provided score or wallet tag; explain them.
3. Write for donors: plain language, no analyst jargon.
4. Respond with a single JSON object, no prose around it, shaped exactly:
{
  "overview": "<two paragraphs>",
  "impact_evidence": "<paragraph with citations>",
  "transparency": "<paragraph with citations>",
  "zakat_guidance": "<paragraph, empty string if zakat is not handled>",
  "all_citations": [{"id": "c1", "source_url": "https://...", "title": "...", "quote": "..."}]
}`

// RichResult carries the narrative, the merged citation list and cost.
type RichResult struct {
	Narrative *RichNarrative
	// Citations is AllCitations plus any grounding sources the model
	// consulted but did not cite, deduplicated by URL.
	Citations []RichCitation
	Usage     llm.Usage
	CostUSD   float64
}

// Rich writes the citation-backed narrative for an already scored
// charity. Dangling citation markers are rejected and fed back like
// validation failures.
func (e *Evaluator) Rich(ctx context.Context, ch charity.Charity, doc map[string]any, eval AmalEvaluation) (*RichResult, error) {
	s, err := richSchema()
	if err != nil {
		return nil, err
	}

	out, err := e.generate(ctx, genCall{
		schema:   s,
		system:   richSystemPrompt,
		grounded: true,
		prompt: func(prevErr error) string {
			var b strings.Builder
			b.WriteString(feedback(prevErr))
			b.WriteString("Write the assessment narrative for this charity.\n\n")
			b.WriteString("Charity: ")
			b.WriteString(ch.Name)
			b.WriteString(" (EIN ")
			b.WriteString(ch.EIN)
			b.WriteString(")\n")
			fmt.Fprintf(&b, "Amal score: %.0f/100, wallet tag: %s\n", eval.AmalScore, eval.WalletTag)
			b.WriteString("Baseline headline: ")
			b.WriteString(eval.BaselineNarrative.Headline)
			b.WriteString("\n\nEvidence document:\n")
			b.WriteString(docJSON(doc, e.cfg.MaxDocBytes))
			return b.String()
		},
		check: checkRich,
	})
	if err != nil {
		return nil, fmt.Errorf("rich %s: %w", ch.EIN, err)
	}

	narrative, ok := out.value.(*RichNarrative)
	if !ok {
		return nil, fmt.Errorf("rich %s: unexpected output type %T", ch.EIN, out.value)
	}
	return &RichResult{
		Narrative: narrative,
		Citations: mergeCitations(narrative.AllCitations, out.sources),
		Usage:     out.usage,
		CostUSD:   out.cost,
	}, nil
}

// checkRich rejects narratives whose inline markers and citation list
// disagree, so the retry can repair them.
func checkRich(v any) error {
	narrative, ok := v.(*RichNarrative)
	if !ok {
		return fmt.Errorf("unexpected output type %T", v)
	}
	seen := map[string]bool{}
	for _, c := range narrative.AllCitations {
		if seen[c.ID] {
			return fmt.Errorf("citation id %s appears twice in all_citations", c.ID)
		}
		seen[c.ID] = true
	}
	if dangling := narrative.DanglingMarkers(); len(dangling) > 0 {
		return fmt.Errorf("markers [%s] are cited in the text but missing from all_citations",
			strings.Join(dangling, "], ["))
	}
	return nil
}

// mergeCitations appends grounding sources the model consulted but did
// not cite, so the stored citation set covers everything that informed
// the narrative. New entries get g-prefixed ids after the last c-id.
func mergeCitations(cited []RichCitation, sources []llm.GroundingSource) []RichCitation {
	out := make([]RichCitation, len(cited))
	copy(out, cited)

	urls := make(map[string]bool, len(out))
	for _, c := range out {
		urls[c.SourceURL] = true
	}
	next := 1
	for _, src := range sources {
		if src.URI == "" || urls[src.URI] {
			continue
		}
		urls[src.URI] = true
		out = append(out, RichCitation{
			ID:        "g" + strconv.Itoa(next),
			SourceURL: src.URI,
			Title:     src.Title,
		})
		next++
	}
	return out
}
