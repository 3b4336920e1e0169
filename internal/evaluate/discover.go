package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/logger"
)

// DiscoverVersion feeds the discover phase fingerprint.
const DiscoverVersion = "discover-v3"

// minDiscoverConfidence drops answers the model itself is unsure of.
const minDiscoverConfidence = 0.5

// Discovery holds search-grounded answers for facts the charity's own
// site never stated. Answered counts queries that produced a usable
// answer; zero answered is not an error, the caller decides whether
// that outcome is worth caching.
type Discovery struct {
	Fields   map[string]any
	Sources  []llm.GroundingSource
	Asked    int
	Answered int
	Usage    llm.Usage
	CostUSD  float64
}

type answerKind int

const (
	kindYear answerKind = iota
	kindList
	kindText
)

type discoverQuery struct {
	Field    string
	Kind     answerKind
	Question string
}

// discoverQueries are the facts worth a web search when the site and
// the registry sources left them blank.
var discoverQueries = []discoverQuery{
	{
		Field:    "founded_year",
		Kind:     kindYear,
		Question: "In what year was the US charity %q (EIN %s) founded? Answer with the four-digit year.",
	},
	{
		Field:    "leadership",
		Kind:     kindList,
		Question: "Who currently leads the US charity %q (EIN %s)? List named executives and board officers with their roles, as \"Name - Role\".",
	},
	{
		Field:    "external_coverage",
		Kind:     kindList,
		Question: "What independent news coverage or third-party assessments exist for the US charity %q (EIN %s)? List up to five items as \"Outlet: headline or finding\". Exclude the charity's own publications.",
	},
	{
		Field:    "zakat_policy",
		Kind:     kindText,
		Question: "Does the US charity %q (EIN %s) operate a zakat program or publish a zakat distribution policy? Summarize the policy in two sentences, or report that none is documented.",
	},
}

const discoverSystemPrompt = `You are a careful research assistant verifying facts about US charities.

Rules:
1. Use web search. Only report facts you can see in a source; never guess.
2. Respond with a single JSON object and nothing else:
   {"found": <bool>, "answer": <string or array of strings>, "confidence": <0.0-1.0>}
3. When the searches do not settle the question, respond {"found": false, "answer": null, "confidence": 0}.
4. confidence reflects source quality: official filings and major outlets high, forums and aggregators low.`

// discoverAnswer is the one-object reply every query asks for.
type discoverAnswer struct {
	Found      bool    `json:"found"`
	Answer     any     `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Discover runs the search-grounded queries in parallel and collects
// usable answers. Queries whose field is already in known are skipped;
// individual query failures are logged and dropped rather than failing
// the whole phase.
func (e *Evaluator) Discover(ctx context.Context, ch charity.Charity, known map[string]any) (*Discovery, error) {
	disc := &Discovery{Fields: map[string]any{}}

	var pending []discoverQuery
	for _, q := range discoverQueries {
		if v, ok := known[q.Field]; ok && !isEmptyValue(v) {
			continue
		}
		pending = append(pending, q)
	}
	disc.Asked = len(pending)
	if len(pending) == 0 {
		return disc, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DiscoverConcurrency)

	for _, q := range pending {
		g.Go(func() error {
			value, sources, usage, cost, err := e.runQuery(gctx, ch, q)

			mu.Lock()
			defer mu.Unlock()
			disc.Usage.InputTokens += usage.InputTokens
			disc.Usage.OutputTokens += usage.OutputTokens
			disc.CostUSD += cost
			if err != nil {
				logger.Warn("discover query failed",
					"charity", ch.EIN, "field", q.Field, "error", err)
				return nil
			}
			if value == nil {
				return nil
			}
			disc.Fields[q.Field] = value
			disc.Answered++
			disc.Sources = mergeSources(disc.Sources, sources)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return disc, err
	}
	return disc, nil
}

// runQuery asks one grounded question. A nil value with nil error means
// the model searched and found nothing trustworthy.
func (e *Evaluator) runQuery(ctx context.Context, ch charity.Charity, q discoverQuery) (any, []llm.GroundingSource, llm.Usage, float64, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: discoverSystemPrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf(q.Question, ch.Name, ch.EIN)},
		},
		MaxTokens:             1024,
		Temperature:           0,
		EnableSearchGrounding: true,
	})
	if err != nil {
		return nil, nil, llm.Usage{}, 0, err
	}

	var ans discoverAnswer
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &ans); err != nil {
		return nil, nil, resp.Usage, resp.CostUSD, fmt.Errorf("query returned invalid JSON: %w", err)
	}
	if !ans.Found || ans.Confidence < minDiscoverConfidence {
		return nil, nil, resp.Usage, resp.CostUSD, nil
	}
	value := coerceAnswer(q.Kind, ans.Answer)
	return value, resp.GroundingSources, resp.Usage, resp.CostUSD, nil
}

// coerceAnswer normalizes a model answer to the field's expected shape.
// Unusable answers collapse to nil and are dropped.
func coerceAnswer(kind answerKind, answer any) any {
	switch kind {
	case kindYear:
		switch v := answer.(type) {
		case float64:
			return validYear(int(v))
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil
			}
			return validYear(n)
		}
		return nil
	case kindList:
		switch v := answer.(type) {
		case []any:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			if len(out) == 0 {
				return nil
			}
			return out
		case string:
			if strings.TrimSpace(v) == "" {
				return nil
			}
			return []string{strings.TrimSpace(v)}
		}
		return nil
	default:
		if s, ok := answer.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		return nil
	}
}

func validYear(y int) any {
	if y < 1600 || y > 2100 {
		return nil
	}
	return y
}

// mergeSources appends grounding sources not already present, keyed by URI.
func mergeSources(have, add []llm.GroundingSource) []llm.GroundingSource {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s.URI] = true
	}
	for _, s := range add {
		if s.URI == "" || seen[s.URI] {
			continue
		}
		seen[s.URI] = true
		have = append(have, s)
	}
	return have
}
