package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// ErrValidation marks model output that parsed but failed schema checks.
// It is retried with the failures fed back into the next prompt.
var ErrValidation = errors.New("extraction validation failed")

// pageFields is the typed output shape for the page extraction prompt.
// Bounds and formats ride the validate tags so bad model output is
// caught and corrected on retry.
type pageFields struct {
	Name               string   `json:"name,omitempty" description:"Official organization name"`
	EIN                string   `json:"ein,omitempty" description:"US employer identification number in NN-NNNNNNN form, only if printed on the page" validate:"omitempty,ein"`
	Mission            string   `json:"mission,omitempty" description:"Mission statement in the organization's own words"`
	Vision             string   `json:"vision,omitempty" description:"Vision statement, if distinct from the mission"`
	Tagline            string   `json:"tagline,omitempty" description:"Short slogan or tagline"`
	Values             []string `json:"values,omitempty" description:"Stated organizational values"`
	Programs           []string `json:"programs,omitempty" description:"Distinct programs or services, one entry each"`
	TargetPopulations  []string `json:"target_populations,omitempty" description:"Populations the organization serves"`
	GeographicCoverage []string `json:"geographic_coverage,omitempty" description:"Countries or regions where it operates"`
	ImpactMetrics      []string `json:"impact_metrics,omitempty" description:"Concrete impact numbers with their time period, quoted from the page"`
	Beneficiaries      []string `json:"beneficiaries,omitempty" description:"Who benefits from the work"`
	Leadership         []string `json:"leadership,omitempty" description:"Named leaders with roles, as 'Name - Role'"`
	Email              string   `json:"email,omitempty" description:"Primary contact email" validate:"omitempty,email"`
	Phone              string   `json:"phone,omitempty" description:"Primary contact phone number"`
	Address            string   `json:"address,omitempty" description:"Postal address"`
	DonateURL          string   `json:"donate_url,omitempty" description:"Donation page URL" validate:"omitempty,url"`
	FoundedYear        int      `json:"founded_year,omitempty" description:"Year the organization was founded" validate:"omitempty,gte=1600,lte=2100"`
	TaxDeductible      *bool    `json:"tax_deductible,omitempty" description:"Whether donations are stated to be tax-deductible"`
	AdditionalInfo     string   `json:"additional_info,omitempty" description:"Other evaluation-relevant facts, including zakat or donation policy statements"`
}

var (
	pageSchemaOnce sync.Once
	pageSchemaVal  schema.Schema
	pageSchemaErr  error
)

func pageSchema() (schema.Schema, error) {
	pageSchemaOnce.Do(func() {
		pageSchemaVal, pageSchemaErr = schema.NewSchema[pageFields](
			schema.WithName("charity_page"),
			schema.WithDescription("Organization facts stated on one page of a charity website"),
		)
	})
	return pageSchemaVal, pageSchemaErr
}

// llmExtract runs the model with retry. Validation failures and garbled
// JSON are fed back into the next attempt; usage and cost accumulate
// across attempts so callers account for the retries too.
func (e *Extractor) llmExtract(ctx context.Context, text, pageType, pageURL string) ([]Result, llm.Usage, float64, error) {
	var (
		total    llm.Usage
		cost     float64
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		attempts++
		fields, usage, attemptCost, err := e.extractOnce(ctx, text, pageType, lastErr)
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens
		cost += attemptCost
		if err == nil {
			return fieldResults(fields, pageURL, time.Now().UTC()), total, cost, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, total, cost, fmt.Errorf("llm extraction failed after %d attempt(s): %w", attempts, lastErr)
}

func (e *Extractor) extractOnce(ctx context.Context, text, pageType string, prevErr error) (*pageFields, llm.Usage, float64, error) {
	s, err := pageSchema()
	if err != nil {
		return nil, llm.Usage{}, 0, err
	}
	jsonSchema, err := s.ToJSONSchema()
	if err != nil {
		return nil, llm.Usage{}, 0, err
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: buildExtractionPrompt(text, pageType, e.cfg.MaxContentSize, prevErr)},
		},
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		JSONSchema:  jsonSchema,
	})
	if err != nil {
		return nil, llm.Usage{}, 0, err
	}

	parsed, err := s.Unmarshal([]byte(stripFences(resp.Content)))
	if err != nil {
		return nil, resp.Usage, resp.CostUSD, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	fields, ok := parsed.(*pageFields)
	if !ok {
		return nil, resp.Usage, resp.CostUSD, fmt.Errorf("unexpected unmarshal type %T", parsed)
	}
	if verrs := s.Validate(fields); len(verrs) > 0 {
		return nil, resp.Usage, resp.CostUSD, fmt.Errorf("%w: %s", ErrValidation, formatValidationErrors(verrs))
	}
	return fields, resp.Usage, resp.CostUSD, nil
}

// fieldResults flattens validated model output into per-field results.
// Empty strings, empty lists and the zero year are treated as "not
// stated" and dropped.
func fieldResults(f *pageFields, pageURL string, now time.Time) []Result {
	var out []Result
	add := func(field string, value any) {
		out = append(out, Result{
			Field:      field,
			Value:      value,
			Source:     SourceLLM,
			Confidence: confLLM,
			PageURL:    pageURL,
			Timestamp:  now,
		})
	}
	addStr := func(field, v string) {
		if v = strings.TrimSpace(v); v != "" {
			add(field, v)
		}
	}
	addList := func(field string, v []string) {
		if vs := cleanList(v); len(vs) > 0 {
			add(field, vs)
		}
	}

	addStr("name", f.Name)
	addStr("ein", f.EIN)
	addStr("mission", f.Mission)
	addStr("vision", f.Vision)
	addStr("tagline", f.Tagline)
	addList("values", f.Values)
	addList("programs", f.Programs)
	addList("target_populations", f.TargetPopulations)
	addList("geographic_coverage", f.GeographicCoverage)
	addList("impact_metrics", f.ImpactMetrics)
	addList("beneficiaries", f.Beneficiaries)
	addList("leadership", f.Leadership)
	addStr("email", f.Email)
	addStr("phone", f.Phone)
	addStr("address", f.Address)
	addStr("donate_url", f.DonateURL)
	if f.FoundedYear > 0 {
		add("founded_year", f.FoundedYear)
	}
	if f.TaxDeductible != nil {
		add("tax_deductible", *f.TaxDeductible)
	}
	addStr("additional_info", f.AdditionalInfo)
	return out
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
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
