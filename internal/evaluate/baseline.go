package evaluate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// BaselineVersion feeds the baseline phase fingerprint. Bump it when
// the rubric or output shape changes.
const BaselineVersion = "baseline-v4"

// Wallet tags classify where a charity fits in a donor's giving. The
// strings are part of the export format and must stay stable.
const (
	TagZakatEligible    = "ZAKAT-ELIGIBLE"
	TagSadaqahEligible  = "SADAQAH-ELIGIBLE"
	TagSadaqahStrategic = "SADAQAH-STRATEGIC"
	TagSadaqahGeneral   = "SADAQAH-GENERAL"
	TagInsufficientData = "INSUFFICIENT-DATA"
)

// WalletTags lists every valid tag, in display order.
var WalletTags = []string{
	TagZakatEligible,
	TagSadaqahEligible,
	TagSadaqahStrategic,
	TagSadaqahGeneral,
	TagInsufficientData,
}

// ValidWalletTag reports whether tag is one of the known classifications.
func ValidWalletTag(tag string) bool {
	for _, t := range WalletTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ConfidenceScores are the components behind the amal score.
type ConfidenceScores struct {
	Impact         float64 `json:"impact" validate:"gte=0,lte=50" description:"Impact component of the amal score, 0 to 50"`
	Alignment      float64 `json:"alignment" validate:"gte=0,lte=50" description:"Giving-priority alignment component, 0 to 50"`
	DataConfidence float64 `json:"data_confidence" validate:"gte=0,lte=1" description:"Confidence in the underlying evidence, 0 to 1"`
}

// BaselineNarrative is the short written assessment.
type BaselineNarrative struct {
	Headline  string   `json:"headline" validate:"required" description:"One-sentence assessment of the organization"`
	Summary   string   `json:"summary" validate:"required" description:"Three to five sentence summary of the evidence and the score"`
	Strengths []string `json:"strengths" description:"Distinct strengths the evidence supports, strongest first"`
}

// AmalEvaluation is the scored assessment stored on the evaluation row
// and exported under the amalEvaluation key. The rich narrative is
// attached by the rich phase when it runs.
type AmalEvaluation struct {
	AmalScore         float64           `json:"amal_score" validate:"gte=0,lte=100"`
	ConfidenceScores  ConfidenceScores  `json:"confidence_scores"`
	WalletTag         string            `json:"wallet_tag" validate:"required,oneof=ZAKAT-ELIGIBLE SADAQAH-ELIGIBLE SADAQAH-STRATEGIC SADAQAH-GENERAL INSUFFICIENT-DATA"`
	BaselineNarrative BaselineNarrative `json:"baseline_narrative"`
	RichNarrative     *RichNarrative    `json:"rich_narrative,omitempty"`
}

// baselineOutput is the model's output shape. It matches AmalEvaluation
// minus the rich narrative, which a later phase produces.
type baselineOutput struct {
	AmalScore         float64           `json:"amal_score" validate:"gte=0,lte=100" description:"Overall score out of 100; must equal impact plus alignment"`
	ConfidenceScores  ConfidenceScores  `json:"confidence_scores" description:"Component scores behind the amal score"`
	WalletTag         string            `json:"wallet_tag" validate:"required,oneof=ZAKAT-ELIGIBLE SADAQAH-ELIGIBLE SADAQAH-STRATEGIC SADAQAH-GENERAL INSUFFICIENT-DATA" description:"Giving category for the donor wallet"`
	BaselineNarrative BaselineNarrative `json:"baseline_narrative" description:"Written assessment grounded in the evidence document"`
}

var (
	baselineSchemaOnce sync.Once
	baselineSchemaVal  schema.Schema
	baselineSchemaErr  error
)

func baselineSchema() (schema.Schema, error) {
	baselineSchemaOnce.Do(func() {
		baselineSchemaVal, baselineSchemaErr = schema.NewSchema[baselineOutput](
			schema.WithName("amal_evaluation"),
			schema.WithDescription("Scored charity assessment with component scores, wallet tag and narrative"),
		)
	})
	return baselineSchemaVal, baselineSchemaErr
}

const baselineSystemPrompt = `You are a rigorous charity evaluation analyst scoring US charities for a
Muslim giving platform.

Score components:
- impact (0-50): evidence of measurable outcomes at meaningful scale.
  Weigh concrete impact metrics, program breadth, financial efficiency
  (program expense ratio), independent ratings and accreditation. Large
  unsupported claims score low; small verified results score higher.
- alignment (0-50): fit with Islamic giving priorities such as poverty
  relief, clean water, orphan care, food security, education, health and
  emergency relief, and the quality of any zakat administration.
- data_confidence (0-1): how complete and corroborated the evidence
  document is. Multiple agreeing sources raise it; gaps and single-source
  claims lower it.

amal_score is exactly impact + alignment.

wallet_tag rules, checked in order:
1. INSUFFICIENT-DATA when data_confidence is below 0.3 or the document
   lacks both a mission and any financial or rating evidence.
2. ZAKAT-ELIGIBLE when the charity documents a dedicated zakat program
   or distribution policy and the evidence supports competent delivery.
3. SADAQAH-STRATEGIC when the work is high-leverage or systemic
   (research, infrastructure, capacity building) rather than direct aid.
4. SADAQAH-ELIGIBLE for solid direct-service charities without
   documented zakat handling.
5. SADAQAH-GENERAL for acceptable organizations with limited evidence.

Narrative rules: every claim must come from the evidence document. Name
numbers exactly as given. Never invent programs, metrics or ratings.
Respond with a single JSON object matching the requested fields.`

// BaselineResult carries the scored evaluation plus what the call cost.
type BaselineResult struct {
	Evaluation AmalEvaluation
	Tier       string
	Usage      llm.Usage
	CostUSD    float64
}

// Baseline scores the synthesized document. The model output is schema
// checked and retried with feedback; a sum mismatch between amal_score
// and its components is rejected the same way.
func (e *Evaluator) Baseline(ctx context.Context, ch charity.Charity, doc map[string]any) (*BaselineResult, error) {
	s, err := baselineSchema()
	if err != nil {
		return nil, err
	}

	out, err := e.generate(ctx, genCall{
		schema: s,
		system: baselineSystemPrompt,
		prompt: func(prevErr error) string {
			var b strings.Builder
			b.WriteString(feedback(prevErr))
			b.WriteString("Score this charity from its evidence document.\n\n")
			b.WriteString("Charity: ")
			b.WriteString(ch.Name)
			b.WriteString(" (EIN ")
			b.WriteString(ch.EIN)
			b.WriteString(")\n\nEvidence document:\n")
			b.WriteString(docJSON(doc, e.cfg.MaxDocBytes))
			return b.String()
		},
		check: checkBaseline,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline %s: %w", ch.EIN, err)
	}

	bo, ok := out.value.(*baselineOutput)
	if !ok {
		return nil, fmt.Errorf("baseline %s: unexpected output type %T", ch.EIN, out.value)
	}
	eval := AmalEvaluation{
		AmalScore:         bo.AmalScore,
		ConfidenceScores:  bo.ConfidenceScores,
		WalletTag:         bo.WalletTag,
		BaselineNarrative: bo.BaselineNarrative,
	}
	return &BaselineResult{
		Evaluation: eval,
		Tier:       TierFor(eval.AmalScore, eval.WalletTag),
		Usage:      out.usage,
		CostUSD:    out.cost,
	}, nil
}

// checkBaseline enforces the arithmetic the schema cannot express: the
// amal score is the sum of its components.
func checkBaseline(v any) error {
	bo, ok := v.(*baselineOutput)
	if !ok {
		return fmt.Errorf("unexpected output type %T", v)
	}
	sum := bo.ConfidenceScores.Impact + bo.ConfidenceScores.Alignment
	if math.Abs(bo.AmalScore-sum) > 0.5 {
		return fmt.Errorf("amal_score %.1f does not equal impact %.1f + alignment %.1f",
			bo.AmalScore, bo.ConfidenceScores.Impact, bo.ConfidenceScores.Alignment)
	}
	return nil
}

// TierFor derives the display tier from the score. INSUFFICIENT-DATA
// always reads as insufficient regardless of the number attached.
func TierFor(score float64, walletTag string) string {
	if walletTag == TagInsufficientData {
		return "insufficient"
	}
	switch {
	case score >= 85:
		return "exceptional"
	case score >= 70:
		return "strong"
	case score >= 55:
		return "established"
	case score >= 40:
		return "developing"
	default:
		return "emerging"
	}
}
