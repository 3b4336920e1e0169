package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// JudgeVersion feeds the judge phase fingerprint.
const JudgeVersion = "judge-v2"

type judgeOutput struct {
	JudgeScore float64  `json:"judge_score" validate:"gte=0,lte=100" description:"Quality score for the evaluation as a whole, 0 to 100"`
	Summary    string   `json:"summary" validate:"required" description:"One-paragraph verdict on the evaluation's quality"`
	Issues     []string `json:"issues" description:"Specific defects found, most serious first; empty when clean"`
}

var (
	judgeSchemaOnce sync.Once
	judgeSchemaVal  schema.Schema
	judgeSchemaErr  error
)

func judgeSchema() (schema.Schema, error) {
	judgeSchemaOnce.Do(func() {
		judgeSchemaVal, judgeSchemaErr = schema.NewSchema[judgeOutput](
			schema.WithName("evaluation_judgment"),
			schema.WithDescription("Quality audit of a finished charity evaluation"),
		)
	})
	return judgeSchemaVal, judgeSchemaErr
}

const judgeSystemPrompt = `You audit finished charity evaluations before publication. You see the
evidence document the evaluation was built from and the evaluation
itself. You do not have web access; judge only what is in front of you.

Check, in order of severity:
1. Fabrication: narrative claims with no support in the evidence
   document or the citation list.
2. Misclassification: a wallet tag its own rules do not support, for
   example ZAKAT-ELIGIBLE with no documented zakat handling.
3. Arithmetic: amal_score differing from impact plus alignment, or any
   component outside its range.
4. Overreach: confident language where data_confidence is low, or
   strengths the evidence only weakly supports.
5. Citation quality: citations whose quote or title cannot plausibly
   support the sentence citing them.

judge_score guide: 90+ publishable as is; 70-89 minor issues; 40-69
material problems a reviewer must fix; below 40 unpublishable.
List each defect in issues, naming the field or sentence concerned.
Respond with a single JSON object matching the requested fields.`

// JudgeResult is the quality audit of one evaluation.
type JudgeResult struct {
	Score   float64
	Summary string
	Issues  []string
	Usage   llm.Usage
	CostUSD float64
}

// Judge audits a finished evaluation against its evidence document.
// The score gates export; issues travel to the evaluation row either way.
func (e *Evaluator) Judge(ctx context.Context, ch charity.Charity, doc map[string]any, eval AmalEvaluation) (*JudgeResult, error) {
	s, err := judgeSchema()
	if err != nil {
		return nil, err
	}

	evalJSON, err := json.MarshalIndent(eval, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", ch.EIN, err)
	}

	out, err := e.generate(ctx, genCall{
		schema: s,
		system: judgeSystemPrompt,
		prompt: func(prevErr error) string {
			var b strings.Builder
			b.WriteString(feedback(prevErr))
			b.WriteString("Audit this charity evaluation.\n\n")
			b.WriteString("Charity: ")
			b.WriteString(ch.Name)
			b.WriteString(" (EIN ")
			b.WriteString(ch.EIN)
			b.WriteString(")\n\nEvidence document:\n")
			b.WriteString(docJSON(doc, e.cfg.MaxDocBytes/2))
			b.WriteString("\n\nEvaluation under audit:\n")
			b.WriteString(truncateText(string(evalJSON), e.cfg.MaxDocBytes/2))
			return b.String()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", ch.EIN, err)
	}

	jo, ok := out.value.(*judgeOutput)
	if !ok {
		return nil, fmt.Errorf("judge %s: unexpected output type %T", ch.EIN, out.value)
	}
	return &JudgeResult{
		Score:   jo.JudgeScore,
		Summary: jo.Summary,
		Issues:  jo.Issues,
		Usage:   out.usage,
		CostUSD: out.cost,
	}, nil
}
