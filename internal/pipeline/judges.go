package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
	"github.com/amalgiving/amaldata/internal/evaluate"
	"github.com/amalgiving/amaldata/internal/orchestrator"
	"github.com/amalgiving/amaldata/internal/store"
)

// Severity grades a quality-judge finding. An ERROR fails the phase
// and evicts its cache entry; a WARN travels with the result.
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Issue is one finding from a phase's quality judge.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Verdict collects everything one phase's judge found.
type Verdict struct {
	Phase  Phase   `json:"phase"`
	Issues []Issue `json:"issues,omitempty"`
}

func (v *Verdict) warnf(format string, args ...any) {
	v.Issues = append(v.Issues, Issue{Severity: SeverityWarn, Message: fmt.Sprintf(format, args...)})
}

func (v *Verdict) errorf(format string, args ...any) {
	v.Issues = append(v.Issues, Issue{Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

// Err returns the first ERROR finding as an error, nil when the phase
// passed.
func (v Verdict) Err() error {
	for _, i := range v.Issues {
		if i.Severity == SeverityError {
			return errors.New(i.Message)
		}
	}
	return nil
}

// Warnings lists the WARN findings in order.
func (v Verdict) Warnings() []string {
	var out []string
	for _, i := range v.Issues {
		if i.Severity == SeverityWarn {
			out = append(out, i.Message)
		}
	}
	return out
}

// judgeCrawl checks the orchestrator's report. The orchestrator has
// already failed the charity if a required source is unusable, so the
// findings here are about thin results: an empty site crawl is fatal,
// a crawl that parsed nothing useful is a warning.
func judgeCrawl(report orchestrator.Report) Verdict {
	v := Verdict{Phase: PhaseCrawl}

	site, ok := report.Source(collectors.SourceWebsite)
	if !ok || !site.Usable() {
		v.errorf("no usable website crawl in report")
		return v
	}
	if int(num(site.Parsed["pages_crawled"])) < 1 {
		v.errorf("website crawl produced no pages")
	}
	if int(num(site.Parsed["pages_with_data"])) == 0 {
		v.warnf("no crawled page yielded any field")
	}

	for _, sr := range report.Sources {
		switch sr.Status {
		case orchestrator.StatusNotFound:
			v.warnf("source %s reports charity not listed", sr.Source)
		case orchestrator.StatusBackoff:
			v.warnf("source %s skipped, in backoff: %s", sr.Source, sr.Err)
		case orchestrator.StatusPermanent:
			v.warnf("source %s permanently failed: %s", sr.Source, sr.Err)
		}
	}
	return v
}

// judgeExtract checks the re-parsed source documents for coverage and
// for EIN agreement across sources. A recorded not-found keeps a
// missing accreditation report at warning level; every other required
// source must parse.
func judgeExtract(ch charity.Charity, docs map[string]map[string]any, recs []store.RawRecord) Verdict {
	v := Verdict{Phase: PhaseExtract}

	accredNotFound := false
	for _, rec := range recs {
		if rec.Source == collectors.SourceAccreditation && !rec.Success &&
			collectors.IsNotFound(rec.ErrorMessage) {
			accredNotFound = true
		}
	}

	for _, src := range collectors.RequiredSources() {
		if _, ok := docs[src]; ok {
			continue
		}
		if src == collectors.SourceAccreditation && accredNotFound {
			v.warnf("no accreditation report for this charity")
			continue
		}
		v.errorf("required source %s did not parse", src)
	}

	if pp, ok := docs[collectors.SourcePropublica]; ok {
		if ein := str(pp["ein"]); ein != "" {
			if norm, err := charity.NormalizeEIN(ein); err == nil && norm != ch.EIN {
				v.errorf("propublica reports EIN %s, expected %s", norm, ch.EIN)
			}
		}
	}
	if site, ok := docs[collectors.SourceWebsite]; ok {
		if fields, ok := site["fields"].(map[string]any); ok {
			if ein := str(fields["ein"]); ein != "" {
				if norm, err := charity.NormalizeEIN(ein); err == nil && norm != ch.EIN {
					v.warnf("website states EIN %s, expected %s", norm, ch.EIN)
				}
			}
		}
	}
	return v
}

// judgeDiscover flags a discover pass where every query came back
// empty. That usually means grounding found nothing for this charity,
// which is worth a human look but not a failure.
func judgeDiscover(disc *evaluate.Discovery) Verdict {
	v := Verdict{Phase: PhaseDiscover}
	if disc.Asked > 0 && disc.Answered == 0 {
		v.warnf("all %d discovery queries came back empty", disc.Asked)
	}
	return v
}

// judgeSynthesize checks evidence completeness. Individual gaps are
// warnings; three or more of the core fields missing means the
// document is too thin to score honestly.
func judgeSynthesize(gaps []string) Verdict {
	v := Verdict{Phase: PhaseSynthesize}
	if len(gaps) >= 3 {
		v.errorf("evidence too sparse to evaluate: missing %s", strings.Join(gaps, ", "))
		return v
	}
	for _, g := range gaps {
		v.warnf("no source provided %s", g)
	}
	return v
}

// judgeBaseline checks the scored evaluation's arithmetic and
// vocabulary: score ranges, component sum, tag validity, and that the
// narrative is actually present.
func judgeBaseline(ev evaluate.AmalEvaluation) Verdict {
	v := Verdict{Phase: PhaseBaseline}
	cs := ev.ConfidenceScores

	if ev.AmalScore < 0 || ev.AmalScore > 100 {
		v.errorf("amal_score %.1f outside [0,100]", ev.AmalScore)
	}
	if cs.Impact < 0 || cs.Impact > 50 {
		v.errorf("impact %.1f outside [0,50]", cs.Impact)
	}
	if cs.Alignment < 0 || cs.Alignment > 50 {
		v.errorf("alignment %.1f outside [0,50]", cs.Alignment)
	}
	if cs.DataConfidence < 0 || cs.DataConfidence > 1 {
		v.errorf("data_confidence %.2f outside [0,1]", cs.DataConfidence)
	}
	if sum := cs.Impact + cs.Alignment; math.Abs(ev.AmalScore-sum) > 0.5 {
		v.errorf("amal_score %.1f does not equal impact %.1f + alignment %.1f", ev.AmalScore, cs.Impact, cs.Alignment)
	}
	if !evaluate.ValidWalletTag(ev.WalletTag) {
		v.errorf("unknown wallet tag %q", ev.WalletTag)
	}
	if strings.TrimSpace(ev.BaselineNarrative.Headline) == "" ||
		strings.TrimSpace(ev.BaselineNarrative.Summary) == "" {
		v.errorf("baseline narrative is incomplete")
	}
	if cs.DataConfidence < 0.3 && ev.WalletTag != evaluate.TagInsufficientData {
		v.warnf("data_confidence %.2f without the %s tag", cs.DataConfidence, evaluate.TagInsufficientData)
	}
	return v
}

// judgeRich checks citation integrity on the stored narrative: every
// marker resolves, ids are unique, every citation carries a URL. A
// narrative with no citations at all is suspicious but allowed.
func judgeRich(n *evaluate.RichNarrative, cites []store.Citation) Verdict {
	v := Verdict{Phase: PhaseRich}
	if n == nil || strings.TrimSpace(n.Overview) == "" {
		v.errorf("narrative has no overview")
		return v
	}
	if dangling := n.DanglingMarkers(); len(dangling) > 0 {
		v.errorf("citation markers without entries: %s", strings.Join(dangling, ", "))
	}
	seen := make(map[string]bool, len(cites))
	for _, c := range cites {
		if c.SourceURL == "" {
			v.errorf("citation %s has no source URL", c.ID)
		}
		if seen[c.ID] {
			v.errorf("citation id %s appears twice", c.ID)
		}
		seen[c.ID] = true
	}
	if len(cites) == 0 {
		v.warnf("narrative cites no sources")
	}
	return v
}

// judgeJudgment sanity checks the auditor's own output. A score below
// the export threshold is the auditor doing its job, so that is a
// warning on the result, not a failure.
func judgeJudgment(jr *evaluate.JudgeResult, threshold float64) Verdict {
	v := Verdict{Phase: PhaseJudge}
	if jr.Score < 0 || jr.Score > 100 {
		v.errorf("judge score %.1f outside [0,100]", jr.Score)
		return v
	}
	if strings.TrimSpace(jr.Summary) == "" {
		v.warnf("judge returned no summary")
	}
	if jr.Score < threshold {
		v.warnf("judge score %.0f below export threshold %.0f", jr.Score, threshold)
	}
	return v
}
