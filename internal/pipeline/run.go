package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
	"github.com/amalgiving/amaldata/internal/evaluate"
	"github.com/amalgiving/amaldata/internal/export"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/orchestrator"
	"github.com/amalgiving/amaldata/internal/store"
)

// discoverSource is the raw-record source name the discover phase
// stores its answers under, alongside the collector rows.
const discoverSource = "discover"

// discoverKnownFields are the site-extracted fields discover consults
// before deciding which queries it can skip.
var discoverKnownFields = []string{"founded_year", "leadership"}

// charityState carries one charity's working set through the phases.
// A phase that runs fills its slot directly; a cached phase refills it
// from the store.
type charityState struct {
	ch     charity.Charity
	ran    map[Phase]bool
	cached []Phase
	warns  []string
	cost   map[Phase]float64

	report     orchestrator.Report
	docs       map[string]map[string]any
	discovered map[string]any
	evidence   map[string]any
	gaps       []string
	eval       evaluate.AmalEvaluation
	tier       string
	judgment   *evaluate.JudgeResult
	citations  []store.Citation
}

// runCharity takes one charity through every phase and, when it
// qualifies, writes its dataset detail file.
func (p *Pipeline) runCharity(ctx context.Context, ch charity.Charity) CharityResult {
	res := CharityResult{Charity: ch}
	if err := p.store.UpsertCharity(ch.EIN, ch.Name, ch.Website); err != nil {
		res.Err = fmt.Errorf("register charity: %w", err)
		return res
	}

	st := &charityState{
		ch:   ch,
		ran:  make(map[Phase]bool, len(phaseOrder)),
		cost: make(map[Phase]float64, len(phaseOrder)),
	}
	for _, ph := range phaseOrder {
		d := p.decide(ch.EIN, ph, st.ran)
		if !d.Run {
			if err := p.loadPhase(ph, st); err != nil {
				logger.Debug("cached phase would not load, rerunning",
					"charity", ch.EIN, "phase", ph, "error", err)
				d = Decision{Phase: ph, Run: true, Reason: "cached output missing"}
			} else {
				st.cached = append(st.cached, ph)
				continue
			}
		}

		logger.Debug("phase starting", "charity", ch.EIN, "phase", ph, "reason", d.Reason)
		cost, cacheable, err := p.runPhase(ctx, ph, st)
		if cost > 0 {
			st.cost[ph] += cost
		}
		if err != nil {
			if derr := p.store.DeletePhaseEntry(ch.EIN, string(ph)); derr != nil {
				logger.Error("phase cache eviction failed",
					"charity", ch.EIN, "phase", ph, "error", derr)
			}
			res.Err = fmt.Errorf("%s: %w", ph, err)
			break
		}
		st.ran[ph] = true
		if cacheable {
			entry := store.PhaseEntry{
				CharityID:   ch.EIN,
				Phase:       string(ph),
				Fingerprint: p.Fingerprint(ph),
				RanAt:       p.now(),
				CostUSD:     cost,
			}
			if uerr := p.store.UpsertPhaseEntry(entry); uerr != nil {
				logger.Error("phase cache write failed",
					"charity", ch.EIN, "phase", ph, "error", uerr)
			}
		}
	}

	res.Cached = st.cached
	res.Warnings = st.warns
	res.CostByPhase = st.cost
	for _, c := range st.cost {
		res.CostUSD += c
	}
	if res.Err != nil {
		return res
	}

	res.OK = true
	res.AmalScore = st.eval.AmalScore
	res.WalletTag = st.eval.WalletTag
	res.Tier = st.tier
	if st.judgment != nil {
		res.JudgeScore = st.judgment.Score
	}

	if p.cfg.SkipExport {
		return res
	}
	if res.JudgeScore < p.cfg.JudgeThreshold {
		logger.Info("charity held back from export",
			"charity", ch.EIN, "judge_score", res.JudgeScore, "threshold", p.cfg.JudgeThreshold)
		return res
	}
	path, err := p.exportDetail(st)
	if err != nil {
		res.OK = false
		res.Err = fmt.Errorf("export: %w", err)
		return res
	}
	res.Exported = true
	res.ExportPath = path
	return res
}

// runPhase executes one phase. It returns the phase's LLM spend,
// whether the result may be cached, and the failure if any.
func (p *Pipeline) runPhase(ctx context.Context, ph Phase, st *charityState) (float64, bool, error) {
	switch ph {
	case PhaseCrawl:
		return p.runCrawl(ctx, st)
	case PhaseExtract:
		return p.runExtract(ctx, st)
	case PhaseDiscover:
		return p.runDiscover(ctx, st)
	case PhaseSynthesize:
		return p.runSynthesize(st)
	case PhaseBaseline:
		return p.runBaseline(ctx, st)
	case PhaseRich:
		return p.runRich(ctx, st)
	case PhaseJudge:
		return p.runJudge(ctx, st)
	}
	return 0, false, fmt.Errorf("unknown phase %q", ph)
}

// loadPhase refills the working set from the store for a phase being
// skipped. An error sends the phase back to runPhase.
func (p *Pipeline) loadPhase(ph Phase, st *charityState) error {
	switch ph {
	case PhaseCrawl:
		return p.loadCrawl(st)
	case PhaseExtract:
		return p.loadExtract(st)
	case PhaseDiscover:
		return p.loadDiscover(st)
	case PhaseSynthesize:
		return p.loadSynthesize(st)
	case PhaseBaseline:
		return p.loadBaseline(st)
	case PhaseRich:
		return p.loadRich(st)
	case PhaseJudge:
		return p.loadJudge(st)
	}
	return fmt.Errorf("unknown phase %q", ph)
}

// applyJudge records a verdict's warnings on the state and surfaces
// its first error.
func (p *Pipeline) applyJudge(v Verdict, st *charityState) error {
	for _, w := range v.Warnings() {
		st.warns = append(st.warns, fmt.Sprintf("%s: %s", v.Phase, w))
		logger.Warn("quality check", "charity", st.ch.EIN, "phase", v.Phase, "issue", w)
	}
	if err := v.Err(); err != nil {
		return fmt.Errorf("quality check: %w", err)
	}
	return nil
}

func (p *Pipeline) runCrawl(ctx context.Context, st *charityState) (float64, bool, error) {
	report := p.orch.Run(ctx, st.ch)
	st.report = report

	// The site extraction is the one collector that spends LLM money
	// during fetch. Count it only when it actually fetched.
	cost := 0.0
	if site, ok := report.Source(collectors.SourceWebsite); ok && site.Status == orchestrator.StatusFetched {
		cost = num(site.Parsed["llm_cost_usd"])
	}

	if !report.OK {
		return cost, false, fmt.Errorf("required sources unusable: %s",
			strings.Join(report.MissingRequired, ", "))
	}
	if err := p.applyJudge(judgeCrawl(report), st); err != nil {
		return cost, false, err
	}
	return cost, true, nil
}

func (p *Pipeline) loadCrawl(st *charityState) error {
	recs, err := p.store.RawRecords(st.ch.EIN)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Source == collectors.SourceWebsite && rec.Success {
			return nil
		}
	}
	return errors.New("no stored website crawl")
}

// runExtract re-parses every stored raw payload with the current
// collectors and refreshes the parsed documents in place. No network,
// no model calls: parser fixes reach old crawls through this phase.
func (p *Pipeline) runExtract(ctx context.Context, st *charityState) (float64, bool, error) {
	recs, err := p.store.RawRecords(st.ch.EIN)
	if err != nil {
		return 0, false, err
	}

	docs := make(map[string]map[string]any, len(recs))
	for _, rec := range recs {
		if rec.Source == discoverSource || !rec.Success {
			continue
		}
		col, ok := p.cols[rec.Source]
		if !ok || rec.RawPayload == "" {
			// No collector or no payload to re-parse; the stored
			// parse is the best available.
			if rec.Parsed != nil {
				docs[rec.Source] = rec.Parsed
			}
			continue
		}
		pr := col.Parse(ctx, rec.RawPayload, st.ch)
		if !pr.OK {
			logger.Warn("stored payload no longer parses",
				"charity", st.ch.EIN, "source", rec.Source, "error", pr.Err)
			continue
		}
		docs[rec.Source] = pr.ParsedData
		rec.Parsed = pr.ParsedData
		if uerr := p.store.UpsertRawRecord(rec); uerr != nil {
			logger.Error("parsed document refresh failed",
				"charity", st.ch.EIN, "source", rec.Source, "error", uerr)
		}
	}
	st.docs = docs

	if err := p.applyJudge(judgeExtract(st.ch, docs, recs), st); err != nil {
		return 0, false, err
	}
	return 0, true, nil
}

func (p *Pipeline) loadExtract(st *charityState) error {
	recs, err := p.store.RawRecords(st.ch.EIN)
	if err != nil {
		return err
	}
	docs := make(map[string]map[string]any, len(recs))
	for _, rec := range recs {
		if rec.Source == discoverSource || !rec.Success || rec.Parsed == nil {
			continue
		}
		docs[rec.Source] = rec.Parsed
	}
	if len(docs) == 0 {
		return errors.New("no parsed source documents in store")
	}
	st.docs = docs
	return nil
}

// runDiscover fills the gaps the site crawl left with search-grounded
// queries and stores the answers as their own raw record. A pass where
// every query came back empty is not cached, so the next run asks
// again.
func (p *Pipeline) runDiscover(ctx context.Context, st *charityState) (float64, bool, error) {
	known := make(map[string]any)
	if site, ok := st.docs[collectors.SourceWebsite]; ok {
		if fields, ok := site["fields"].(map[string]any); ok {
			for _, f := range discoverKnownFields {
				if v, ok := fields[f]; ok {
					known[f] = v
				}
			}
		}
	}

	disc, err := p.eval.Discover(ctx, st.ch, known)
	if err != nil {
		return 0, false, err
	}
	st.discovered = disc.Fields

	doc := map[string]any{
		"fields":   disc.Fields,
		"asked":    disc.Asked,
		"answered": disc.Answered,
	}
	if len(disc.Sources) > 0 {
		srcs := make([]any, 0, len(disc.Sources))
		for _, s := range disc.Sources {
			srcs = append(srcs, map[string]any{"uri": s.URI, "title": s.Title})
		}
		doc["sources"] = srcs
	}
	rec := store.RawRecord{
		CharityID:   st.ch.EIN,
		Source:      discoverSource,
		ContentType: "application/json",
		Parsed:      doc,
		Success:     true,
		ScrapedAt:   p.now(),
		AttemptID:   uuid.NewString(),
	}
	if uerr := p.store.UpsertRawRecord(rec); uerr != nil {
		logger.Error("discover record write failed", "charity", st.ch.EIN, "error", uerr)
	}

	if err := p.applyJudge(judgeDiscover(disc), st); err != nil {
		return disc.CostUSD, false, err
	}
	cacheable := disc.Asked == 0 || disc.Answered > 0
	return disc.CostUSD, cacheable, nil
}

func (p *Pipeline) loadDiscover(st *charityState) error {
	rec, found, err := p.store.RawRecord(st.ch.EIN, discoverSource)
	if err != nil {
		return err
	}
	if !found || !rec.Success || rec.Parsed == nil {
		return errors.New("no stored discovery record")
	}
	fields, _ := rec.Parsed["fields"].(map[string]any)
	st.discovered = fields
	return nil
}

// runSynthesize merges the source documents into the evidence document
// and persists it with its provenance and gap list attached.
func (p *Pipeline) runSynthesize(st *charityState) (float64, bool, error) {
	syn, err := evaluate.Synthesize(st.ch, st.docs, st.discovered)
	if err != nil {
		return 0, false, err
	}

	doc := syn.Document
	prov := make(map[string]any, len(syn.Provenance))
	for field, source := range syn.Provenance {
		prov[field] = source
	}
	doc["provenance"] = prov
	if len(syn.Gaps) > 0 {
		doc["data_gaps"] = syn.Gaps
	}
	if err := p.store.PutCharityData(st.ch.EIN, doc); err != nil {
		return 0, false, err
	}
	st.evidence = doc
	st.gaps = syn.Gaps

	if err := p.applyJudge(judgeSynthesize(syn.Gaps), st); err != nil {
		return 0, false, err
	}
	return 0, true, nil
}

func (p *Pipeline) loadSynthesize(st *charityState) error {
	doc, found, err := p.store.CharityData(st.ch.EIN)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no stored evidence document")
	}
	st.evidence = doc
	for _, g := range listOf(doc["data_gaps"]) {
		if s, ok := g.(string); ok {
			st.gaps = append(st.gaps, s)
		}
	}
	return nil
}

func (p *Pipeline) runBaseline(ctx context.Context, st *charityState) (float64, bool, error) {
	res, err := p.eval.Baseline(ctx, st.ch, st.evidence)
	if err != nil {
		return 0, false, err
	}
	st.eval = res.Evaluation
	st.tier = res.Tier

	if err := p.putEvaluation(st, PhaseBaseline, res.CostUSD); err != nil {
		return res.CostUSD, false, err
	}
	if err := p.applyJudge(judgeBaseline(st.eval), st); err != nil {
		return res.CostUSD, false, err
	}
	return res.CostUSD, true, nil
}

func (p *Pipeline) loadBaseline(st *charityState) error {
	row, found, err := p.store.Evaluation(st.ch.EIN)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no stored evaluation")
	}
	amal, ok := row.Document["amalEvaluation"].(map[string]any)
	if !ok {
		return errors.New("stored evaluation has no amalEvaluation")
	}
	var ev evaluate.AmalEvaluation
	if err := mapToStruct(amal, &ev); err != nil {
		return fmt.Errorf("stored evaluation did not decode: %w", err)
	}
	st.eval = ev
	st.tier = str(row.Document["tier"])
	if st.tier == "" {
		st.tier = evaluate.TierFor(ev.AmalScore, ev.WalletTag)
	}
	return nil
}

func (p *Pipeline) runRich(ctx context.Context, st *charityState) (float64, bool, error) {
	res, err := p.eval.Rich(ctx, st.ch, st.evidence, st.eval)
	if err != nil {
		return 0, false, err
	}
	st.eval.RichNarrative = res.Narrative

	cites := make([]store.Citation, 0, len(res.Citations))
	for _, c := range res.Citations {
		cites = append(cites, store.Citation{
			CharityID: st.ch.EIN,
			ID:        c.ID,
			SourceURL: c.SourceURL,
			Title:     c.Title,
			Quote:     c.Quote,
		})
	}
	st.citations = cites
	if err := p.store.ReplaceCitations(st.ch.EIN, cites); err != nil {
		return res.CostUSD, false, err
	}
	if err := p.putEvaluation(st, PhaseRich, res.CostUSD); err != nil {
		return res.CostUSD, false, err
	}
	if err := p.applyJudge(judgeRich(res.Narrative, cites), st); err != nil {
		return res.CostUSD, false, err
	}
	return res.CostUSD, true, nil
}

func (p *Pipeline) loadRich(st *charityState) error {
	if st.eval.RichNarrative == nil {
		return errors.New("stored evaluation has no rich narrative")
	}
	cites, err := p.store.Citations(st.ch.EIN)
	if err != nil {
		return err
	}
	st.citations = cites
	return nil
}

func (p *Pipeline) runJudge(ctx context.Context, st *charityState) (float64, bool, error) {
	res, err := p.eval.Judge(ctx, st.ch, st.evidence, st.eval)
	if err != nil {
		return 0, false, err
	}
	st.judgment = res

	if err := p.putEvaluation(st, PhaseJudge, res.CostUSD); err != nil {
		return res.CostUSD, false, err
	}
	if err := p.applyJudge(judgeJudgment(res, p.cfg.JudgeThreshold), st); err != nil {
		return res.CostUSD, false, err
	}
	return res.CostUSD, true, nil
}

func (p *Pipeline) loadJudge(st *charityState) error {
	row, found, err := p.store.Evaluation(st.ch.EIN)
	if err != nil {
		return err
	}
	if !found || row.JudgeScore == nil {
		return errors.New("no stored judge score")
	}
	jr := &evaluate.JudgeResult{Score: *row.JudgeScore}
	if block, ok := row.Document["judge"].(map[string]any); ok {
		jr.Summary = str(block["summary"])
		for _, it := range listOf(block["issues"]) {
			if s, ok := it.(string); ok {
				jr.Issues = append(jr.Issues, s)
			}
		}
	}
	st.judgment = jr
	return nil
}

// putEvaluation rewrites the charity's evaluation row from the current
// state. Called from inside each scoring phase, which passes its own
// spend as pending since the session bookkeeping records it only after
// the phase returns.
func (p *Pipeline) putEvaluation(st *charityState, pending Phase, pendingCost float64) error {
	amal, err := structToMap(st.eval)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	doc := map[string]any{
		"amalEvaluation": amal,
		"tier":           st.tier,
	}
	row := store.Evaluation{
		CharityID: st.ch.EIN,
		Document:  doc,
		CostUSD:   p.evaluationCost(st, pending, pendingCost),
	}
	if st.judgment != nil {
		block := map[string]any{
			"score":   st.judgment.Score,
			"summary": st.judgment.Summary,
		}
		if len(st.judgment.Issues) > 0 {
			block["issues"] = st.judgment.Issues
		}
		doc["judge"] = block
		score := st.judgment.Score
		row.JudgeScore = &score
	}
	return p.store.PutEvaluation(row)
}

// evaluationCost totals what the current evaluation content cost to
// produce: this session's spend for phases that ran, the cached
// entry's spend for phases that did not.
func (p *Pipeline) evaluationCost(st *charityState, pending Phase, pendingCost float64) float64 {
	total := 0.0
	for _, ph := range []Phase{PhaseBaseline, PhaseRich, PhaseJudge} {
		if ph == pending {
			total += pendingCost
			continue
		}
		if st.ran[ph] {
			total += st.cost[ph]
			continue
		}
		if e, found, err := p.store.PhaseEntry(st.ch.EIN, string(ph)); err == nil && found {
			total += e.CostUSD
		}
	}
	return total
}

// exportDetail assembles and writes the published per-charity file.
func (p *Pipeline) exportDetail(st *charityState) (string, error) {
	amal, err := structToMap(st.eval)
	if err != nil {
		return "", fmt.Errorf("encode evaluation: %w", err)
	}
	name := str(st.evidence["name"])
	if name == "" {
		name = st.ch.Name
	}
	d := export.Detail{
		Name:           name,
		EIN:            st.ch.EIN,
		ID:             st.ch.EIN,
		Category:       str(st.evidence["category"]),
		Tier:           st.tier,
		Mission:        str(st.evidence["mission"]),
		AmalEvaluation: amal,
		UISignals:      export.UISignals(st.tier, amal, len(st.citations)),
		Sources:        p.sourceStamps(st),
		ExportedAt:     p.now().UTC(),
	}
	return p.writer.WriteDetail(d)
}

// sourceStamps lists when each stored source was last fetched.
func (p *Pipeline) sourceStamps(st *charityState) []export.SourceStamp {
	recs, err := p.store.RawRecords(st.ch.EIN)
	if err != nil {
		logger.Warn("source stamps unavailable", "charity", st.ch.EIN, "error", err)
		return nil
	}
	var out []export.SourceStamp
	for _, rec := range recs {
		if !rec.Success {
			continue
		}
		out = append(out, export.SourceStamp{
			Source:    rec.Source,
			FetchedAt: rec.ScrapedAt.UTC(),
		})
	}
	return out
}

func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToStruct(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func listOf(v any) []any {
	l, _ := v.([]any)
	return l
}
