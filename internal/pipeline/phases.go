package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/amalgiving/amaldata/internal/evaluate"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/store"
)

// Phase names one stage of the per-charity pipeline.
type Phase string

const (
	PhaseCrawl      Phase = "crawl"
	PhaseExtract    Phase = "extract"
	PhaseDiscover   Phase = "discover"
	PhaseSynthesize Phase = "synthesize"
	PhaseBaseline   Phase = "baseline"
	PhaseRich       Phase = "rich"
	PhaseJudge      Phase = "judge"
)

// phaseOrder is the execution order. Extract and discover both hang
// off crawl alone; extract runs first so the site's own answers are in
// hand when discover decides which questions it can skip.
var phaseOrder = []Phase{
	PhaseCrawl, PhaseExtract, PhaseDiscover,
	PhaseSynthesize, PhaseBaseline, PhaseRich, PhaseJudge,
}

// phaseDeps maps each phase to its direct upstream phases. When an
// upstream phase runs in a session, every phase below it reruns too,
// transitively through these edges.
var phaseDeps = map[Phase][]Phase{
	PhaseExtract:    {PhaseCrawl},
	PhaseDiscover:   {PhaseCrawl},
	PhaseSynthesize: {PhaseExtract, PhaseDiscover},
	PhaseBaseline:   {PhaseSynthesize},
	PhaseRich:       {PhaseBaseline},
	PhaseJudge:      {PhaseRich},
}

const day = 24 * time.Hour

// phaseTTL bounds how long a cached result may stand in for a run.
// Zero means the result lives until its fingerprint changes: extract
// and synthesize are deterministic over stored inputs, so time alone
// never invalidates them.
var phaseTTL = map[Phase]time.Duration{
	PhaseCrawl:      30 * day,
	PhaseExtract:    0,
	PhaseDiscover:   14 * day,
	PhaseSynthesize: 0,
	PhaseBaseline:   90 * day,
	PhaseRich:       90 * day,
	PhaseJudge:      90 * day,
}

// Code versions for the phases this package implements directly. Bump
// on behavior changes so stale cache entries stop matching. The LLM
// phases version with their prompts in internal/evaluate.
const (
	crawlVersion   = "crawl-v3"
	extractVersion = "extract-v2"
)

var phaseVersion = map[Phase]string{
	PhaseCrawl:      crawlVersion,
	PhaseExtract:    extractVersion,
	PhaseDiscover:   evaluate.DiscoverVersion,
	PhaseSynthesize: evaluate.SynthesizeVersion,
	PhaseBaseline:   evaluate.BaselineVersion,
	PhaseRich:       evaluate.RichVersion,
	PhaseJudge:      evaluate.JudgeVersion,
}

// Phases lists the cached phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// KnownPhase reports whether name is a phase that can be forced.
func KnownPhase(name string) bool {
	_, ok := phaseVersion[Phase(name)]
	return ok
}

// Fingerprint digests everything that defines a phase's behavior: the
// phase's code version, and the model name for phases that call one.
// A cached result serves only while its fingerprint still matches.
func (p *Pipeline) Fingerprint(ph Phase) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", ph, phaseVersion[ph])
	switch ph {
	case PhaseDiscover, PhaseBaseline, PhaseRich, PhaseJudge:
		fmt.Fprintf(h, "model=%s\n", p.cfg.Model)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Decision is one phase's run-or-skip call for one charity.
type Decision struct {
	Phase  Phase  `json:"phase"`
	Run    bool   `json:"run"`
	Reason string `json:"reason"`
}

// decide applies the cache rules for one phase, in precedence order:
// force flags, cascade from an upstream run, then the stored entry's
// fingerprint and age. ran holds the phases that executed earlier in
// this session for the same charity.
func (p *Pipeline) decide(ein string, ph Phase, ran map[Phase]bool) Decision {
	if p.cfg.ForceAll {
		return Decision{Phase: ph, Run: true, Reason: "forced"}
	}
	if p.force[ph] {
		return Decision{Phase: ph, Run: true, Reason: "forced"}
	}
	for _, dep := range phaseDeps[ph] {
		if ran[dep] {
			return Decision{Phase: ph, Run: true, Reason: "cascade from " + string(dep)}
		}
	}
	entry, found, err := p.store.PhaseEntry(ein, string(ph))
	if err != nil {
		logger.Warn("phase cache read failed", "charity", ein, "phase", ph, "error", err)
		return Decision{Phase: ph, Run: true, Reason: "cache unreadable"}
	}
	if !found {
		return Decision{Phase: ph, Run: true, Reason: "no cached run"}
	}
	if entry.Fingerprint != p.Fingerprint(ph) {
		return Decision{Phase: ph, Run: true, Reason: "fingerprint changed"}
	}
	if ttl := phaseTTL[ph]; ttl > 0 {
		if age := p.now().Sub(entry.RanAt); age > ttl {
			return Decision{Phase: ph, Run: true,
				Reason: fmt.Sprintf("expired (ran %s ago, ttl %s)", age.Round(time.Hour), ttl)}
		}
	}
	return Decision{Phase: ph, Run: false, Reason: "cached"}
}

// Plan previews the run-or-skip decision for every phase without
// executing anything. Backs --dry-run.
func (p *Pipeline) Plan(ein string) []Decision {
	ran := make(map[Phase]bool, len(phaseOrder))
	out := make([]Decision, 0, len(phaseOrder))
	for _, ph := range phaseOrder {
		d := p.decide(ein, ph, ran)
		if d.Run {
			ran[ph] = true
		}
		out = append(out, d)
	}
	return out
}

// PhaseStatus is one row of cache-status output.
type PhaseStatus struct {
	Phase   Phase     `json:"phase"`
	Cached  bool      `json:"cached"`
	Current bool      `json:"current"`
	Fresh   bool      `json:"fresh"`
	RanAt   time.Time `json:"ran_at"`
	Age     string    `json:"age,omitempty"`
	CostUSD float64   `json:"cost_usd,omitempty"`
}

// CacheStatus reports each phase's cache entry for one charity:
// whether one exists, whether its fingerprint still matches, and
// whether it is inside its TTL.
func (p *Pipeline) CacheStatus(ein string) ([]PhaseStatus, error) {
	entries, err := p.store.PhaseEntries(ein)
	if err != nil {
		return nil, err
	}
	byPhase := make(map[string]store.PhaseEntry, len(entries))
	for _, e := range entries {
		byPhase[e.Phase] = e
	}

	out := make([]PhaseStatus, 0, len(phaseOrder))
	for _, ph := range phaseOrder {
		st := PhaseStatus{Phase: ph}
		if e, ok := byPhase[string(ph)]; ok {
			age := p.now().Sub(e.RanAt)
			st.Cached = true
			st.Current = e.Fingerprint == p.Fingerprint(ph)
			st.RanAt = e.RanAt
			st.Age = age.Round(time.Minute).String()
			st.CostUSD = e.CostUSD
			ttl := phaseTTL[ph]
			st.Fresh = st.Current && (ttl == 0 || age <= ttl)
		}
		out = append(out, st)
	}
	return out, nil
}
