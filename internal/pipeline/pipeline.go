// Package pipeline drives each charity through the phase graph that
// produces the published dataset: crawl, extract, discover, synthesize,
// baseline, rich, judge, then export. Every phase's result is cached
// in the store under a fingerprint and a TTL, so re-runs only repeat
// the work whose inputs, code or age demand it. A pool of workers
// processes charities concurrently; each charity runs its phases in
// order on a single worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
	"github.com/amalgiving/amaldata/internal/evaluate"
	"github.com/amalgiving/amaldata/internal/export"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/orchestrator"
	"github.com/amalgiving/amaldata/internal/store"
)

// Config tunes a pipeline run.
type Config struct {
	// Workers is the number of charities processed concurrently.
	Workers int
	// JudgeThreshold is the minimum judge score a charity needs to be
	// exported. Charities below it complete normally but stay out of
	// the published dataset.
	JudgeThreshold float64
	// CheckpointEvery commits the store after that many charities.
	// Zero commits only at the end of the run.
	CheckpointEvery int
	// SkipExport runs the phases but writes no dataset files.
	SkipExport bool
	// ForceAll reruns every phase regardless of cache state.
	ForceAll bool
	// ForcePhases reruns the named phases; their downstreams rerun by
	// cascade.
	ForcePhases []string
	// ExportDir is the dataset root the export writer manages.
	ExportDir string
	// Model names the LLM in use. It feeds the fingerprints of the
	// phases that call it.
	Model string
	// Tag, when set, tags the final commit under this name.
	Tag string
	// OnResult, when set, is called once per finished charity with the
	// completion count so far. Calls are serialized.
	OnResult func(res CharityResult, done, total int)
}

// DefaultConfig returns the settings a plain run uses.
func DefaultConfig() Config {
	return Config{
		Workers:        20,
		JudgeThreshold: 60,
		ExportDir:      "export",
	}
}

// Option adjusts a Pipeline at construction.
type Option func(*Pipeline)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// Pipeline wires the store, the crawl orchestrator and the evaluator
// into the phase graph.
type Pipeline struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	eval   *evaluate.Evaluator
	cols   map[string]collectors.Collector
	writer *export.Writer
	cfg    Config
	force  map[Phase]bool
	now    func() time.Time
}

// New builds a pipeline over the given store, orchestrator, evaluator
// and collector set.
func New(st *store.Store, orch *orchestrator.Orchestrator, ev *evaluate.Evaluator, cols []collectors.Collector, opts ...Option) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if orch == nil {
		return nil, errors.New("pipeline: orchestrator is required")
	}
	if ev == nil {
		return nil, errors.New("pipeline: evaluator is required")
	}

	p := &Pipeline{
		store: st,
		orch:  orch,
		eval:  ev,
		cols:  make(map[string]collectors.Collector, len(cols)),
		cfg:   DefaultConfig(),
		now:   time.Now,
	}
	for _, c := range cols {
		p.cols[c.SourceName()] = c
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cfg.Workers <= 0 {
		p.cfg.Workers = DefaultConfig().Workers
	}
	p.force = make(map[Phase]bool, len(p.cfg.ForcePhases))
	for _, name := range p.cfg.ForcePhases {
		if !KnownPhase(name) {
			return nil, fmt.Errorf("pipeline: unknown phase %q", name)
		}
		p.force[Phase(name)] = true
	}
	p.writer = export.NewWriter(p.cfg.ExportDir)
	return p, nil
}

// CharityResult is one charity's outcome for a run.
type CharityResult struct {
	Charity     charity.Charity
	OK          bool
	Err         error
	AmalScore   float64
	WalletTag   string
	Tier        string
	JudgeScore  float64
	CostUSD     float64
	CostByPhase map[Phase]float64
	Cached      []Phase
	Warnings    []string
	Exported    bool
	ExportPath  string
}

// Summary aggregates a whole run.
type Summary struct {
	RunID       string
	Results     []CharityResult
	Succeeded   int
	Failed      int
	Exported    int
	TotalCost   float64
	CostByPhase map[Phase]float64
	Commit      string
	Index       *export.Index
	IndexPath   string
}

// Run processes the charities through the phase graph, commits the
// store, and rebuilds the dataset index. Results arrive in completion
// order. A charity's failure is recorded in its result, not returned;
// Run's own error means the run infrastructure failed, including the
// case where no charity qualified for export.
func (p *Pipeline) Run(ctx context.Context, charities []charity.Charity) (*Summary, error) {
	total := len(charities)
	queue := make(chan charity.Charity, total)
	for _, ch := range charities {
		queue <- ch
	}
	close(queue)

	sum := &Summary{RunID: uuid.NewString(), CostByPhase: make(map[Phase]float64)}
	var mu sync.Mutex
	done := 0

	logger.Info("run starting",
		"run_id", sum.RunID, "charities", total, "workers", p.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for ch := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				res := p.runCharity(gctx, ch)

				mu.Lock()
				sum.Results = append(sum.Results, res)
				if res.OK {
					sum.Succeeded++
				} else {
					sum.Failed++
				}
				if res.Exported {
					sum.Exported++
				}
				sum.TotalCost += res.CostUSD
				for ph, c := range res.CostByPhase {
					sum.CostByPhase[ph] += c
				}
				done++
				n := done
				if p.cfg.OnResult != nil {
					p.cfg.OnResult(res, n, total)
				}
				mu.Unlock()

				if p.cfg.CheckpointEvery > 0 && n%p.cfg.CheckpointEvery == 0 && n < total {
					if _, err := p.store.Commit(fmt.Sprintf("checkpoint: %d/%d charities", n, total)); err != nil {
						logger.Error("checkpoint commit failed", "completed", n, "error", err)
					} else {
						logger.Info("checkpoint committed", "completed", n, "total", total)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	hash, err := p.store.Commit(fmt.Sprintf("run: %d/%d charities succeeded", sum.Succeeded, total))
	if err != nil {
		return sum, fmt.Errorf("final commit: %w", err)
	}
	sum.Commit = hash
	if p.cfg.Tag != "" {
		msg := fmt.Sprintf("%d succeeded, %d failed, %d exported", sum.Succeeded, sum.Failed, sum.Exported)
		if err := p.store.Tag(p.cfg.Tag, msg, hash); err != nil {
			logger.Warn("tagging commit failed", "tag", p.cfg.Tag, "error", err)
		}
	}

	if !p.cfg.SkipExport {
		eins := make([]string, 0, sum.Exported)
		for _, r := range sum.Results {
			if r.Exported {
				eins = append(eins, r.Charity.EIN)
			}
		}
		idx, err := p.writer.Rebuild(hash, eins)
		if err != nil {
			return sum, fmt.Errorf("dataset index: %w", err)
		}
		sum.Index = idx
		sum.IndexPath = p.writer.IndexPath()
	}

	logger.Info("run finished",
		"run_id", sum.RunID, "succeeded", sum.Succeeded, "failed", sum.Failed,
		"exported", sum.Exported, "cost_usd", sum.TotalCost)
	return sum, nil
}
