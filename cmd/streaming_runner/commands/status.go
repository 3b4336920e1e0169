package commands

import (
	"os"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/output"
	"github.com/amalgiving/amaldata/internal/pipeline"
)

// charityPlan is the --dry-run document for one charity.
type charityPlan struct {
	Name   string              `json:"name"`
	EIN    string              `json:"ein"`
	Phases []pipeline.Decision `json:"phases"`
}

// charityCache is the --cache-status document for one charity.
type charityCache struct {
	Name   string                 `json:"name"`
	EIN    string                 `json:"ein"`
	Phases []pipeline.PhaseStatus `json:"phases"`
}

// renderPlans prints what a run would decide, per charity per phase,
// without executing anything.
func renderPlans(p *pipeline.Pipeline, charities []charity.Charity, format string) error {
	w, err := stdoutWriter(format)
	if err != nil {
		return err
	}
	for _, ch := range charities {
		doc := charityPlan{Name: ch.Name, EIN: ch.EIN, Phases: p.Plan(ch.EIN)}
		if err := w.Write(doc); err != nil {
			return err
		}
	}
	return w.Close()
}

// renderCacheStatus prints per-phase cache freshness for each charity.
func renderCacheStatus(p *pipeline.Pipeline, charities []charity.Charity, format string) error {
	w, err := stdoutWriter(format)
	if err != nil {
		return err
	}
	for _, ch := range charities {
		phases, err := p.CacheStatus(ch.EIN)
		if err != nil {
			return err
		}
		doc := charityCache{Name: ch.Name, EIN: ch.EIN, Phases: phases}
		if err := w.Write(doc); err != nil {
			return err
		}
	}
	return w.Close()
}

// stdoutWriter builds an output writer for the chosen format. An
// unknown format is invalid input.
func stdoutWriter(format string) (output.Writer, error) {
	w, err := output.NewWriter(os.Stdout, output.Format(format))
	if err != nil {
		return nil, &usageError{err: err}
	}
	return w, nil
}
