// Package collectors gathers the third-party evidence record for one
// charity: IRS filings through the ProPublica API, the Charity Navigator
// and Candid profile pages, accreditation reports, grant schedules from
// 990 e-file XML, and the charity's own website.
//
// Every collector splits its work in two. Fetch touches the network and
// returns the raw payload; Parse is pure and turns a stored raw payload
// back into validated structured data. The split lets the orchestrator
// re-parse cached rows without refetching anything.
package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/crawler"
	"github.com/amalgiving/amaldata/internal/extract"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// Source names. These key raw rows, rate-limit buckets and retry state,
// so they must stay stable across releases.
const (
	SourcePropublica       = "propublica"
	SourceCharityNavigator = "charity_navigator"
	SourceCandid           = "candid"
	SourceAccreditation    = "accreditation"
	SourceGrants990        = "990_grants"
	SourceWebsite          = "website"
)

// ValidationPrefix marks errors that rerunning can never fix: the source
// answered, but what it said fails our checks. The orchestrator treats
// these as permanent and does not count them against the retry budget.
const ValidationPrefix = "VALIDATION_ERROR: "

func validationErrorf(format string, args ...any) string {
	return ValidationPrefix + fmt.Sprintf(format, args...)
}

// IsValidationError reports whether an error string records a permanent
// data problem rather than a transport failure.
func IsValidationError(msg string) bool {
	return strings.HasPrefix(msg, ValidationPrefix)
}

// IsNotFound reports whether an error string records a source that has
// no entry for the charity at all.
func IsNotFound(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") || strings.Contains(m, "http 404")
}

// FetchResult is the raw payload one collector pulled from its source.
type FetchResult struct {
	OK          bool              `json:"success"`
	RawData     string            `json:"raw_data,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Err         string            `json:"error,omitempty"`
}

// ParseResult is the validated structured form of a raw payload.
type ParseResult struct {
	OK         bool           `json:"success"`
	ParsedData map[string]any `json:"parsed_data,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// Collector is one evidence source. Fetch may take the network, Parse
// must not; Parse receives the stored raw payload, envelope included.
type Collector interface {
	// SourceName identifies the collector in raw rows, logs and errors.
	SourceName() string

	// SchemaKey names the charity_data document the parsed output is
	// stored under.
	SchemaKey() string

	Fetch(ctx context.Context, ch charity.Charity) FetchResult
	Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult
}

// CollectResult bundles one fetch-then-parse round for storage.
type CollectResult struct {
	Source      string         `json:"source"`
	SchemaKey   string         `json:"schema_key"`
	OK          bool           `json:"success"`
	Raw         string         `json:"raw,omitempty"` // envelope, as written to raw_scraped_data
	ContentType string         `json:"content_type,omitempty"`
	Parsed      map[string]any `json:"parsed,omitempty"`
	Err         string         `json:"error,omitempty"`
}

// Collect runs one collector end to end. A fetch failure short-circuits;
// a parse failure still carries the raw payload so it can be stored and
// re-parsed later.
func Collect(ctx context.Context, c Collector, ch charity.Charity) CollectResult {
	out := CollectResult{Source: c.SourceName(), SchemaKey: c.SchemaKey()}

	fr := c.Fetch(ctx, ch)
	if !fr.OK {
		out.Err = fr.Err
		return out
	}
	out.Raw = EncodeEnvelope(fr.Metadata, fr.RawData)
	out.ContentType = fr.ContentType

	pr := c.Parse(ctx, out.Raw, ch)
	if !pr.OK {
		out.Err = pr.Err
		return out
	}
	out.OK = true
	out.Parsed = pr.ParsedData
	return out
}

// Deps carries the shared collaborators collectors draw from. Factories
// take what they need and ignore the rest.
type Deps struct {
	Client   *fetch.Client
	Provider llm.Provider // nil disables LLM fallbacks

	// Renderer, when set, lets page extraction re-render pages whose
	// static HTML has no usable text through a headless browser.
	Renderer extract.Renderer

	// PDFDir and XMLCacheDir root the on-disk document stores. Empty
	// values fall back under ~/.amaldata.
	PDFDir      string
	XMLCacheDir string

	// Crawl configures the website collector. The zero value means
	// crawler defaults.
	Crawl  crawler.Config
	States *fetch.StateStore
}

// Factory builds a collector from shared dependencies.
type Factory func(Deps) Collector

var registry = map[string]Factory{}

// Register makes a collector constructible by name. Collectors call it
// from init; a duplicate name is a programming error.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic("collectors: duplicate registration: " + name)
	}
	registry[name] = f
}

// New builds the named collector.
func New(name string, deps Deps) (Collector, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown collector %q (have: %s)", name, strings.Join(Names(), ", "))
	}
	return f(deps), nil
}

// Names lists registered collectors, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredSources lists the sources every charity must produce, in
// collection order. Accreditation stays on the list, but a genuine
// not-found from it is an acceptable miss: most small charities have
// no report.
func RequiredSources() []string {
	return []string{
		SourcePropublica,
		SourceCharityNavigator,
		SourceCandid,
		SourceGrants990,
		SourceWebsite,
		SourceAccreditation,
	}
}

// All builds every registered collector in RequiredSources order, with
// any extras appended alphabetically.
func All(deps Deps) []Collector {
	seen := make(map[string]bool, len(registry))
	var out []Collector
	for _, name := range RequiredSources() {
		if f, ok := registry[name]; ok {
			out = append(out, f(deps))
			seen[name] = true
		}
	}
	for _, name := range Names() {
		if !seen[name] {
			out = append(out, registry[name](deps))
		}
	}
	return out
}

// Per-source request floors and fetch deadlines. Public APIs get a
// slower cadence than pages behind the impersonation ladder; the
// website collector runs under the crawl budget instead.
const (
	propublicaInterval = 2 * time.Second
	navigatorInterval  = 3 * time.Second
	candidInterval     = 3 * time.Second
	giveOrgInterval    = 3 * time.Second
	grantsInterval     = 2 * time.Second

	propublicaTimeout = 15 * time.Second
	navigatorTimeout  = 30 * time.Second
	candidTimeout     = 20 * time.Second
	giveOrgTimeout    = 30 * time.Second
	grantsTimeout     = 30 * time.Second
)

// defaultDataDir roots on-disk artifacts when the caller configures no
// directory: ~/.amaldata, or ./.amaldata when the home lookup fails.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amaldata"
	}
	return filepath.Join(home, ".amaldata")
}

// einDigits strips the dash from a normalized EIN for APIs that key on
// the bare nine digits.
func einDigits(ein string) string {
	return strings.ReplaceAll(ein, "-", "")
}

// validateDoc runs a typed document through its schema and flattens it
// to the map form stored in charity_data. Validation failures are
// permanent: the data itself is wrong, not the transport.
func validateDoc(s schema.Schema, doc any) (map[string]any, string) {
	if verrs := s.Validate(doc); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.Error()
		}
		return nil, validationErrorf("%s: %s", s.Name, strings.Join(msgs, "; "))
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, validationErrorf("encode %s document: %v", s.Name, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, validationErrorf("flatten %s document: %v", s.Name, err)
	}
	return m, ""
}

// waitFor sleeps unless the context ends first.
func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
