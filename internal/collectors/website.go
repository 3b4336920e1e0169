package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/crawler"
	"github.com/amalgiving/amaldata/internal/extract"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/pdfkit"
)

// websiteMaxPDFs caps how many discovered documents are downloaded per
// charity.
const websiteMaxPDFs = 5

func init() {
	Register(SourceWebsite, func(d Deps) Collector {
		cfg := d.Crawl
		if cfg == (crawler.Config{}) {
			cfg = crawler.DefaultConfig()
		}
		opts := []crawler.Option{crawler.WithConfig(cfg)}
		if d.States != nil {
			opts = append(opts, crawler.WithStateStore(d.States))
		}
		pdfDir := d.PDFDir
		if pdfDir == "" {
			pdfDir = filepath.Join(defaultDataDir(), "pdfs")
		}
		var exOpts []extract.Option
		if d.Renderer != nil {
			exOpts = append(exOpts, extract.WithRenderer(d.Renderer))
		}
		return &websiteCollector{
			crawler:   crawler.New(d.Client, extract.New(d.Provider, exOpts...), opts...),
			downloads: pdfkit.NewDownloader(d.Client, pdfDir),
			form990:   pdfkit.NewForm990Parser(d.Provider),
			maxPDFs:   websiteMaxPDFs,
		}
	})
}

// websiteCollector is the charity's own site as an evidence source: a
// budgeted crawl, per-page extraction, document downloads and a parse
// of the newest Form 990 PDF, merged into one profile document.
type websiteCollector struct {
	crawler   *crawler.Crawler
	downloads *pdfkit.Downloader
	form990   *pdfkit.Form990Parser
	maxPDFs   int
}

func (w *websiteCollector) SourceName() string { return SourceWebsite }
func (w *websiteCollector) SchemaKey() string  { return "website_profile" }

// websiteRaw is the stored crawl bundle. Parse works from this alone,
// so a cached bundle replays without any network.
type websiteRaw struct {
	Crawl      *crawler.CrawlResult `json:"crawl"`
	PDFs       []pdfkit.Downloaded  `json:"pdfs,omitempty"`
	Form990    *pdfkit.Form990      `json:"form_990,omitempty"`
	LLMCostUSD float64              `json:"llm_cost_usd,omitempty"`
}

func (w *websiteCollector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	origin := ch.Origin()
	if origin == "" {
		return FetchResult{Err: validationErrorf("charity %s has no website to crawl", ch.EIN)}
	}

	res, err := w.crawler.Crawl(ctx, origin)
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("crawl %s: %v", origin, err)}
	}
	if len(res.Pages) == 0 {
		return FetchResult{Err: fmt.Sprintf("crawl %s fetched no pages", origin)}
	}

	bundle := websiteRaw{Crawl: res, LLMCostUSD: res.Stats.LLMCostUSD}
	if top := pdfkit.Prioritize(res.PDFs, w.maxPDFs); len(top) > 0 {
		downloaded, err := w.downloads.Download(ctx, ch.EIN, top)
		if err != nil {
			logger.Warn("pdf downloads failed", "charity", ch.EIN, "error", err)
		}
		bundle.PDFs = downloaded
	}
	if path := newestForm990(bundle.PDFs); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			f, cost, perr := w.form990.Parse(ctx, data)
			bundle.LLMCostUSD += cost
			if perr != nil {
				logger.Debug("form 990 pdf did not parse", "charity", ch.EIN, "error", perr)
			} else {
				bundle.Form990 = f
			}
		}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("encode crawl bundle: %v", err)}
	}
	return FetchResult{
		OK:          true,
		RawData:     string(data),
		ContentType: "application/json",
		Metadata: map[string]string{
			"origin": origin,
			"pages":  strconv.Itoa(len(res.Pages)),
		},
	}
}

// newestForm990 picks the most recent Form 990 among the downloads.
func newestForm990(pdfs []pdfkit.Downloaded) string {
	best := ""
	bestYear := -1
	for _, d := range pdfs {
		if d.Link.Type != pdfkit.DocForm990 || d.Path == "" {
			continue
		}
		if d.Link.FiscalYear > bestYear {
			best, bestYear = d.Path, d.Link.FiscalYear
		}
	}
	return best
}

// websiteDoc is the merged website profile. Fields is open-keyed, one
// value per extracted field, with per-field provenance alongside.
type websiteDoc struct {
	EIN           string                    `json:"ein"`
	Origin        string                    `json:"origin"`
	Fields        map[string]any            `json:"fields,omitempty"`
	Sources       map[string]extract.Source `json:"extraction_sources,omitempty"`
	PagesCrawled  int                       `json:"pages_crawled"`
	PagesWithData int                       `json:"pages_with_data"`
	SitemapUsed   bool                      `json:"sitemap_used"`
	PDFs          []pdfSummary              `json:"pdfs,omitempty"`
	Form990       *pdfkit.Form990           `json:"form_990,omitempty"`
	LLMCostUSD    float64                   `json:"llm_cost_usd,omitempty"`
}

type pdfSummary struct {
	URL        string `json:"url"`
	Type       string `json:"document_type"`
	FiscalYear int    `json:"fiscal_year,omitempty"`
	Path       string `json:"path"`
	SHA256     string `json:"sha256"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

func (w *websiteCollector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	_, body := DecodeEnvelope(raw)

	var bundle websiteRaw
	if err := json.Unmarshal([]byte(body), &bundle); err != nil {
		return ParseResult{Err: fmt.Sprintf("crawl bundle did not parse: %v", err)}
	}
	if bundle.Crawl == nil {
		return ParseResult{Err: "crawl bundle has no crawl result"}
	}

	merged := extract.Merge(bundle.Crawl.Extractions)
	doc := websiteDoc{
		EIN:          ch.EIN,
		Origin:       bundle.Crawl.Origin,
		Fields:       merged.Fields,
		Sources:      merged.Sources,
		PagesCrawled: len(bundle.Crawl.Pages),
		SitemapUsed:  bundle.Crawl.Stats.SitemapUsed,
		Form990:      bundle.Form990,
		LLMCostUSD:   bundle.LLMCostUSD,
	}
	for _, p := range bundle.Crawl.Pages {
		if p.HadData {
			doc.PagesWithData++
		}
	}
	for _, d := range bundle.PDFs {
		doc.PDFs = append(doc.PDFs, pdfSummary{
			URL:        d.Link.URL,
			Type:       string(d.Link.Type),
			FiscalYear: d.Link.FiscalYear,
			Path:       d.Path,
			SHA256:     d.SHA256,
			Duplicate:  d.Duplicate,
		})
	}

	// A site stating a different EIN is recorded, not rejected: fiscal
	// sponsors and chapters publish their parent's number. The judge
	// pass weighs it.
	if v, ok := doc.Fields["ein"].(string); ok {
		if norm, err := charity.NormalizeEIN(v); err == nil && norm != ch.EIN {
			logger.Warn("website states a different EIN",
				"charity", ch.EIN, "website_ein", norm)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("encode website profile: %v", err)}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ParseResult{Err: fmt.Sprintf("flatten website profile: %v", err)}
	}
	return ParseResult{OK: true, ParsedData: m}
}
