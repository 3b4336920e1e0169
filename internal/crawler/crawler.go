// Package crawler walks one charity website inside a strict budget.
// Sitemap URLs are scored and fetched directly when a sitemap exists;
// otherwise a scored breadth-first walk follows same-site links wave by
// wave. Every fetched page runs extraction and PDF discovery, and the
// outcome is written back to the response cache and per-site crawl
// state so later runs skip what this one learned.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/amalgiving/amaldata/internal/extract"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/pdfkit"
	"github.com/amalgiving/amaldata/internal/scorer"
)

// Config bounds one site crawl.
type Config struct {
	// MaxPages is the fetch budget per site.
	MaxPages int

	// Timeout is the wall-clock budget per site. In-flight fetches are
	// cancelled when it expires and partial results are returned.
	Timeout time.Duration

	// Concurrency caps parallel fetches.
	Concurrency int

	// UseLLM enables the LLM extraction pass on fetched pages.
	UseLLM bool
}

// DefaultConfig returns the standard per-site budget.
func DefaultConfig() Config {
	return Config{
		MaxPages:    50,
		Timeout:     90 * time.Second,
		Concurrency: 10,
		UseLLM:      true,
	}
}

// PageResult is one fetched page and what came out of it.
type PageResult struct {
	URL       string `json:"url"`
	Score     int    `json:"score"`
	PageType  string `json:"page_type"`
	FromCache bool   `json:"from_cache,omitempty"`
	HadData   bool   `json:"had_data"`
	JSNeeded  bool   `json:"js_needed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stats summarizes one crawl.
type Stats struct {
	PagesFetched   int           `json:"pages_fetched"`
	PagesFromCache int           `json:"pages_from_cache"`
	PagesFailed    int           `json:"pages_failed"`
	PDFsFound      int           `json:"pdfs_found"`
	LLMCostUSD     float64       `json:"llm_cost_usd,omitempty"`
	SitemapUsed    bool          `json:"sitemap_used"`
	Duration       time.Duration `json:"duration"`
}

// CrawlResult carries everything one site crawl produced.
type CrawlResult struct {
	Origin      string           `json:"origin"`
	Pages       []PageResult     `json:"pages"`
	Extractions []extract.Result `json:"extractions,omitempty"`
	PDFs        []pdfkit.Link    `json:"pdfs,omitempty"`
	Stats       Stats            `json:"stats"`
}

// Crawler fetches pages through the polite client and feeds each one
// to the extractor.
type Crawler struct {
	client    *fetch.Client
	extractor *extract.Extractor
	states    *fetch.StateStore
	cfg       Config
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithConfig replaces the default budget.
func WithConfig(cfg Config) Option {
	return func(c *Crawler) { c.cfg = cfg }
}

// WithStateStore persists per-site crawl state between runs.
func WithStateStore(st *fetch.StateStore) Option {
	return func(c *Crawler) { c.states = st }
}

// New returns a Crawler. A nil extractor skips extraction and only
// collects pages and PDF links.
func New(client *fetch.Client, extractor *extract.Extractor, opts ...Option) *Crawler {
	c := &Crawler{
		client:    client,
		extractor: extractor,
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Concurrency < 1 {
		c.cfg.Concurrency = 1
	}
	return c
}

// Crawl walks one site and returns partial results when the budget
// expires. The only error is an unusable origin.
func (c *Crawler) Crawl(ctx context.Context, origin string) (*CrawlResult, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid crawl origin %q", origin)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res := &CrawlResult{Origin: origin}
	robots := FetchRobots(ctx, c.client, origin)

	var state *fetch.CrawlState
	if c.states != nil {
		state = c.states.Load(origin)
	} else {
		state = fetch.NewCrawlState(origin)
	}

	logger.Info("crawl starting", "origin", origin, "max_pages", c.cfg.MaxPages)

	seenPDF := make(map[string]bool)
	if frontier := c.sitemapFrontier(ctx, robots, origin); len(frontier) > 0 {
		res.Stats.SitemapUsed = true
		c.crawlFrontier(ctx, res, state, frontier, seenPDF)
	} else {
		c.crawlBFS(ctx, res, state, robots, origin, seenPDF)
	}

	if c.states != nil {
		if err := c.states.Save(state); err != nil {
			logger.Warn("crawl state save failed", "origin", origin, "error", err)
		}
	}

	res.Stats.Duration = time.Since(start)
	logger.Info("crawl finished",
		"origin", origin,
		"pages", res.Stats.PagesFetched,
		"failed", res.Stats.PagesFailed,
		"pdfs", res.Stats.PDFsFound,
		"sitemap", res.Stats.SitemapUsed,
		"duration", res.Stats.Duration.Round(time.Millisecond))
	return res, nil
}

// sitemapFrontier collects sitemap URLs from robots.txt declarations
// and the well-known paths, then scores and trims them to the page
// budget.
func (c *Crawler) sitemapFrontier(ctx context.Context, robots *Robots, origin string) []scorer.Scored {
	var all []string
	children := 0
	for _, sm := range robots.Sitemaps() {
		urls, kids := readSitemap(ctx, c.client, sm)
		all = append(all, urls...)
		for _, kid := range kids {
			if children >= maxChildSitemaps {
				break
			}
			children++
			urls, _ := readSitemap(ctx, c.client, kid)
			all = append(all, urls...)
		}
	}
	all = append(all, DiscoverSitemapURLs(ctx, c.client, origin)...)
	all = dedupe(all)

	var scored []scorer.Scored
	for _, raw := range all {
		u := NormalizeURL(raw)
		if !SameSite(origin, u) || IsSkippableResource(u) || IsTrapURL(u) {
			continue
		}
		scored = append(scored, scorer.Score(u, "", "", ""))
	}
	return scorer.SelectTop(scored, c.cfg.MaxPages, robots.Allowed)
}

// crawlFrontier fetches an already-selected page list, used for
// sitemap crawls where no link following happens.
func (c *Crawler) crawlFrontier(ctx context.Context, res *CrawlResult, state *fetch.CrawlState, frontier []scorer.Scored, seenPDF map[string]bool) {
	for _, o := range c.fetchWave(ctx, frontier, state) {
		if o.page.URL == "" {
			continue
		}
		c.merge(res, o, seenPDF)
	}
}

// crawlBFS walks the site wave by wave from the origin, scoring each
// discovered link and carrying the best of the frontier forward until
// the budget runs out.
func (c *Crawler) crawlBFS(ctx context.Context, res *CrawlResult, state *fetch.CrawlState, robots *Robots, origin string, seenPDF map[string]bool) {
	queue := NewQueue()
	queue.Add(scorer.Score(NormalizeURL(origin), "", "", ""))

	for ctx.Err() == nil {
		remaining := c.cfg.MaxPages - len(res.Pages)
		if remaining <= 0 || queue.Len() == 0 {
			return
		}
		var batch []scorer.Scored
		for len(batch) < remaining {
			s, ok := queue.Pop()
			if !ok {
				break
			}
			batch = append(batch, s)
		}

		for _, o := range c.fetchWave(ctx, batch, state) {
			if o.page.URL == "" {
				continue
			}
			c.merge(res, o, seenPDF)
			for _, l := range o.links {
				c.enqueue(queue, robots, origin, l, o.title, o.h1)
			}
		}

		if d := robots.CrawlDelay(); d > 0 {
			sleepCtx(ctx, d)
		}
	}
}

func (c *Crawler) enqueue(queue *Queue, robots *Robots, origin string, l Link, title, h1 string) {
	u := NormalizeURL(l.URL)
	if !SameSite(origin, u) || IsSkippableResource(u) || IsTrapURL(u) {
		return
	}
	if !robots.Allowed(u) {
		return
	}
	queue.Add(scorer.Score(u, l.Anchor, title, h1))
}

// pageOutcome is everything one fetched page produced.
type pageOutcome struct {
	page        PageResult
	extractions []extract.Result
	pdfs        []pdfkit.Link
	links       []Link
	title       string
	h1          string
	cost        float64
}

// fetchWave runs one batch of fetches under the concurrency cap.
// Cancelled entries come back zero-valued.
func (c *Crawler) fetchWave(ctx context.Context, batch []scorer.Scored, state *fetch.CrawlState) []pageOutcome {
	sem := make(chan struct{}, c.cfg.Concurrency)
	outcomes := make([]pageOutcome, len(batch))
	var wg sync.WaitGroup
	for i, s := range batch {
		wg.Add(1)
		go func(i int, s scorer.Scored) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			outcomes[i] = c.fetchPage(ctx, s, state)
		}(i, s)
	}
	wg.Wait()
	return outcomes
}

func (c *Crawler) fetchPage(ctx context.Context, s scorer.Scored, state *fetch.CrawlState) pageOutcome {
	state.MarkTried(s.URL)

	page, err := c.client.Fetch(ctx, s.URL, fetch.Options{})
	if err != nil {
		logger.Debug("page fetch failed", "url", s.URL, "error", err)
		return pageOutcome{page: PageResult{
			URL:      s.URL,
			Score:    s.Score,
			PageType: s.PageType,
			Error:    err.Error(),
		}}
	}

	s = scorer.ApplyContentBoost(s, page.HTML)
	o := pageOutcome{
		page: PageResult{
			URL:       s.URL,
			Score:     s.Score,
			PageType:  s.PageType,
			FromCache: page.FromCache,
		},
		pdfs: pdfkit.DiscoverLinks(page.HTML, page.FinalURL),
	}

	pl := ExtractLinks(page.HTML, page.FinalURL)
	o.links, o.title, o.h1 = pl.Links, pl.Title, pl.H1

	if c.extractor != nil {
		ex := c.extractor.ExtractPage(ctx, page.HTML, s.URL, c.cfg.UseLLM)
		o.extractions = ex.Results
		o.cost = ex.CostUSD
		o.page.HadData = ex.HadData()
		o.page.JSNeeded = ex.JSRenderingNeeded

		state.MarkOutcome(s.URL, o.page.HadData, ex.JSRenderingNeeded)
		if cache := c.client.Cache(); cache != nil {
			if err := cache.UpdateHadData(s.URL, o.page.HadData, ex.MethodsTried, ex.JSRenderingNeeded, ex.FailureReason); err != nil {
				logger.Debug("cache outcome update failed", "url", s.URL, "error", err)
			}
		}
	}
	return o
}

func (c *Crawler) merge(res *CrawlResult, o pageOutcome, seenPDF map[string]bool) {
	res.Pages = append(res.Pages, o.page)
	res.Extractions = append(res.Extractions, o.extractions...)
	res.Stats.LLMCostUSD += o.cost
	if o.page.Error != "" {
		res.Stats.PagesFailed++
	} else {
		res.Stats.PagesFetched++
		if o.page.FromCache {
			res.Stats.PagesFromCache++
		}
	}
	for _, pdf := range o.pdfs {
		if seenPDF[pdf.URL] {
			continue
		}
		seenPDF[pdf.URL] = true
		res.PDFs = append(res.PDFs, pdf)
		res.Stats.PDFsFound++
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
