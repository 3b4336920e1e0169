package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/ratelimit"
)

// Chrome user agent for the plain client; bot-protected sites get the
// impersonation ladder instead.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds fetch client settings.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MinInterval  time.Duration // per-key floor between requests
	ProfileDelay time.Duration // fixed sleep between impersonation attempts
	MaxBodyBytes int           // response size cap (PDF downloads included)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:    defaultUserAgent,
		Timeout:      20 * time.Second,
		MinInterval:  500 * time.Millisecond,
		ProfileDelay: 2 * time.Second,
		MaxBodyBytes: 25 << 20,
	}
}

// Client fetches single URLs politely: response cache first, conditional
// GET, challenge detection, impersonation ladder, rate-limited throughout.
type Client struct {
	cfg      Config
	cache    *Cache
	profiles *ProfileStore
	limiter  *ratelimit.Limiter
}

// NewClient wires a client from its collaborators. All of them are shared
// process-wide; the client itself is stateless and safe for concurrent use.
func NewClient(cfg Config, cache *Cache, profiles *ProfileStore, limiter *ratelimit.Limiter) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}
	if cfg.ProfileDelay == 0 {
		cfg.ProfileDelay = DefaultConfig().ProfileDelay
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Client{cfg: cfg, cache: cache, profiles: profiles, limiter: limiter}
}

// Cache exposes the response cache for extraction-outcome patches.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Profiles exposes the learned-profile store.
func (c *Client) Profiles() *ProfileStore {
	return c.profiles
}

func (c *Client) interval(opts Options) time.Duration {
	if opts.MinInterval > 0 {
		return opts.MinInterval
	}
	return c.cfg.MinInterval
}

// Fetch retrieves one URL, honoring the response cache and conditional
// headers, and falling back to the impersonation ladder on challenges.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (*Page, error) {
	return c.fetch(ctx, rawURL, opts, 0)
}

func (c *Client) fetch(ctx context.Context, rawURL string, opts Options, depth int) (*Page, error) {
	host := hostOf(rawURL)
	rateKey := opts.RateKey
	if rateKey == "" {
		rateKey = host
	}

	entry := c.cache.read(rawURL)
	challengeCached := entry != nil && IsChallengePage(entry.HTML)

	if !opts.Force {
		if refetch, reason := c.cache.ShouldRefetch(rawURL, false); !refetch && !challengeCached {
			logger.Debug("response cache hit", "url", rawURL)
			return pageFromEntry(rawURL, entry), nil
		} else if refetch {
			logger.Debug("refetching", "url", rawURL, "reason", reason)
		}
	}

	// Conditional headers come from the stored entry even past TTL. A cached
	// challenge body must not be revalidated: a 304 would just confirm the
	// challenge, so start clean.
	var etag, lastModified string
	if entry != nil && !opts.Force && !challengeCached {
		etag, lastModified = entry.ETag, entry.LastModified
	}

	// Hosts that already needed impersonation skip the plain GET.
	if learned, ok := c.profiles.Learned(host); ok {
		return c.fetchLadder(ctx, rawURL, rateKey, host, learned, etag, lastModified, opts, depth)
	}

	if _, err := c.limiter.Wait(ctx, rateKey, c.interval(opts)); err != nil {
		return nil, err
	}
	res, err := c.doGet(ctx, rawURL, nil, etag, lastModified)
	if err != nil {
		return nil, err
	}

	switch {
	case res.statusCode == 304:
		return c.serveNotModified(ctx, rawURL, opts, depth)
	case res.statusCode >= 200 && res.statusCode < 300 && !IsChallengePage(string(res.body)):
		return c.store(rawURL, res, "")
	case isChallengeStatus(res.statusCode) || IsChallengePage(string(res.body)):
		logger.Debug("bot challenge detected", "url", rawURL, "status", res.statusCode)
		return c.fetchLadder(ctx, rawURL, rateKey, host, "", etag, lastModified, opts, depth)
	default:
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrHTTPStatus, res.statusCode, rawURL)
	}
}

// serveNotModified handles a 304. With a cache entry present the stored
// body is still valid; without one, retry exactly once as a forced fetch.
func (c *Client) serveNotModified(ctx context.Context, rawURL string, opts Options, depth int) (*Page, error) {
	if entry := c.cache.read(rawURL); entry != nil {
		logger.Debug("not modified, serving cached body", "url", rawURL)
		return pageFromEntry(rawURL, entry), nil
	}
	if depth >= 1 {
		return nil, fmt.Errorf("%w: %s", ErrStaleConditional, rawURL)
	}
	forced := opts
	forced.Force = true
	return c.fetch(ctx, rawURL, forced, depth+1)
}

func (c *Client) fetchLadder(ctx context.Context, rawURL, rateKey, host, learned, etag, lastModified string, opts Options, depth int) (*Page, error) {
	lastStatus := 0
	for i, name := range Ladder(learned) {
		if i > 0 {
			if err := waitDelay(ctx, c.cfg.ProfileDelay); err != nil {
				return nil, err
			}
		}
		profile, ok := ProfileByName(name)
		if !ok {
			continue
		}
		if _, err := c.limiter.Wait(ctx, rateKey, c.interval(opts)); err != nil {
			return nil, err
		}
		res, err := c.doGet(ctx, rawURL, &profile, etag, lastModified)
		if err != nil {
			logger.Debug("impersonation attempt failed", "url", rawURL, "profile", name, "error", err)
			continue
		}
		if res.statusCode == 304 {
			return c.serveNotModified(ctx, rawURL, opts, depth)
		}
		if res.statusCode >= 200 && res.statusCode < 300 && !IsChallengePage(string(res.body)) {
			c.profiles.Learn(host, name)
			logger.Info("learned impersonation profile", "host", host, "profile", name)
			return c.store(rawURL, res, name)
		}
		lastStatus = res.statusCode
	}
	return nil, fmt.Errorf("%w: HTTP %d (even with impersonation)", ErrBotBlocked, lastStatus)
}

// FetchBytes retrieves a binary resource (PDFs) with the same plain-then-
// ladder pattern but no response caching; PDF dedupe happens by file hash
// downstream.
func (c *Client) FetchBytes(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	host := hostOf(rawURL)
	rateKey := opts.RateKey
	if rateKey == "" {
		rateKey = host
	}

	attempts := []string{""}
	challenged := false
	if learned, ok := c.profiles.Learned(host); ok {
		attempts = Ladder(learned)
		challenged = true
	}

	lastStatus := 0
	for i, name := range attempts {
		if i > 0 {
			if err := waitDelay(ctx, c.cfg.ProfileDelay); err != nil {
				return nil, err
			}
		}
		var profile *Profile
		if name != "" {
			p, ok := ProfileByName(name)
			if !ok {
				continue
			}
			profile = &p
		}
		if _, err := c.limiter.Wait(ctx, rateKey, c.interval(opts)); err != nil {
			return nil, err
		}
		res, err := c.doGet(ctx, rawURL, profile, "", "")
		if err != nil {
			if len(attempts) == 1 {
				return nil, err
			}
			continue
		}
		if res.statusCode >= 200 && res.statusCode < 300 && !IsChallengePage(string(res.body)) {
			if name != "" {
				c.profiles.Learn(host, name)
			}
			return res.body, nil
		}
		lastStatus = res.statusCode
		if isChallengeStatus(res.statusCode) || IsChallengePage(string(res.body)) {
			challenged = true
			if len(attempts) == 1 {
				// Plain client got challenged; expand to the full ladder once.
				attempts = append(attempts, Ladder("")...)
			}
		}
	}
	switch {
	case challenged:
		return nil, fmt.Errorf("%w: HTTP %d (even with impersonation)", ErrBotBlocked, lastStatus)
	case lastStatus != 0:
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrHTTPStatus, lastStatus, rawURL)
	default:
		return nil, fmt.Errorf("%w: no response for %s", ErrHTTPStatus, rawURL)
	}
}

// PostForm sends a rate-limited form POST and returns the response body.
// Nothing is cached and conditional headers never apply; AJAX endpoints
// serve per-request content. A learned impersonation profile for the host
// is applied, but the ladder is not walked: a challenged POST endpoint
// fails outright.
func (c *Client) PostForm(ctx context.Context, rawURL string, form map[string]string, opts Options) ([]byte, error) {
	host := hostOf(rawURL)
	rateKey := opts.RateKey
	if rateKey == "" {
		rateKey = host
	}

	var profile *Profile
	if learned, ok := c.profiles.Learned(host); ok {
		if p, pok := ProfileByName(learned); pok {
			profile = &p
		}
	}

	if _, err := c.limiter.Wait(ctx, rateKey, c.interval(opts)); err != nil {
		return nil, err
	}
	res, err := c.doPost(ctx, rawURL, profile, form)
	if err != nil {
		return nil, err
	}
	switch {
	case res.statusCode >= 200 && res.statusCode < 300 && !IsChallengePage(string(res.body)):
		return res.body, nil
	case isChallengeStatus(res.statusCode) || IsChallengePage(string(res.body)):
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrBotBlocked, res.statusCode, rawURL)
	default:
		return nil, fmt.Errorf("%w: HTTP %d for %s", ErrHTTPStatus, res.statusCode, rawURL)
	}
}

type httpResult struct {
	statusCode   int
	body         []byte
	etag         string
	lastModified string
	finalURL     string
}

// doGet issues one GET through a fresh collector. Non-2xx responses are
// returned as results, not errors; only transport failures error out.
func (c *Client) doGet(ctx context.Context, rawURL string, p *Profile, etag, lastModified string) (*httpResult, error) {
	co := colly.NewCollector(
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(), // robots is enforced during URL selection
		colly.StdlibContext(ctx),
	)
	co.SetRequestTimeout(c.cfg.Timeout)
	co.MaxBodySize = c.cfg.MaxBodyBytes

	co.OnRequest(func(r *colly.Request) {
		if p != nil {
			for k, v := range p.Headers {
				r.Headers.Set(k, v)
			}
		}
		if etag != "" {
			r.Headers.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			r.Headers.Set("If-Modified-Since", lastModified)
		}
	})

	res := &httpResult{}
	var netErr error
	co.OnResponse(func(r *colly.Response) {
		res.statusCode = r.StatusCode
		res.body = r.Body
		res.etag = r.Headers.Get("Etag")
		res.lastModified = r.Headers.Get("Last-Modified")
		res.finalURL = r.Request.URL.String()
	})
	co.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.statusCode = r.StatusCode
			res.body = r.Body
			if r.Request != nil && r.Request.URL != nil {
				res.finalURL = r.Request.URL.String()
			}
			return
		}
		netErr = err
	})

	visitErr := co.Visit(rawURL)
	if netErr != nil {
		return nil, fmt.Errorf("request failed: %w", netErr)
	}
	if res.statusCode == 0 {
		if visitErr != nil {
			return nil, fmt.Errorf("request failed: %w", visitErr)
		}
		return nil, fmt.Errorf("no response for %s", rawURL)
	}
	return res, nil
}

// doPost mirrors doGet for form submissions. No conditional headers and
// no cache writes.
func (c *Client) doPost(ctx context.Context, rawURL string, p *Profile, form map[string]string) (*httpResult, error) {
	co := colly.NewCollector(
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	)
	co.SetRequestTimeout(c.cfg.Timeout)
	co.MaxBodySize = c.cfg.MaxBodyBytes

	co.OnRequest(func(r *colly.Request) {
		if p != nil {
			for k, v := range p.Headers {
				r.Headers.Set(k, v)
			}
		}
		r.Headers.Set("X-Requested-With", "XMLHttpRequest")
	})

	res := &httpResult{}
	var netErr error
	co.OnResponse(func(r *colly.Response) {
		res.statusCode = r.StatusCode
		res.body = r.Body
	})
	co.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.statusCode = r.StatusCode
			res.body = r.Body
			return
		}
		netErr = err
	})

	visitErr := co.Post(rawURL, form)
	if netErr != nil {
		return nil, fmt.Errorf("request failed: %w", netErr)
	}
	if res.statusCode == 0 {
		if visitErr != nil {
			return nil, fmt.Errorf("request failed: %w", visitErr)
		}
		return nil, fmt.Errorf("no response for %s", rawURL)
	}
	return res, nil
}

func (c *Client) store(rawURL string, res *httpResult, profileName string) (*Page, error) {
	html := string(res.body)
	if err := c.cache.Put(rawURL, html, PutOptions{
		FinalURL:     res.finalURL,
		LastModified: res.lastModified,
		ETag:         res.etag,
	}); err != nil {
		logger.Warn("could not write response cache", "url", rawURL, "error", err)
	}
	return &Page{
		URL:        rawURL,
		FinalURL:   coalesce(res.finalURL, rawURL),
		HTML:       html,
		StatusCode: res.statusCode,
		FetchedAt:  time.Now(),
		Profile:    profileName,
	}, nil
}

func pageFromEntry(rawURL string, entry *CacheEntry) *Page {
	return &Page{
		URL:        rawURL,
		FinalURL:   coalesce(entry.FinalURL, rawURL),
		HTML:       entry.HTML,
		StatusCode: 200,
		FetchedAt:  entry.CachedAt.Time,
		FromCache:  true,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}

func waitDelay(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
