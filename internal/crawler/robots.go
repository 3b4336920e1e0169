package crawler

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
)

// robotsAgent is the product token matched against robots.txt groups.
const robotsAgent = "amaldata"

// Robots answers can-fetch questions for one origin. A nil or unfetchable
// robots.txt is fail-open: everything is allowed.
type Robots struct {
	group    *robotstxt.Group
	sitemaps []string
}

// FetchRobots retrieves and parses origin/robots.txt. Fetch or parse
// failures return a permissive Robots, never an error.
func FetchRobots(ctx context.Context, client *fetch.Client, origin string) *Robots {
	robotsURL := strings.TrimSuffix(origin, "/") + "/robots.txt"
	body, err := client.FetchBytes(ctx, robotsURL, fetch.Options{})
	if err != nil {
		logger.Debug("robots.txt unavailable, allowing all", "url", robotsURL, "error", err)
		return &Robots{}
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		logger.Debug("robots.txt unparseable, allowing all", "url", robotsURL, "error", err)
		return &Robots{}
	}
	group := data.FindGroup(robotsAgent)
	if group == nil {
		group = data.FindGroup("*")
	}
	return &Robots{group: group, sitemaps: data.Sitemaps}
}

// Allowed reports whether the URL's path may be fetched.
func (r *Robots) Allowed(rawURL string) bool {
	if r == nil || r.group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// CrawlDelay returns the robots-declared delay for our agent, zero when
// none is declared.
func (r *Robots) CrawlDelay() time.Duration {
	if r == nil || r.group == nil {
		return 0
	}
	return r.group.CrawlDelay
}

// Sitemaps returns sitemap URLs declared in robots.txt.
func (r *Robots) Sitemaps() []string {
	if r == nil {
		return nil
	}
	return r.sitemaps
}
