package crawler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
)

// sitemapPaths are tried in order against the origin.
var sitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap-index.xml"}

// maxChildSitemaps bounds index recursion; indexes deeper than one level
// are not followed.
const maxChildSitemaps = 25

// sitemapDoc parses both urlset and sitemapindex documents. Matching is by
// local element name, so files with or without the sitemap namespace work.
type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// DiscoverSitemapURLs collects page URLs from the origin's sitemap, trying
// the common sitemap locations and following one level of sitemap index.
// Anything malformed or unreachable yields an empty slice, never an error;
// the caller falls back to BFS.
func DiscoverSitemapURLs(ctx context.Context, client *fetch.Client, origin string) []string {
	origin = strings.TrimSuffix(origin, "/")

	for _, path := range sitemapPaths {
		sitemapURL := origin + path
		urls, children := readSitemap(ctx, client, sitemapURL)

		for i, child := range children {
			if i >= maxChildSitemaps {
				logger.Debug("sitemap index truncated", "url", sitemapURL, "children", len(children))
				break
			}
			childURLs, _ := readSitemap(ctx, client, child)
			urls = append(urls, childURLs...)
		}

		if len(urls) > 0 {
			logger.Debug("sitemap discovered", "url", sitemapURL, "pages", len(urls))
			return dedupe(urls)
		}
	}
	return nil
}

// readSitemap fetches and parses one sitemap document, returning page URLs
// and child sitemap URLs. Failures of any kind return empty results.
func readSitemap(ctx context.Context, client *fetch.Client, sitemapURL string) (urls, children []string) {
	body, err := client.FetchBytes(ctx, sitemapURL, fetch.Options{})
	if err != nil {
		logger.Debug("sitemap fetch failed", "url", sitemapURL, "error", err)
		return nil, nil
	}

	body, err = maybeGunzip(body)
	if err != nil {
		logger.Debug("sitemap gunzip failed", "url", sitemapURL, "error", err)
		return nil, nil
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		logger.Debug("sitemap parse failed", "url", sitemapURL, "error", err)
		return nil, nil
	}

	for _, u := range doc.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	for _, s := range doc.Sitemaps {
		if loc := strings.TrimSpace(s.Loc); loc != "" {
			children = append(children, loc)
		}
	}
	return urls, children
}

// maybeGunzip transparently decompresses gzip content, detected by magic
// bytes rather than headers or file extension.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
