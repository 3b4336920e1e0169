// Package crawler walks one charity website within a fixed page, time and
// concurrency budget.
package crawler

import (
	"net/url"
	"strings"
	"sync"

	"github.com/amalgiving/amaldata/internal/scorer"
)

// Queue holds scored URLs pending crawl, highest score first, with
// visited-set deduplication.
type Queue struct {
	mu      sync.Mutex
	items   []scorer.Scored
	visited map[string]bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{visited: make(map[string]bool)}
}

// Add enqueues a scored URL if its normalized form has not been seen.
func (q *Queue) Add(s scorer.Scored) bool {
	normalized := NormalizeURL(s.URL)
	if normalized == "" {
		return false
	}
	s.URL = normalized

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.visited[normalized] {
		return false
	}
	q.visited[normalized] = true
	q.items = append(q.items, s)
	return true
}

// Pop removes and returns the best remaining URL: highest score, then
// shallowest, then lexicographic URL for determinism.
func (q *Queue) Pop() (scorer.Scored, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return scorer.Scored{}, false
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if queueLess(q.items[i], q.items[best]) {
			best = i
		}
	}
	item := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return item, true
}

func queueLess(a, b scorer.Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.URL < b.URL
}

// Len returns the number of queued URLs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MarkVisited records a URL as seen without queueing it.
func (q *Queue) MarkVisited(rawURL string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visited[NormalizeURL(rawURL)] = true
}

// IsVisited reports whether a URL has been queued or marked.
func (q *Queue) IsVisited(rawURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.visited[NormalizeURL(rawURL)]
}

// NormalizeURL strips fragments and trailing slashes so URL variants
// dedupe to one queue entry.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	parsed.Fragment = ""
	if len(parsed.Path) > 1 && strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String()
}

// SameSite reports whether two URLs belong to the same site, treating
// subdomains (www included) as the same site.
func SameSite(url1, url2 string) bool {
	h1 := siteHost(url1)
	h2 := siteHost(url2)
	if h1 == "" || h2 == "" {
		return false
	}
	return h1 == h2 || strings.HasSuffix(h1, "."+h2) || strings.HasSuffix(h2, "."+h1)
}

func siteHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}
