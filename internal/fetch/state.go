package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// CrawlState is the per-site memory carried across runs: which URLs were
// tried and how each one turned out. Persisted at
// <cache_root>/state/<md5(origin)>.json at end-of-crawl, even on failure.
type CrawlState struct {
	Origin          string    `json:"origin"`
	TriedURLs       []string  `json:"tried_urls"`
	PagesWithData   []string  `json:"pages_with_data"`
	PagesWithNoData []string  `json:"pages_with_no_data"`
	PagesNeedingJS  []string  `json:"pages_needing_js"`
	UpdatedAt       time.Time `json:"updated_at"`

	mu      sync.Mutex
	tried   map[string]bool
	data    map[string]bool
	noData  map[string]bool
	needsJS map[string]bool
}

// NewCrawlState creates an empty state for origin.
func NewCrawlState(origin string) *CrawlState {
	s := &CrawlState{Origin: origin}
	s.buildSets()
	return s
}

func (s *CrawlState) buildSets() {
	s.tried = toSet(s.TriedURLs)
	s.data = toSet(s.PagesWithData)
	s.noData = toSet(s.PagesWithNoData)
	s.needsJS = toSet(s.PagesNeedingJS)
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

func fromSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarkTried records that url was attempted this run.
func (s *CrawlState) MarkTried(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tried[url] = true
}

// MarkOutcome records the extraction outcome for url. A page moves between
// the sets as later runs learn more (a no-data page can become a data page
// after a JS render).
func (s *CrawlState) MarkOutcome(url string, hadData, needsJS bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tried[url] = true
	delete(s.data, url)
	delete(s.noData, url)
	delete(s.needsJS, url)
	switch {
	case needsJS:
		s.needsJS[url] = true
	case hadData:
		s.data[url] = true
	default:
		s.noData[url] = true
	}
}

// Tried reports whether url was attempted in any recorded run.
func (s *CrawlState) Tried(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tried[url]
}

// NeedsJS reports whether url was previously marked JS-rendering-needed.
func (s *CrawlState) NeedsJS(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsJS[url]
}

// Counts returns (tried, withData, noData, needsJS) set sizes.
func (s *CrawlState) Counts() (int, int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tried), len(s.data), len(s.noData), len(s.needsJS)
}

// StateStore persists CrawlState documents under a state directory.
type StateStore struct {
	dir string
}

// NewStateStore creates a store rooted at dir.
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

func (st *StateStore) path(origin string) string {
	return filepath.Join(st.dir, URLKey(origin)+".json")
}

// Load reads the state for origin, or returns a fresh empty state when none
// exists or the file is unreadable.
func (st *StateStore) Load(origin string) *CrawlState {
	data, err := os.ReadFile(st.path(origin)) //#nosec G304 -- md5-named file under our state dir
	if err != nil {
		return NewCrawlState(origin)
	}
	var s CrawlState
	if err := json.Unmarshal(data, &s); err != nil {
		return NewCrawlState(origin)
	}
	s.Origin = origin
	s.buildSets()
	return &s
}

// Save writes the state for its origin atomically.
func (st *StateStore) Save(s *CrawlState) error {
	s.mu.Lock()
	s.TriedURLs = fromSet(s.tried)
	s.PagesWithData = fromSet(s.data)
	s.PagesWithNoData = fromSet(s.noData)
	s.PagesNeedingJS = fromSet(s.needsJS)
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return err
	}
	path := st.path(s.Origin)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
