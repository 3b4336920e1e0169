package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amalgiving/amaldata/internal/logger"
)

// Profile is a browser impersonation preset: a fixed header bundle sent in
// place of the default client identity when a host rejects plain requests.
type Profile struct {
	Name    string
	Headers map[string]string
}

// profileOrder is the fixed ladder tried against challenge pages. Safari
// leads because header-only impersonation passes most often with it; the
// first profile that returns a clean 200 is learned for the host.
var profileOrder = []string{"safari15_5", "chrome120", "chrome110", "firefox121", "edge120"}

var profiles = map[string]Profile{
	"safari15_5": {
		Name: "safari15_5",
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.5 Safari/605.1.15",
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
		},
	},
	"chrome120": {
		Name: "chrome120",
		Headers: map[string]string{
			"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Accept":           "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Accept-Language":  "en-US,en;q=0.9",
			"Sec-Ch-Ua":        `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
			"Sec-Ch-Ua-Mobile": "?0",
			"Sec-Fetch-Dest":   "document",
			"Sec-Fetch-Mode":   "navigate",
			"Sec-Fetch-Site":   "none",
			"Sec-Fetch-User":   "?1",
		},
	},
	"chrome110": {
		Name: "chrome110",
		Headers: map[string]string{
			"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36",
			"Accept":           "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Accept-Language":  "en-US,en;q=0.9",
			"Sec-Ch-Ua":        `"Chromium";v="110", "Not A(Brand";v="24", "Google Chrome";v="110"`,
			"Sec-Ch-Ua-Mobile": "?0",
			"Sec-Fetch-Dest":   "document",
			"Sec-Fetch-Mode":   "navigate",
			"Sec-Fetch-Site":   "none",
		},
	},
	"firefox121": {
		Name: "firefox121",
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
			"Sec-Fetch-User":  "?1",
		},
	},
	"edge120": {
		Name: "edge120",
		Headers: map[string]string{
			"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			"Accept":           "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Accept-Language":  "en-US,en;q=0.9",
			"Sec-Ch-Ua":        `"Not_A Brand";v="8", "Chromium";v="120", "Microsoft Edge";v="120"`,
			"Sec-Ch-Ua-Mobile": "?0",
			"Sec-Fetch-Dest":   "document",
			"Sec-Fetch-Mode":   "navigate",
			"Sec-Fetch-Site":   "none",
		},
	},
}

// ProfileByName returns the named profile.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Ladder returns the profile order with the learned profile first. An
// unknown or empty learned name returns the default order.
func Ladder(learned string) []string {
	if learned == "" {
		return profileOrder
	}
	if _, ok := profiles[learned]; !ok {
		return profileOrder
	}
	out := make([]string, 0, len(profileOrder))
	out = append(out, learned)
	for _, name := range profileOrder {
		if name != learned {
			out = append(out, name)
		}
	}
	return out
}

// challengeStatuses are the statuses that, combined with body markers,
// indicate an anti-bot interstitial rather than a real error.
func isChallengeStatus(code int) bool {
	return code == 403 || code == 202 || code == 503
}

// IsChallengePage reports whether an HTML body looks like an anti-bot
// challenge interstitial.
func IsChallengePage(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "cf-chl-") ||
		strings.Contains(lower, "/cdn-cgi/challenge-platform") ||
		strings.Contains(lower, "_cf_chl_opt") ||
		strings.Contains(lower, "cf-turnstile") {
		return true
	}
	if strings.Contains(lower, "just a moment") && strings.Contains(lower, "cloudflare") {
		return true
	}
	return false
}

// LearnedProfile is one persisted host entry in cloudflare_profiles.json.
type LearnedProfile struct {
	Profile   string    `json:"profile"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileStore holds the host → learned-profile map. It is shared by all
// workers; one mutex serializes reads and write-through persistence.
type ProfileStore struct {
	mu    sync.Mutex
	path  string
	hosts map[string]LearnedProfile
}

// LoadProfiles reads cloudflare_profiles.json if present and returns the
// populated store. A missing or unreadable file yields an empty store.
func LoadProfiles(path string) *ProfileStore {
	s := &ProfileStore{
		path:  path,
		hosts: make(map[string]LearnedProfile),
	}
	data, err := os.ReadFile(path) //#nosec G304 -- path is under our own cache root
	if err != nil {
		return s
	}
	if err := json.Unmarshal(data, &s.hosts); err != nil {
		logger.Warn("could not parse learned profiles, starting empty", "path", path, "error", err)
		s.hosts = make(map[string]LearnedProfile)
	}
	return s
}

// Learned returns the profile learned for host, if any.
func (s *ProfileStore) Learned(host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.hosts[host]
	if !ok {
		return "", false
	}
	return p.Profile, true
}

// Learn records that profile works for host and persists the map.
func (s *ProfileStore) Learn(host, profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.hosts[host]; ok && cur.Profile == profile {
		return
	}
	s.hosts[host] = LearnedProfile{Profile: profile, UpdatedAt: time.Now().UTC()}
	if err := s.saveLocked(); err != nil {
		logger.Warn("could not persist learned profiles", "path", s.path, "error", err)
	}
}

// Hosts returns the learned host names, sorted.
func (s *ProfileStore) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Save persists the current map. Called again at teardown so a crash between
// write-throughs loses at most the in-flight entry.
func (s *ProfileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *ProfileStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.hosts, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
