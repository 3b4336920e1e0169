package fetch

import (
	"crypto/md5" //#nosec G501 -- cache file naming only, not security
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amalgiving/amaldata/internal/logger"
)

// CacheSchemaVersion marks the extraction schema a cache entry was written
// under. Entries below the current version are eligible for LLM
// re-processing without a refetch.
const CacheSchemaVersion = 3

// DefaultCacheTTL is the response-cache TTL for website pages. Collector
// caches configure longer TTLs at construction.
const DefaultCacheTTL = 30 * 24 * time.Hour

// UTCTime unmarshals timestamps that may lack zone information; naive
// values are treated as UTC. Legacy cache files were written that way.
type UTCTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON accepts RFC3339 or naive-UTC timestamp strings.
func (t *UTCTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// MarshalJSON always writes RFC3339 UTC.
func (t UTCTime) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// CacheEntry is one cached response, stored as a single JSON document at
// <dir>/<md5(url)>.json.
type CacheEntry struct {
	URL                     string   `json:"url"`
	HTML                    string   `json:"html"`
	FinalURL                string   `json:"final_url"`
	CachedAt                UTCTime  `json:"cached_at"`
	ContentHash             string   `json:"content_hash"`
	LastModified            string   `json:"last_modified,omitempty"`
	ETag                    string   `json:"etag,omitempty"`
	SchemaVersion           int      `json:"schema_version"`
	HadData                 bool     `json:"had_data"`
	JSRenderingNeeded       bool     `json:"js_rendering_needed"`
	ExtractionFailureReason string   `json:"extraction_failure_reason,omitempty"`
	ExtractionMethodsTried  []string `json:"extraction_methods_tried,omitempty"`
}

// Cache is the on-disk HTML/JSON response cache keyed by MD5 of URL. The
// filesystem is the per-key lock; last-writer-wins is acceptable because
// equal-hash writes are skipped.
type Cache struct {
	dir string
	ttl time.Duration

	nowFunc func() time.Time
}

// NewCache creates a response cache rooted at dir. A zero ttl means
// DefaultCacheTTL.
func NewCache(dir string, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{dir: dir, ttl: ttl, nowFunc: time.Now}
}

// URLKey returns the MD5 hex digest used as the cache file name.
func URLKey(rawURL string) string {
	sum := md5.Sum([]byte(rawURL)) //#nosec G401 -- file naming only
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the SHA-256 hex digest of body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) path(rawURL string) string {
	return filepath.Join(c.dir, URLKey(rawURL)+".json")
}

// Get reads the entry for url if present and within TTL. Expired or
// unreadable entries return nil.
func (c *Cache) Get(rawURL string) *CacheEntry {
	entry := c.read(rawURL)
	if entry == nil {
		return nil
	}
	if c.expired(entry) {
		return nil
	}
	return entry
}

// read returns the raw entry regardless of TTL (conditional headers outlive
// expiry).
func (c *Cache) read(rawURL string) *CacheEntry {
	data, err := os.ReadFile(c.path(rawURL)) //#nosec G304 -- path derived from md5, under cache dir
	if err != nil {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		logger.Debug("discarding unreadable cache entry", "url", rawURL, "error", err)
		return nil
	}
	return &entry
}

func (c *Cache) expired(entry *CacheEntry) bool {
	if entry.CachedAt.IsZero() {
		return true
	}
	return c.nowFunc().After(entry.CachedAt.Add(c.ttl))
}

// PutOptions carries the optional fields of a cache write.
type PutOptions struct {
	FinalURL                string
	HadData                 bool
	MethodsTried            []string
	LastModified            string
	ETag                    string
	JSRenderingNeeded       bool
	ExtractionFailureReason string
}

// Put writes a fresh entry for url. When the stored content hash equals the
// new body's hash the write is skipped entirely, preserving the original
// timestamps (and the file mtime).
func (c *Cache) Put(rawURL, html string, opts PutOptions) error {
	newHash := ContentHash(html)
	if existing := c.read(rawURL); existing != nil && existing.ContentHash == newHash {
		logger.Debug("cache content unchanged, skipping write", "url", rawURL)
		return nil
	}

	finalURL := opts.FinalURL
	if finalURL == "" {
		finalURL = rawURL
	}
	entry := CacheEntry{
		URL:                     rawURL,
		HTML:                    html,
		FinalURL:                finalURL,
		CachedAt:                UTCTime{c.nowFunc().UTC()},
		ContentHash:             newHash,
		LastModified:            opts.LastModified,
		ETag:                    opts.ETag,
		SchemaVersion:           CacheSchemaVersion,
		HadData:                 opts.HadData,
		JSRenderingNeeded:       opts.JSRenderingNeeded,
		ExtractionFailureReason: opts.ExtractionFailureReason,
		ExtractionMethodsTried:  opts.MethodsTried,
	}
	return c.write(rawURL, &entry)
}

// UpdateHadData patches the extraction outcome onto an existing entry
// without touching the body or timestamps. Missing entries are a no-op.
func (c *Cache) UpdateHadData(rawURL string, hadData bool, methods []string, jsNeeded bool, failureReason string) error {
	entry := c.read(rawURL)
	if entry == nil {
		return nil
	}
	entry.HadData = hadData
	entry.ExtractionMethodsTried = methods
	entry.JSRenderingNeeded = jsNeeded
	entry.ExtractionFailureReason = failureReason
	return c.write(rawURL, entry)
}

// ShouldRefetch reports whether url must be fetched from the network, with
// a reason string for logging. The reason notes when conditional headers
// are available so the fetch can be a conditional GET.
func (c *Cache) ShouldRefetch(rawURL string, force bool) (bool, string) {
	if force {
		return true, "forced"
	}
	entry := c.read(rawURL)
	if entry == nil {
		return true, "not cached"
	}
	if c.expired(entry) {
		if entry.ETag != "" || entry.LastModified != "" {
			return true, "expired (conditional headers available)"
		}
		return true, "expired"
	}
	return false, "cached"
}

// NeedsLLMReprocessing reports whether the entry was extracted under an
// older schema version and should go through extraction again without a
// refetch.
func (c *Cache) NeedsLLMReprocessing(rawURL string) (bool, string) {
	entry := c.read(rawURL)
	if entry == nil {
		return false, "not cached"
	}
	if entry.SchemaVersion < CacheSchemaVersion {
		return true, fmt.Sprintf("schema %d < %d", entry.SchemaVersion, CacheSchemaVersion)
	}
	return false, "current schema"
}

// HasContentChanged compares newHTML against the stored content hash.
// Uncached URLs count as changed.
func (c *Cache) HasContentChanged(rawURL, newHTML string) bool {
	entry := c.read(rawURL)
	if entry == nil {
		return true
	}
	return entry.ContentHash != ContentHash(newHTML)
}

func (c *Cache) write(rawURL string, entry *CacheEntry) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	path := c.path(rawURL)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return os.Rename(tmp, path)
}
