package fetch

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCache_PutAndGet(t *testing.T) {
	c := NewCache(t.TempDir(), time.Hour)

	err := c.Put("https://example.org/about", "<html>about us</html>", PutOptions{
		ETag:         `"abc123"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry := c.Get("https://example.org/about")
	if entry == nil {
		t.Fatal("Get returned nil for fresh entry")
	}
	if entry.HTML != "<html>about us</html>" {
		t.Errorf("HTML = %q", entry.HTML)
	}
	if entry.ETag != `"abc123"` {
		t.Errorf("ETag = %q", entry.ETag)
	}
	if entry.SchemaVersion != CacheSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", entry.SchemaVersion, CacheSchemaVersion)
	}
	if entry.ContentHash != ContentHash("<html>about us</html>") {
		t.Errorf("ContentHash = %q", entry.ContentHash)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(t.TempDir(), time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	if err := c.Put("https://example.org/", "<html>home</html>", PutOptions{ETag: `"v1"`}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = now.Add(30 * time.Minute)
	if c.Get("https://example.org/") == nil {
		t.Fatal("entry expired before TTL")
	}
	if refetch, _ := c.ShouldRefetch("https://example.org/", false); refetch {
		t.Error("ShouldRefetch = true within TTL")
	}

	now = now.Add(31 * time.Minute)
	if c.Get("https://example.org/") != nil {
		t.Fatal("Get returned expired entry")
	}
	refetch, reason := c.ShouldRefetch("https://example.org/", false)
	if !refetch {
		t.Error("ShouldRefetch = false past TTL")
	}
	if reason != "expired (conditional headers available)" {
		t.Errorf("reason = %q", reason)
	}

	// The raw entry must survive expiry so conditional headers stay usable.
	if entry := c.read("https://example.org/"); entry == nil || entry.ETag != `"v1"` {
		t.Error("expired entry lost its conditional headers")
	}
}

func TestCache_UnchangedContentSkipsWrite(t *testing.T) {
	c := NewCache(t.TempDir(), time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	if err := c.Put("https://example.org/a", "<html>same</html>", PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first := c.read("https://example.org/a")

	now = now.Add(10 * time.Minute)
	if err := c.Put("https://example.org/a", "<html>same</html>", PutOptions{}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	second := c.read("https://example.org/a")
	if !second.CachedAt.Equal(first.CachedAt.Time) {
		t.Errorf("unchanged content rewrote entry: cached_at %v -> %v", first.CachedAt, second.CachedAt)
	}

	now = now.Add(10 * time.Minute)
	if err := c.Put("https://example.org/a", "<html>different</html>", PutOptions{}); err != nil {
		t.Fatalf("third Put: %v", err)
	}
	third := c.read("https://example.org/a")
	if third.CachedAt.Equal(first.CachedAt.Time) {
		t.Error("changed content did not refresh entry")
	}
	if third.ContentHash == first.ContentHash {
		t.Error("changed content kept old hash")
	}
}

func TestCache_UpdateHadData(t *testing.T) {
	c := NewCache(t.TempDir(), time.Hour)

	// Missing entry is a no-op, not an error.
	if err := c.UpdateHadData("https://example.org/missing", true, nil, false, ""); err != nil {
		t.Fatalf("UpdateHadData on missing entry: %v", err)
	}

	if err := c.Put("https://example.org/p", "<html>page</html>", PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := c.UpdateHadData("https://example.org/p", false, []string{"structured", "llm"}, true, "js_rendering_needed")
	if err != nil {
		t.Fatalf("UpdateHadData: %v", err)
	}

	entry := c.read("https://example.org/p")
	if entry.HadData {
		t.Error("HadData not patched")
	}
	if !entry.JSRenderingNeeded {
		t.Error("JSRenderingNeeded not patched")
	}
	if entry.ExtractionFailureReason != "js_rendering_needed" {
		t.Errorf("failure reason = %q", entry.ExtractionFailureReason)
	}
	if len(entry.ExtractionMethodsTried) != 2 {
		t.Errorf("methods tried = %v", entry.ExtractionMethodsTried)
	}
	if entry.HTML != "<html>page</html>" {
		t.Error("patch touched the body")
	}
}

func TestUTCTime_NaiveTimestampsAreUTC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{
			name: "rfc3339 with zone",
			in:   `"2024-01-15T10:30:00-05:00"`,
			want: time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC),
		},
		{
			name: "naive timestamp treated as utc",
			in:   `"2024-01-15T10:30:00"`,
			want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "naive with fraction",
			in:   `"2024-01-15T10:30:00.5"`,
			want: time.Date(2024, 1, 15, 10, 30, 0, 500000000, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts UTCTime
			if err := json.Unmarshal([]byte(tt.in), &ts); err != nil {
				t.Fatalf("unmarshal %s: %v", tt.in, err)
			}
			if !ts.Time.Equal(tt.want) {
				t.Errorf("got %v, want %v", ts.Time, tt.want)
			}
		})
	}
}

func TestCache_HasContentChanged(t *testing.T) {
	c := NewCache(t.TempDir(), time.Hour)

	if !c.HasContentChanged("https://example.org/x", "<html>new</html>") {
		t.Error("uncached URL should count as changed")
	}
	if err := c.Put("https://example.org/x", "<html>v1</html>", PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if c.HasContentChanged("https://example.org/x", "<html>v1</html>") {
		t.Error("identical content reported as changed")
	}
	if !c.HasContentChanged("https://example.org/x", "<html>v2</html>") {
		t.Error("new content not reported as changed")
	}
}
