package crawler

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/ratelimit"
)

func testFetchClient(t *testing.T) *fetch.Client {
	t.Helper()
	dir := t.TempDir()
	cfg := fetch.Config{
		Timeout:      5 * time.Second,
		MinInterval:  time.Millisecond,
		ProfileDelay: time.Millisecond,
	}
	cache := fetch.NewCache(filepath.Join(dir, "html"), time.Hour)
	profiles := fetch.LoadProfiles(filepath.Join(dir, "state", "cloudflare_profiles.json"))
	return fetch.NewClient(cfg, cache, profiles, ratelimit.New())
}

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDiscoverSitemapURLs_IndexWithGzippedChild(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://%s/sitemap-pages.xml</loc></sitemap>
  <sitemap><loc>http://%s/sitemap-posts.xml.gz</loc></sitemap>
</sitemapindex>`, r.Host, r.Host)
	})
	mux.HandleFunc("/sitemap-pages.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://%s/about</loc></url>
  <url><loc>http://%s/donate</loc></url>
</urlset>`, r.Host, r.Host)
	})
	mux.HandleFunc("/sitemap-posts.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		body := fmt.Sprintf(`<urlset>
  <url><loc>http://%s/impact</loc></url>
  <url><loc>http://%s/about</loc></url>
</urlset>`, r.Host, r.Host)
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(gzipBytes(t, body))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	urls := DiscoverSitemapURLs(context.Background(), testFetchClient(t), srv.URL)
	sort.Strings(urls)

	want := []string{srv.URL + "/about", srv.URL + "/donate", srv.URL + "/impact"}
	if len(urls) != len(want) {
		t.Fatalf("got %d urls %v, want %d", len(urls), urls, len(want))
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("urls[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestDiscoverSitemapURLs_PlainUrlsetWithoutNamespace(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>http://%s/programs</loc></url></urlset>`, r.Host)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	urls := DiscoverSitemapURLs(context.Background(), testFetchClient(t), srv.URL)
	if len(urls) != 1 || urls[0] != srv.URL+"/programs" {
		t.Errorf("urls = %v", urls)
	}
}

func TestDiscoverSitemapURLs_MalformedReturnsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not xml {")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if urls := DiscoverSitemapURLs(context.Background(), testFetchClient(t), srv.URL); len(urls) != 0 {
		t.Errorf("malformed sitemap produced urls %v", urls)
	}
}

func TestDiscoverSitemapURLs_NoSitemapAnywhere(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if urls := DiscoverSitemapURLs(context.Background(), testFetchClient(t), srv.URL); urls != nil {
		t.Errorf("404 origin produced urls %v", urls)
	}
}
