package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/crawler"
	"github.com/amalgiving/amaldata/internal/extract"
	"github.com/amalgiving/amaldata/internal/pdfkit"
)

func websiteBundleRaw(t *testing.T, bundle websiteRaw) string {
	t.Helper()
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return EncodeEnvelope(map[string]string{"origin": bundle.Crawl.Origin}, string(data))
}

func TestWebsiteParseMergesBundle(t *testing.T) {
	ch := testCharity(t)
	now := time.Now().UTC()
	bundle := websiteRaw{
		Crawl: &crawler.CrawlResult{
			Origin: "https://example.org",
			Pages: []crawler.PageResult{
				{URL: "https://example.org/", HadData: true},
				{URL: "https://example.org/about", HadData: true},
				{URL: "https://example.org/blog", HadData: false},
			},
			Extractions: []extract.Result{
				{Field: "mission", Value: "Mission text from structured data.", Source: extract.SourceStructured, Confidence: 0.9, PageURL: "https://example.org/about", Timestamp: now},
				{Field: "mission", Value: "Clean water for every village.", Source: extract.SourceLLM, Confidence: 0.8, PageURL: "https://example.org/", Timestamp: now},
				{Field: "ein", Value: "13-1644147", Source: extract.SourceDeterministic, Confidence: 0.95, PageURL: "https://example.org/", Timestamp: now},
			},
			Stats: crawler.Stats{PagesFetched: 3, SitemapUsed: true},
		},
		PDFs: []pdfkit.Downloaded{{
			Link:   pdfkit.Link{URL: "https://example.org/990-2023.pdf", Type: pdfkit.DocForm990, FiscalYear: 2023},
			Path:   "/data/pdfs/13-1644147/2023_form_990.pdf",
			SHA256: "ab12cd34",
			Size:   1024,
		}},
		LLMCostUSD: 0.0123,
	}

	col := &websiteCollector{}
	res := col.Parse(context.Background(), websiteBundleRaw(t, bundle), ch)
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	parsed := res.ParsedData

	if parsed["origin"] != "https://example.org" {
		t.Errorf("origin = %v", parsed["origin"])
	}
	if parsed["pages_crawled"] != float64(3) {
		t.Errorf("pages_crawled = %v", parsed["pages_crawled"])
	}
	if parsed["pages_with_data"] != float64(2) {
		t.Errorf("pages_with_data = %v", parsed["pages_with_data"])
	}
	if parsed["sitemap_used"] != true {
		t.Errorf("sitemap_used = %v", parsed["sitemap_used"])
	}

	fields, _ := parsed["fields"].(map[string]any)
	if fields["ein"] != "13-1644147" {
		t.Errorf("fields.ein = %v", fields["ein"])
	}
	// Mission is a semantic field, so the LLM reading outranks the
	// structured-data one.
	if fields["mission"] != "Clean water for every village." {
		t.Errorf("fields.mission = %v", fields["mission"])
	}
	sources, _ := parsed["extraction_sources"].(map[string]any)
	if sources["mission"] != "llm" || sources["ein"] != "deterministic" {
		t.Errorf("extraction_sources = %v", sources)
	}

	pdfs, _ := parsed["pdfs"].([]any)
	if len(pdfs) != 1 {
		t.Fatalf("pdfs = %v", parsed["pdfs"])
	}
	pdf := pdfs[0].(map[string]any)
	if pdf["document_type"] != "form_990" || pdf["fiscal_year"] != float64(2023) || pdf["sha256"] != "ab12cd34" {
		t.Errorf("pdf summary = %v", pdf)
	}
	if parsed["llm_cost_usd"] != 0.0123 {
		t.Errorf("llm_cost_usd = %v", parsed["llm_cost_usd"])
	}
}

func TestWebsiteParseToleratesForeignEIN(t *testing.T) {
	// Fiscal sponsors publish their parent's EIN; that is recorded for
	// the judge, never rejected here.
	bundle := websiteRaw{
		Crawl: &crawler.CrawlResult{
			Origin: "https://example.org",
			Pages:  []crawler.PageResult{{URL: "https://example.org/", HadData: true}},
			Extractions: []extract.Result{
				{Field: "ein", Value: "52-1693387", Source: extract.SourceDeterministic, Confidence: 0.95},
			},
		},
	}
	col := &websiteCollector{}
	res := col.Parse(context.Background(), websiteBundleRaw(t, bundle), testCharity(t))
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	fields, _ := res.ParsedData["fields"].(map[string]any)
	if fields["ein"] != "52-1693387" {
		t.Errorf("fields.ein = %v", fields["ein"])
	}
}

func TestWebsiteFetchWithoutWebsite(t *testing.T) {
	ch, err := charity.New("No Site Org", "13-1644147", "")
	if err != nil {
		t.Fatal(err)
	}
	col := &websiteCollector{}
	fr := col.Fetch(context.Background(), ch)
	if fr.OK {
		t.Fatal("fetch succeeded without a website")
	}
	if !IsValidationError(fr.Err) {
		t.Errorf("err = %q, want permanent validation error", fr.Err)
	}
}

func TestNewestForm990PicksLatest(t *testing.T) {
	pdfs := []pdfkit.Downloaded{
		{Link: pdfkit.Link{Type: pdfkit.DocAnnualReport, FiscalYear: 2024}, Path: "/p/annual.pdf"},
		{Link: pdfkit.Link{Type: pdfkit.DocForm990, FiscalYear: 2021}, Path: "/p/990-2021.pdf"},
		{Link: pdfkit.Link{Type: pdfkit.DocForm990, FiscalYear: 2023}, Path: "/p/990-2023.pdf"},
		{Link: pdfkit.Link{Type: pdfkit.DocForm990, FiscalYear: 2025}, Path: ""},
	}
	if got := newestForm990(pdfs); got != "/p/990-2023.pdf" {
		t.Errorf("newestForm990 = %q", got)
	}
	if got := newestForm990(nil); got != "" {
		t.Errorf("newestForm990(nil) = %q", got)
	}
}

func TestWebsiteCollectEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
<h1>Example Relief Fund</h1>
<p>We provide emergency relief and clean water to displaced families
across East Africa, reaching over one hundred thousand people each year.</p>
<a href="/about">About our work</a>
<a href="/990-2023.pdf">2023 Form 990</a>
<footer>EIN: 13-1644147</footer>
</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>About</h1>
<p>Founded in 1998, our field teams drill wells and run mobile clinics.</p>
</body></html>`)
	})
	mux.HandleFunc("/990-2023.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch, err := charity.New("Example Relief Fund", "13-1644147", srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	col, err := New(SourceWebsite, Deps{
		Client: newCollectorClient(t),
		PDFDir: t.TempDir(),
		Crawl:  crawler.Config{MaxPages: 4, Timeout: 10 * time.Second, Concurrency: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := Collect(context.Background(), col, ch)
	if !res.OK {
		t.Fatalf("Collect failed: %s", res.Err)
	}

	meta, _ := DecodeEnvelope(res.Raw)
	if meta["origin"] != srv.URL {
		t.Errorf("envelope origin = %q, want %q", meta["origin"], srv.URL)
	}

	parsed := res.Parsed
	if pages, _ := parsed["pages_crawled"].(float64); pages < 2 {
		t.Errorf("pages_crawled = %v, want at least the index and about pages", parsed["pages_crawled"])
	}
	fields, _ := parsed["fields"].(map[string]any)
	if fields["ein"] != "13-1644147" {
		t.Errorf("fields.ein = %v", fields["ein"])
	}

	pdfs, _ := parsed["pdfs"].([]any)
	if len(pdfs) != 1 {
		t.Fatalf("pdfs = %v, want the discovered 990 downloaded", parsed["pdfs"])
	}
	pdf := pdfs[0].(map[string]any)
	if pdf["document_type"] != "form_990" {
		t.Errorf("pdf type = %v", pdf["document_type"])
	}
	if path, _ := pdf["path"].(string); path == "" {
		t.Error("pdf path empty, want the saved file")
	}
	if sha, _ := pdf["sha256"].(string); sha == "" {
		t.Error("pdf sha256 empty")
	}
}
