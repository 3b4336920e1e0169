package collectors

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAccreditationCollectFlow(t *testing.T) {
	ch := testCharity(t)

	var mu sync.Mutex
	gotForm := map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		if term := r.URL.Query().Get("term"); term != "Example Relief Fund" {
			t.Errorf("search term = %q", term)
		}
		fmt.Fprint(w, `<html><body>
<a href="/charity-reviews/">All charity reviews</a>
<a href="/charity-reviews/national/relief/example-relief-fund-in-new-york-ny-12345">Example Relief Fund</a>
</body></html>`)
	})
	mux.HandleFunc("/charity-reviews/national/relief/example-relief-fund-in-new-york-ny-12345", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<div id="charity-report" data-nonce="a1b2c3d4e5" data-charity-id="4521" data-report-id="9984">Loading...</div>
</body></html>`)
	})
	mux.HandleFunc("/wp-admin/admin-ajax.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mu.Lock()
		for _, k := range []string{"action", "nonce", "charity_id", "report_id"} {
			gotForm[k] = r.FormValue(k)
		}
		mu.Unlock()
		fmt.Fprint(w, `<div><h2>Example Relief Fund</h2>
<p>This organization is an Accredited Charity. It meets all 20 Standards for Charity Accountability.</p>
<p>Report valid through 2026.</p></div>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	col := &accreditationCollector{
		client:      newCollectorClient(t),
		baseURL:     srv.URL,
		minInterval: time.Millisecond,
	}
	res := Collect(context.Background(), col, ch)
	if !res.OK {
		t.Fatalf("Collect failed: %s", res.Err)
	}

	mu.Lock()
	if gotForm["action"] != "get_charity_report" || gotForm["nonce"] != "a1b2c3d4e5" ||
		gotForm["charity_id"] != "4521" || gotForm["report_id"] != "9984" {
		t.Errorf("ajax form = %v", gotForm)
	}
	mu.Unlock()

	parsed := res.Parsed
	if parsed["accredited"] != true {
		t.Errorf("accredited = %v", parsed["accredited"])
	}
	if parsed["standards_met"] != float64(20) {
		t.Errorf("standards_met = %v", parsed["standards_met"])
	}
	if parsed["report_year"] != float64(2026) {
		t.Errorf("report_year = %v", parsed["report_year"])
	}
	wantURL := srv.URL + "/charity-reviews/national/relief/example-relief-fund-in-new-york-ny-12345"
	if parsed["report_url"] != wantURL {
		t.Errorf("report_url = %v, want %v", parsed["report_url"], wantURL)
	}
	summary, _ := parsed["summary"].(string)
	if !strings.Contains(summary, "Accredited Charity") {
		t.Errorf("summary = %q", summary)
	}
}

func TestAccreditationSearchMissIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>No results for your search.</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	col := &accreditationCollector{
		client:      newCollectorClient(t),
		baseURL:     srv.URL,
		minInterval: time.Millisecond,
	}
	fr := col.Fetch(context.Background(), testCharity(t))
	if fr.OK {
		t.Fatal("fetch succeeded with no review listed")
	}
	if !IsNotFound(fr.Err) {
		t.Errorf("err = %q, want not-found", fr.Err)
	}
}

func TestAccreditationEmptyShellReport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/charity-reviews/national/relief/example-fund-999">Example</a>`)
	})
	mux.HandleFunc("/charity-reviews/national/relief/example-fund-999", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div data-nonce="a1b2c3d4e5" data-charity-id="1" data-report-id="2"></div>`)
	})
	mux.HandleFunc("/wp-admin/admin-ajax.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div class="charity-report-container"></div>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	col := &accreditationCollector{
		client:      newCollectorClient(t),
		baseURL:     srv.URL,
		minInterval: time.Millisecond,
	}
	fr := col.Fetch(context.Background(), testCharity(t))
	if fr.OK {
		t.Fatal("fetch accepted a scaffolding-only report body")
	}
	if !IsNotFound(fr.Err) || !strings.Contains(fr.Err, "empty shell") {
		t.Errorf("err = %q", fr.Err)
	}
}

func TestAccreditationShellWithoutHandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/charity-reviews/national/relief/example-fund-999">Example</a>`)
	})
	mux.HandleFunc("/charity-reviews/national/relief/example-fund-999", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>Report coming soon.</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	col := &accreditationCollector{
		client:      newCollectorClient(t),
		baseURL:     srv.URL,
		minInterval: time.Millisecond,
	}
	fr := col.Fetch(context.Background(), testCharity(t))
	if fr.OK {
		t.Fatal("fetch succeeded without report handles")
	}
	if !IsNotFound(fr.Err) {
		t.Errorf("err = %q, want not-found", fr.Err)
	}
}

func TestAccreditationParseOutcomes(t *testing.T) {
	cases := []struct {
		name          string
		body          string
		wantFlag      *bool
		wantStandards float64
	}{
		{
			name:     "accredited",
			body:     `<p>This organization is an Accredited Charity under the Standards for Charity Accountability.</p>`,
			wantFlag: boolPtr(true),
		},
		{
			name:     "not accredited",
			body:     `<p>Charity Report: this organization did not meet the Standards for Charity Accountability.</p>`,
			wantFlag: boolPtr(false),
		},
		{
			name: "unable to verify",
			body: `<p>Charity Report: the Alliance was unable to verify this organization against the Standards for Charity Accountability.</p>`,
		},
		{
			name:          "partial compliance",
			body:          `<p>Charity Report: this organization meets 17 of the 20 Standards for Charity Accountability.</p>`,
			wantStandards: 17,
		},
	}

	col := &accreditationCollector{}
	ch := testCharity(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := EncodeEnvelope(map[string]string{"review_url": "https://give.org/charity-reviews/national/relief/x-1"}, tc.body)
			res := col.Parse(context.Background(), raw, ch)
			if !res.OK {
				t.Fatalf("parse failed: %s", res.Err)
			}
			flag, has := res.ParsedData["accredited"]
			if tc.wantFlag == nil {
				if has {
					t.Errorf("accredited = %v, want absent", flag)
				}
			} else if flag != *tc.wantFlag {
				t.Errorf("accredited = %v, want %v", flag, *tc.wantFlag)
			}
			if tc.wantStandards > 0 && res.ParsedData["standards_met"] != tc.wantStandards {
				t.Errorf("standards_met = %v, want %v", res.ParsedData["standards_met"], tc.wantStandards)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }

func TestFirstReviewLinkSkipsIndexPages(t *testing.T) {
	html := `<html><body>
<a href="/charity-reviews/">Browse reviews</a>
<a href="/charity-reviews">Reviews home</a>
<a href="https://give.org/charity-reviews/national/relief/real-charity-42">Real Charity</a>
</body></html>`
	got := firstReviewLink(html, "https://give.org")
	if got != "https://give.org/charity-reviews/national/relief/real-charity-42" {
		t.Errorf("firstReviewLink = %q", got)
	}
	if firstReviewLink(`<a href="/about">About</a>`, "https://give.org") != "" {
		t.Error("firstReviewLink matched a non-review link")
	}
}
