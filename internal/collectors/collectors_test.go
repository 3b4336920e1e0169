package collectors

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/ratelimit"
)

func newCollectorClient(t *testing.T) *fetch.Client {
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

func testCharity(t *testing.T) charity.Charity {
	t.Helper()
	ch, err := charity.New("Example Relief Fund", "13-1644147", "https://example.org")
	if err != nil {
		t.Fatalf("charity.New: %v", err)
	}
	return ch
}

// fakeProvider returns scripted responses or errors in call order.
type fakeProvider struct {
	responses []llm.CompletionResponse
	errs      []error
	prompts   []string
	calls     int
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	i := f.calls
	f.calls++
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser {
			f.prompts = append(f.prompts, m.Content)
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.CompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return llm.CompletionResponse{}, errors.New("no scripted response")
}

func (f *fakeProvider) Name() string             { return "fake" }
func (f *fakeProvider) SupportsJSONSchema() bool { return true }

// scriptedCollector plays back canned fetch and parse outcomes.
type scriptedCollector struct {
	fetchRes    FetchResult
	parseRes    ParseResult
	parseCalled bool
	gotRaw      string
}

func (s *scriptedCollector) SourceName() string { return "scripted" }
func (s *scriptedCollector) SchemaKey() string  { return "scripted_doc" }

func (s *scriptedCollector) Fetch(context.Context, charity.Charity) FetchResult {
	return s.fetchRes
}

func (s *scriptedCollector) Parse(_ context.Context, raw string, _ charity.Charity) ParseResult {
	s.parseCalled = true
	s.gotRaw = raw
	return s.parseRes
}

func TestCollectWrapsRawInEnvelope(t *testing.T) {
	col := &scriptedCollector{
		fetchRes: FetchResult{
			OK:          true,
			RawData:     "<html>profile</html>",
			ContentType: "text/html",
			Metadata:    map[string]string{"profile_url": "https://example.org/p"},
		},
		parseRes: ParseResult{OK: true, ParsedData: map[string]any{"name": "Example"}},
	}

	res := Collect(context.Background(), col, testCharity(t))
	if !res.OK {
		t.Fatalf("Collect failed: %s", res.Err)
	}
	if res.Source != "scripted" || res.SchemaKey != "scripted_doc" {
		t.Errorf("source/schema = %q/%q", res.Source, res.SchemaKey)
	}
	if res.ContentType != "text/html" {
		t.Errorf("content type = %q", res.ContentType)
	}
	if res.Parsed["name"] != "Example" {
		t.Errorf("parsed = %v", res.Parsed)
	}

	meta, body := DecodeEnvelope(res.Raw)
	if body != "<html>profile</html>" {
		t.Errorf("envelope body = %q", body)
	}
	if meta["profile_url"] != "https://example.org/p" {
		t.Errorf("envelope metadata = %v", meta)
	}
	if col.gotRaw != res.Raw {
		t.Error("Parse did not receive the stored envelope")
	}
}

func TestCollectFetchFailureShortCircuits(t *testing.T) {
	col := &scriptedCollector{
		fetchRes: FetchResult{Err: "propublica organization lookup: timeout"},
		parseRes: ParseResult{OK: true},
	}

	res := Collect(context.Background(), col, testCharity(t))
	if res.OK {
		t.Fatal("Collect succeeded on a failed fetch")
	}
	if res.Err != "propublica organization lookup: timeout" {
		t.Errorf("err = %q", res.Err)
	}
	if res.Raw != "" {
		t.Errorf("raw stored despite fetch failure: %q", res.Raw)
	}
	if col.parseCalled {
		t.Error("Parse called after fetch failure")
	}
}

func TestCollectParseFailureKeepsRaw(t *testing.T) {
	col := &scriptedCollector{
		fetchRes: FetchResult{OK: true, RawData: "payload"},
		parseRes: ParseResult{Err: ValidationPrefix + "EIN mismatch"},
	}

	res := Collect(context.Background(), col, testCharity(t))
	if res.OK {
		t.Fatal("Collect succeeded on a failed parse")
	}
	if !IsValidationError(res.Err) {
		t.Errorf("err = %q, want validation error", res.Err)
	}
	if _, body := DecodeEnvelope(res.Raw); body != "payload" {
		t.Errorf("raw body = %q, want payload kept for re-parse", body)
	}
}

func TestIsValidationError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{ValidationPrefix + "EIN mismatch: requested 13-1644147, response is for 52-1693387", true},
		{"propublica payload is not JSON: unexpected end of JSON input", false},
		{"990 xml download: unexpected HTTP status: HTTP 503 for https://x", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsValidationError(tc.msg); got != tc.want {
			t.Errorf("IsValidationError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"not found: no accreditation report listed for \"Example Relief Fund\"", true},
		{"propublica organization lookup: unexpected HTTP status: HTTP 404 for https://x", true},
		{"accreditation search: unexpected HTTP status: HTTP 503 for https://x", false},
		{ValidationPrefix + "EIN mismatch", false},
	}
	for _, tc := range cases {
		if got := IsNotFound(tc.msg); got != tc.want {
			t.Errorf("IsNotFound(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestRegistryBuildsEveryRequiredSource(t *testing.T) {
	deps := Deps{PDFDir: t.TempDir(), XMLCacheDir: t.TempDir()}

	wantKeys := map[string]string{
		SourcePropublica:       "propublica",
		SourceCharityNavigator: "charity_navigator",
		SourceCandid:           "candid",
		SourceAccreditation:    "accreditation",
		SourceGrants990:        "grants",
		SourceWebsite:          "website_profile",
	}
	for _, name := range RequiredSources() {
		col, err := New(name, deps)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if col.SourceName() != name {
			t.Errorf("%s: SourceName = %q", name, col.SourceName())
		}
		if col.SchemaKey() != wantKeys[name] {
			t.Errorf("%s: SchemaKey = %q, want %q", name, col.SchemaKey(), wantKeys[name])
		}
	}
}

func TestNewUnknownCollector(t *testing.T) {
	if _, err := New("myspace", Deps{}); err == nil {
		t.Fatal("New accepted an unknown name")
	} else if !strings.Contains(err.Error(), "unknown collector") {
		t.Errorf("err = %v", err)
	}
}

func TestAllRunsRequiredSourcesFirst(t *testing.T) {
	deps := Deps{PDFDir: t.TempDir(), XMLCacheDir: t.TempDir()}
	all := All(deps)
	if len(all) != len(Names()) {
		t.Fatalf("All built %d collectors, registry has %d", len(all), len(Names()))
	}
	required := RequiredSources()
	if len(all) < len(required) {
		t.Fatalf("All built %d collectors, want at least %d", len(all), len(required))
	}
	for i, name := range required {
		if all[i].SourceName() != name {
			t.Errorf("All()[%d] = %q, want %q", i, all[i].SourceName(), name)
		}
	}
}
