package evaluate

import (
	"reflect"
	"strings"
	"testing"

	"github.com/amalgiving/amaldata/internal/collectors"
)

// fullSources mirrors the parsed payloads the six collectors store:
// JSON round-tripped maps, numbers as float64.
func fullSources() map[string]map[string]any {
	return map[string]map[string]any{
		collectors.SourcePropublica: {
			"ein": "13-1644147", "name": "EXAMPLE RELIEF FUND",
			"city": "New York", "state": "NY",
			"ntee_code": "P20", "subsection_code": 3.0,
			"latest_filing_year": 2023.0,
			"filings": []any{
				map[string]any{
					"tax_year": 2023.0, "form_type": "990",
					"total_revenue": 4200000.0, "total_expenses": 3900000.0,
					"total_assets": 2100000.0, "total_liabilities": 400000.0,
				},
				map[string]any{
					"tax_year": 2022.0, "form_type": "990",
					"total_revenue": 3800000.0, "total_expenses": 3500000.0,
				},
			},
		},
		collectors.SourceCharityNavigator: {
			"ein": "13-1644147", "name": "Example Relief Fund",
			"overall_score": 91.0, "star_rating": 4.0,
			"beacon_impact_results":         88.0,
			"beacon_accountability_finance": 95.0,
			"program_expense_ratio":         87.0,
			"admin_expense_ratio":           8.0,
			"ceo_name":                      "Amina Khan",
			"ceo_compensation":              180000.0,
			"cn_has_encompass_award":        true,
		},
		collectors.SourceCandid: {
			"ein": "13-1644147", "name": "Example Relief Fund Inc",
			"mission":    "Providing clean water to rural communities.",
			"seal_level": "gold", "ruling_year": 1995.0,
		},
		collectors.SourceAccreditation: {
			"ein": "13-1644147", "accredited": true,
			"standards_met": 20.0, "report_year": 2024.0,
		},
		collectors.SourceGrants990: {
			"ein": "13-1644147", "tax_year": 2023.0,
			"domestic_grants": []any{
				map[string]any{"recipient": "Local Water Org", "amount": 300000.0},
				map[string]any{"recipient": "Well Trust", "amount": 200000.0},
			},
			"foreign_grants": []any{
				map[string]any{"region": "East Africa", "amount": 125000.0},
			},
			"total_domestic": 500000.0,
			"total_foreign":  125000.0,
		},
		collectors.SourceWebsite: {
			"ein": "13-1644147", "origin": "https://examplerelief.org",
			"fields": map[string]any{
				"mission":      "Clean water for every village.",
				"programs":     []any{"Well drilling", "Hygiene training"},
				"leadership":   []any{"Amina Khan - Executive Director"},
				"donate_url":   "https://examplerelief.org/donate",
				"founded_year": 1994.0,
			},
			"extraction_sources": map[string]any{
				"mission": "llm", "programs": "llm",
				"leadership": "structured", "donate_url": "deterministic",
				"founded_year": "llm",
			},
			"pages_crawled": 6.0, "pages_with_data": 5.0, "sitemap_used": true,
			"pdfs": []any{
				map[string]any{
					"url": "https://examplerelief.org/990.pdf",
					"document_type": "form_990", "path": "/tmp/990.pdf", "sha256": "ab12",
				},
			},
			"form_990": map[string]any{"tax_year": 2023.0},
		},
	}
}

func TestSynthesizeMergesAllSources(t *testing.T) {
	ch := testCharity(t)

	syn, err := Synthesize(ch, fullSources(), nil)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	doc, prov := syn.Document, syn.Provenance

	if doc["name"] != "EXAMPLE RELIEF FUND" || prov["name"] != collectors.SourcePropublica {
		t.Errorf("name = %v from %v", doc["name"], prov["name"])
	}
	if doc["ein"] != "13-1644147" {
		t.Errorf("ein = %v", doc["ein"])
	}
	if doc["website"] != "https://examplerelief.org" {
		t.Errorf("website = %v", doc["website"])
	}
	if doc["category"] != "Human Services" || doc["ntee_code"] != "P20" {
		t.Errorf("category = %v ntee = %v", doc["category"], doc["ntee_code"])
	}
	if doc["location"] != "New York, NY" {
		t.Errorf("location = %v", doc["location"])
	}

	if doc["mission"] != "Clean water for every village." {
		t.Errorf("mission = %v", doc["mission"])
	}
	if prov["mission"] != "website:llm" {
		t.Errorf("mission provenance = %v", prov["mission"])
	}
	if prov["leadership"] != "website:structured" {
		t.Errorf("leadership provenance = %v", prov["leadership"])
	}

	fin, ok := doc["financials"].(map[string]any)
	if !ok {
		t.Fatal("financials block missing")
	}
	if fin["tax_year"] != 2023 || fin["total_revenue"] != 4200000.0 {
		t.Errorf("latest filing = %v / %v", fin["tax_year"], fin["total_revenue"])
	}
	if fin["program_expense_ratio"] != 87.0 || fin["ceo_name"] != "Amina Khan" {
		t.Errorf("cn financials = %v / %v", fin["program_expense_ratio"], fin["ceo_name"])
	}
	if prov["financials.total_revenue"] != collectors.SourcePropublica {
		t.Errorf("revenue provenance = %v", prov["financials.total_revenue"])
	}
	if prov["financials.program_expense_ratio"] != collectors.SourceCharityNavigator {
		t.Errorf("ratio provenance = %v", prov["financials.program_expense_ratio"])
	}

	ratings, ok := doc["ratings"].(map[string]any)
	if !ok {
		t.Fatal("ratings block missing")
	}
	if ratings["cn_overall_score"] != 91.0 || ratings["candid_seal_level"] != "gold" {
		t.Errorf("ratings = %v", ratings)
	}
	if ratings["accredited"] != true || ratings["standards_met"] != 20.0 {
		t.Errorf("accreditation = %v / %v", ratings["accredited"], ratings["standards_met"])
	}
	if ratings["cn_has_encompass_award"] != true {
		t.Error("encompass award dropped")
	}
	if ratings["ruling_year"] != 1995 {
		t.Errorf("ruling year = %v", ratings["ruling_year"])
	}

	grants, ok := doc["grants"].(map[string]any)
	if !ok {
		t.Fatal("grants block missing")
	}
	if grants["domestic_count"] != 2 || grants["foreign_count"] != 1 {
		t.Errorf("grant counts = %v / %v", grants["domestic_count"], grants["foreign_count"])
	}
	if grants["total_domestic"] != 500000.0 {
		t.Errorf("total domestic = %v", grants["total_domestic"])
	}

	crawl, ok := doc["crawl"].(map[string]any)
	if !ok {
		t.Fatal("crawl block missing")
	}
	if crawl["pages_crawled"] != 6 || crawl["sitemap_used"] != true {
		t.Errorf("crawl = %v", crawl)
	}
	if crawl["pdf_count"] != 1 || crawl["has_form_990_pdf"] != true {
		t.Errorf("pdf summary = %v / %v", crawl["pdf_count"], crawl["has_form_990_pdf"])
	}

	if len(syn.Gaps) != 0 {
		t.Errorf("gaps = %v on a complete record", syn.Gaps)
	}
}

func TestSynthesizeNamePrecedence(t *testing.T) {
	sources := fullSources()
	delete(sources, collectors.SourcePropublica)

	syn, err := Synthesize(testCharity(t), sources, nil)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if syn.Document["name"] != "Example Relief Fund" {
		t.Errorf("name = %v", syn.Document["name"])
	}
	if syn.Provenance["name"] != collectors.SourceCharityNavigator {
		t.Errorf("name provenance = %v", syn.Provenance["name"])
	}

	// With no source naming the charity, the input record is the floor.
	thin := map[string]map[string]any{
		collectors.SourceAccreditation: {"ein": "13-1644147", "accredited": true},
	}
	syn, err = Synthesize(testCharity(t), thin, nil)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if syn.Document["name"] != "Example Relief Fund" || syn.Provenance["name"] != "charity" {
		t.Errorf("name = %v from %v", syn.Document["name"], syn.Provenance["name"])
	}
}

func TestSynthesizeMissionFallsBackToProfile(t *testing.T) {
	sources := fullSources()
	site := sources[collectors.SourceWebsite]
	delete(site["fields"].(map[string]any), "mission")

	syn, err := Synthesize(testCharity(t), sources, nil)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if syn.Document["mission"] != "Providing clean water to rural communities." {
		t.Errorf("mission = %v", syn.Document["mission"])
	}
	if syn.Provenance["mission"] != collectors.SourceCandid {
		t.Errorf("mission provenance = %v", syn.Provenance["mission"])
	}
}

func TestSynthesizeDiscoveredFillsOnlyGaps(t *testing.T) {
	discovered := map[string]any{
		"founded_year": 1994,
		"leadership":   []string{"Someone Else - Chair"},
		"zakat_policy": "Distributes zakat within one lunar year.",
	}
	sources := fullSources()
	delete(sources[collectors.SourceWebsite]["fields"].(map[string]any), "founded_year")

	syn, err := Synthesize(testCharity(t), sources, discovered)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	if syn.Document["founded_year"] != 1994 || syn.Provenance["founded_year"] != "discover" {
		t.Errorf("founded_year = %v from %v", syn.Document["founded_year"], syn.Provenance["founded_year"])
	}
	// The site stated leadership; a web search never overrides it.
	lead, _ := syn.Document["leadership"].([]any)
	if len(lead) != 1 || lead[0] != "Amina Khan - Executive Director" {
		t.Errorf("leadership = %v", syn.Document["leadership"])
	}
	if syn.Provenance["leadership"] != "website:structured" {
		t.Errorf("leadership provenance = %v", syn.Provenance["leadership"])
	}
	if syn.Document["zakat_policy"] != "Distributes zakat within one lunar year." {
		t.Errorf("zakat_policy = %v", syn.Document["zakat_policy"])
	}
}

func TestSynthesizeReportsGaps(t *testing.T) {
	sources := map[string]map[string]any{
		collectors.SourcePropublica: fullSources()[collectors.SourcePropublica],
	}

	syn, err := Synthesize(testCharity(t), sources, nil)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	want := []string{"mission", "programs", "ratings"}
	if !reflect.DeepEqual(syn.Gaps, want) {
		t.Errorf("gaps = %v, want %v", syn.Gaps, want)
	}
}

func TestSynthesizeNoSources(t *testing.T) {
	_, err := Synthesize(testCharity(t), nil, nil)
	if err == nil {
		t.Fatal("Synthesize() accepted an empty source set")
	}
	if !strings.Contains(err.Error(), "no parsed sources") {
		t.Errorf("error = %v", err)
	}
}

func TestNTEECategory(t *testing.T) {
	tests := []struct{ code, want string }{
		{"P20", "Human Services"},
		{"q33", "International & Foreign Affairs"},
		{"X12", "Religion-Related"},
		{"", ""},
		{"9", ""},
	}
	for _, tt := range tests {
		if got := nteeCategory(tt.code); got != tt.want {
			t.Errorf("nteeCategory(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
