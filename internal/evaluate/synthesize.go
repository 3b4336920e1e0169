package evaluate

import (
	"fmt"
	"strings"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
)

// SynthesizeVersion feeds the synthesize phase fingerprint. Bump it when
// the merge rules below change so cached documents are rebuilt.
const SynthesizeVersion = "synthesize-v2"

// Synthesis is the merged charity document with per-field provenance.
// Every field in Document names exactly one winning source in
// Provenance; dotted keys cover fields inside nested blocks.
type Synthesis struct {
	Document   map[string]any
	Provenance map[string]string
	// Gaps lists core fields no source could fill. The pipeline's
	// completeness judge turns them into warnings.
	Gaps []string
}

// websiteFieldOrder fixes the copy order for fields the site extraction
// produced, so identical inputs always synthesize identical documents.
var websiteFieldOrder = []string{
	"mission", "vision", "tagline", "values", "programs",
	"target_populations", "geographic_coverage", "impact_metrics",
	"beneficiaries", "leadership", "email", "phone", "address",
	"social_media", "donate_url", "logo_url", "founded_year",
	"tax_deductible", "additional_info",
}

// discoverFieldOrder fixes the copy order for search-discovered facts.
var discoverFieldOrder = []string{
	"founded_year", "leadership", "external_coverage", "zakat_policy",
}

// Synthesize merges the parsed per-source documents into one charity
// record. It is deterministic: no model call, and stable output for
// stable input. sources is keyed by collector name; discovered carries
// the search-grounded answers and may be nil.
func Synthesize(ch charity.Charity, sources map[string]map[string]any, discovered map[string]any) (*Synthesis, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("synthesize %s: no parsed sources", ch.EIN)
	}

	syn := &Synthesis{
		Document:   map[string]any{},
		Provenance: map[string]string{},
	}

	pp := sources[collectors.SourcePropublica]
	cn := sources[collectors.SourceCharityNavigator]
	cand := sources[collectors.SourceCandid]
	accred := sources[collectors.SourceAccreditation]
	grants := sources[collectors.SourceGrants990]
	site := sources[collectors.SourceWebsite]

	syn.identity(ch, pp, cn, cand, site)
	syn.siteFields(site)
	syn.missionFallback(cand)
	syn.financials(pp, cn)
	syn.ratings(cn, cand, accred)
	syn.grantmaking(grants)
	syn.crawlSummary(site)
	syn.discovered(discovered)
	syn.findGaps()

	return syn, nil
}

// set records a field and its winning source, skipping empty values.
func (s *Synthesis) set(key string, value any, source string) {
	if isEmptyValue(value) {
		return
	}
	s.Document[key] = value
	s.Provenance[key] = source
}

// setIn records a field inside a nested block, with a dotted provenance key.
func (s *Synthesis) setIn(block map[string]any, blockName, key string, value any, source string) {
	if isEmptyValue(value) {
		return
	}
	block[key] = value
	s.Provenance[blockName+"."+key] = source
}

// identity picks the canonical name and website. The IRS registration
// is the authority on the legal name; rating sites and the charity's
// own pages rank after it.
func (s *Synthesis) identity(ch charity.Charity, pp, cn, cand, site map[string]any) {
	s.set("ein", ch.EIN, "charity")

	for _, pick := range []struct {
		value  string
		source string
	}{
		{str(pp, "name"), collectors.SourcePropublica},
		{str(cn, "name"), collectors.SourceCharityNavigator},
		{str(cand, "name"), collectors.SourceCandid},
		{str(fieldsOf(site), "name"), "website:" + siteFieldSource(site, "name")},
		{ch.Name, "charity"},
	} {
		if pick.value != "" {
			s.set("name", pick.value, pick.source)
			break
		}
	}

	if origin := str(site, "origin"); origin != "" {
		s.set("website", origin, collectors.SourceWebsite)
	} else if ch.Website != "" {
		s.set("website", ch.Website, "charity")
	}

	if ntee := str(pp, "ntee_code"); ntee != "" {
		s.set("ntee_code", ntee, collectors.SourcePropublica)
		if cat := nteeCategory(ntee); cat != "" {
			s.set("category", cat, collectors.SourcePropublica)
		}
	}
	if city := str(pp, "city"); city != "" {
		loc := city
		if st := str(pp, "state"); st != "" {
			loc += ", " + st
		}
		s.set("location", loc, collectors.SourcePropublica)
	}
	if sub := num(pp, "subsection_code"); sub > 0 {
		s.set("subsection_code", int(sub), collectors.SourcePropublica)
	}
}

// siteFields copies the merged website extraction into the document.
// The merge engine already picked one winner per field; its extraction
// source rides along in the provenance as "website:<source>".
func (s *Synthesis) siteFields(site map[string]any) {
	fields := fieldsOf(site)
	if len(fields) == 0 {
		return
	}
	for _, key := range websiteFieldOrder {
		v, ok := fields[key]
		if !ok {
			continue
		}
		s.set(key, v, "website:"+siteFieldSource(site, key))
	}
}

// missionFallback fills the mission from the published profile when the
// site itself never stated one.
func (s *Synthesis) missionFallback(cand map[string]any) {
	if _, ok := s.Document["mission"]; ok {
		return
	}
	s.set("mission", str(cand, "mission"), collectors.SourceCandid)
}

func (s *Synthesis) financials(pp, cn map[string]any) {
	fin := map[string]any{}

	if filings := list(pp, "filings"); len(filings) > 0 {
		if latest, ok := filings[0].(map[string]any); ok {
			s.setIn(fin, "financials", "tax_year", intOrZero(latest, "tax_year"), collectors.SourcePropublica)
			s.setIn(fin, "financials", "form_type", str(latest, "form_type"), collectors.SourcePropublica)
			for _, key := range []string{"total_revenue", "total_expenses", "total_assets", "total_liabilities"} {
				if v, ok := latest[key]; ok {
					s.setIn(fin, "financials", key, v, collectors.SourcePropublica)
				}
			}
		}
	}
	if b, ok := boolVal(pp, "exempt_from_filing"); ok && b {
		s.setIn(fin, "financials", "exempt_from_filing", true, collectors.SourcePropublica)
	}

	for _, key := range []string{"program_expense_ratio", "admin_expense_ratio", "fundraising_expense_ratio", "ceo_compensation"} {
		if v, ok := cn[key]; ok {
			s.setIn(fin, "financials", key, v, collectors.SourceCharityNavigator)
		}
	}
	s.setIn(fin, "financials", "ceo_name", str(cn, "ceo_name"), collectors.SourceCharityNavigator)

	if len(fin) > 0 {
		s.Document["financials"] = fin
	}
}

func (s *Synthesis) ratings(cn, cand, accred map[string]any) {
	r := map[string]any{}

	for _, key := range []string{
		"overall_score", "star_rating",
		"beacon_impact_results", "beacon_accountability_finance",
		"beacon_culture_community", "beacon_leadership_adaptability",
	} {
		if v, ok := cn[key]; ok {
			s.setIn(r, "ratings", "cn_"+key, v, collectors.SourceCharityNavigator)
		}
	}
	if b, ok := boolVal(cn, "cn_has_encompass_award"); ok {
		s.setIn(r, "ratings", "cn_has_encompass_award", b, collectors.SourceCharityNavigator)
	}

	s.setIn(r, "ratings", "candid_seal_level", str(cand, "seal_level"), collectors.SourceCandid)
	if y := intOrZero(cand, "ruling_year"); y > 0 {
		s.setIn(r, "ratings", "ruling_year", y, collectors.SourceCandid)
	}

	if b, ok := boolVal(accred, "accredited"); ok {
		s.setIn(r, "ratings", "accredited", b, collectors.SourceAccreditation)
	}
	if v, ok := accred["standards_met"]; ok && v != nil {
		s.setIn(r, "ratings", "standards_met", v, collectors.SourceAccreditation)
	}
	if y := intOrZero(accred, "report_year"); y > 0 {
		s.setIn(r, "ratings", "accreditation_report_year", y, collectors.SourceAccreditation)
	}

	if len(r) > 0 {
		s.Document["ratings"] = r
	}
}

func (s *Synthesis) grantmaking(grants map[string]any) {
	domestic := list(grants, "domestic_grants")
	foreign := list(grants, "foreign_grants")
	if len(domestic) == 0 && len(foreign) == 0 {
		return
	}

	g := map[string]any{}
	s.setIn(g, "grants", "tax_year", intOrZero(grants, "tax_year"), collectors.SourceGrants990)
	s.setIn(g, "grants", "domestic_count", len(domestic), collectors.SourceGrants990)
	s.setIn(g, "grants", "foreign_count", len(foreign), collectors.SourceGrants990)
	if v, ok := grants["total_domestic"]; ok {
		s.setIn(g, "grants", "total_domestic", v, collectors.SourceGrants990)
	}
	if v, ok := grants["total_foreign"]; ok {
		s.setIn(g, "grants", "total_foreign", v, collectors.SourceGrants990)
	}
	s.Document["grants"] = g
}

func (s *Synthesis) crawlSummary(site map[string]any) {
	if len(site) == 0 {
		return
	}
	c := map[string]any{}
	s.setIn(c, "crawl", "pages_crawled", intOrZero(site, "pages_crawled"), collectors.SourceWebsite)
	s.setIn(c, "crawl", "pages_with_data", intOrZero(site, "pages_with_data"), collectors.SourceWebsite)
	if b, ok := boolVal(site, "sitemap_used"); ok && b {
		s.setIn(c, "crawl", "sitemap_used", true, collectors.SourceWebsite)
	}
	if pdfs := list(site, "pdfs"); len(pdfs) > 0 {
		s.setIn(c, "crawl", "pdf_count", len(pdfs), collectors.SourceWebsite)
	}
	if _, ok := site["form_990"]; ok {
		s.setIn(c, "crawl", "has_form_990_pdf", true, collectors.SourceWebsite)
	}
	if len(c) > 0 {
		s.Document["crawl"] = c
	}
}

// discovered fills search-grounded answers for fields still absent.
// Sources that saw the fact directly always outrank a web search.
func (s *Synthesis) discovered(discovered map[string]any) {
	for _, key := range discoverFieldOrder {
		v, ok := discovered[key]
		if !ok {
			continue
		}
		if _, taken := s.Document[key]; taken {
			continue
		}
		s.set(key, v, "discover")
	}
}

// coreFields drive the completeness gaps. A document missing all of
// them is unusable for scoring.
var coreFields = []string{"name", "mission", "programs", "financials", "ratings"}

func (s *Synthesis) findGaps() {
	for _, key := range coreFields {
		if _, ok := s.Document[key]; !ok {
			s.Gaps = append(s.Gaps, key)
		}
	}
}

// nteeCategories maps NTEE major-group letters to their IRS names.
var nteeCategories = map[byte]string{
	'A': "Arts, Culture & Humanities",
	'B': "Education",
	'C': "Environment",
	'D': "Animal-Related",
	'E': "Health Care",
	'F': "Mental Health & Crisis Intervention",
	'G': "Disease & Disorder Specific",
	'H': "Medical Research",
	'I': "Crime & Legal-Related",
	'J': "Employment",
	'K': "Food, Agriculture & Nutrition",
	'L': "Housing & Shelter",
	'M': "Public Safety & Disaster Relief",
	'N': "Recreation & Sports",
	'O': "Youth Development",
	'P': "Human Services",
	'Q': "International & Foreign Affairs",
	'R': "Civil Rights & Advocacy",
	'S': "Community Improvement",
	'T': "Philanthropy & Grantmaking",
	'U': "Science & Technology",
	'V': "Social Science",
	'W': "Public & Societal Benefit",
	'X': "Religion-Related",
	'Y': "Mutual & Membership Benefit",
	'Z': "Unknown",
}

func nteeCategory(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	return nteeCategories[code[0]]
}

// fieldsOf returns the merged field map of the website document.
func fieldsOf(site map[string]any) map[string]any {
	return sub(site, "fields")
}

// siteFieldSource reads the extraction source the merge engine recorded
// for one website field.
func siteFieldSource(site map[string]any, field string) string {
	if src := str(sub(site, "extraction_sources"), field); src != "" {
		return src
	}
	return "merged"
}

// JSON map accessors. Parsed payloads round-trip through encoding/json,
// so numbers arrive as float64 and lists as []any.

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func num(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intOrZero(m map[string]any, key string) int {
	return int(num(m, key))
}

func boolVal(m map[string]any, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}

func list(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	l, _ := m[key].([]any)
	return l
}

func sub(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	s, _ := m[key].(map[string]any)
	return s
}

// isEmptyValue reports whether a value carries no information worth a
// provenance entry.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case int:
		return t == 0
	default:
		return false
	}
}
