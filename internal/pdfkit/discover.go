// Package pdfkit discovers, classifies and downloads the financial and
// impact documents a charity publishes as PDFs, and parses Form 990
// filings into structured figures.
package pdfkit

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// DocType is the document classification used for prioritization.
type DocType string

const (
	DocForm990            DocType = "form_990"
	DocAuditReport        DocType = "audit_report"
	DocFinancialStatement DocType = "financial_statement"
	DocImpactReport       DocType = "impact_report"
	DocEvaluationReport   DocType = "evaluation_report"
	DocTheoryOfChange     DocType = "theory_of_change"
	DocAnnualReport       DocType = "annual_report"
	DocProgramReport      DocType = "program_report"
	DocStrategicPlan      DocType = "strategic_plan"
	DocGovernance         DocType = "governance"
	DocOther              DocType = "other"
)

// typePriority orders document value for evaluation; lower is better.
// Tax filings and audits carry the figures nothing else substitutes for.
var typePriority = map[DocType]int{
	DocForm990:            1,
	DocAuditReport:        2,
	DocFinancialStatement: 3,
	DocAnnualReport:       4,
	DocImpactReport:       5,
	DocEvaluationReport:   6,
	DocTheoryOfChange:     7,
	DocProgramReport:      8,
	DocStrategicPlan:      9,
	DocGovernance:         10,
	DocOther:              11,
}

// docClassifiers map keyword hits in anchor+context+path to a type.
// First match wins, so specific phrases come before generic ones.
var docClassifiers = []struct {
	docType  DocType
	keywords []string
}{
	{DocForm990, []string{"form 990", "form-990", "form990", "990-ez", "990-pf", "irs 990", "990"}},
	{DocAuditReport, []string{"audit"}},
	{DocFinancialStatement, []string{"financial statement", "financial-statement", "financials", "balance sheet"}},
	{DocTheoryOfChange, []string{"theory of change", "theory-of-change", "logic model"}},
	{DocEvaluationReport, []string{"evaluation", "randomized", "rct"}},
	{DocImpactReport, []string{"impact"}},
	{DocAnnualReport, []string{"annual report", "annual-report", "year in review", "yearbook"}},
	{DocStrategicPlan, []string{"strategic plan", "strategic-plan", "strategy"}},
	{DocGovernance, []string{"bylaws", "governance", "conflict of interest", "board policy"}},
	{DocProgramReport, []string{"program"}},
}

// excludePhrases mark documents that are never evaluation material.
// Single words match on token boundaries so "nda" does not hit
// "standard".
var excludePhrases = []string{
	"confidential", "non-disclosure", "nda", "settlement agreement", "sealed",
}

// Link is one discovered PDF with its classification.
type Link struct {
	URL        string  `json:"url"`
	AnchorText string  `json:"anchor_text,omitempty"`
	Context    string  `json:"context,omitempty"`
	Type       DocType `json:"type"`
	FiscalYear int     `json:"fiscal_year,omitempty"`
	Priority   int     `json:"priority,omitempty"`
}

// DiscoverLinks scans a page for PDF links: hrefs ending in .pdf,
// anchors mentioning pdf, or an explicit application/pdf type. Each
// kept link is classified and carries its anchor and surrounding text.
func DiscoverLinks(html, baseURL string) []Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out []Link
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
			return
		}
		anchor := strings.Join(strings.Fields(sel.Text()), " ")
		if !looksLikePDF(href, anchor, sel.AttrOr("type", "")) {
			return
		}
		abs := absoluteURL(baseURL, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true

		context := linkContext(sel)
		if isExcluded(anchor, context, abs) {
			return
		}
		out = append(out, Link{
			URL:        abs,
			AnchorText: anchor,
			Context:    context,
			Type:       Classify(anchor, context, abs),
			FiscalYear: FiscalYear(anchor + " " + context + " " + abs),
		})
	})
	return out
}

func looksLikePDF(href, anchor, typeAttr string) bool {
	if strings.EqualFold(typeAttr, "application/pdf") {
		return true
	}
	if u, err := url.Parse(href); err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return true
	}
	return strings.Contains(strings.ToLower(anchor), "pdf")
}

// linkContext returns the text around the link, capped so one giant
// list item cannot dominate classification.
func linkContext(sel *goquery.Selection) string {
	parent := sel.Parent()
	if parent.Length() == 0 {
		return ""
	}
	text := strings.Join(strings.Fields(parent.Text()), " ")
	if len(text) > 240 {
		text = text[:240]
	}
	return text
}

func isExcluded(anchor, context, linkURL string) bool {
	hay := strings.ToLower(anchor + " " + context + " " + linkURL)
	for _, phrase := range excludePhrases {
		if strings.Contains(phrase, " ") || strings.Contains(phrase, "-") {
			if strings.Contains(hay, phrase) {
				return true
			}
			continue
		}
		for _, tok := range strings.FieldsFunc(hay, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			if tok == phrase {
				return true
			}
		}
	}
	return false
}

// Classify maps a link to a document type from its anchor, context and
// URL path.
func Classify(anchor, context, linkURL string) DocType {
	hay := strings.ToLower(anchor + " " + context + " " + linkURL)
	for _, c := range docClassifiers {
		for _, kw := range c.keywords {
			if strings.Contains(hay, kw) {
				return c.docType
			}
		}
	}
	return DocOther
}

var yearRe = regexp.MustCompile(`(?:19|20)\d{2}`)

// FiscalYear picks the most recent plausible year mentioned in the
// text. Zero means no year found.
func FiscalYear(s string) int {
	maxYear := 0
	limit := time.Now().Year() + 1
	for _, m := range yearRe.FindAllString(s, -1) {
		y, _ := strconv.Atoi(m)
		if y >= 1990 && y <= limit && y > maxYear {
			maxYear = y
		}
	}
	return maxYear
}

// fiscalYearWindow is how many years back a document stays relevant.
const fiscalYearWindow = 5

// Prioritize ranks classified links and keeps the top n. Links dated
// outside the window are dropped; undated links count as the oldest
// in-window year so dated recent documents outrank them.
func Prioritize(links []Link, n int) []Link {
	return prioritizeYear(links, n, time.Now().Year())
}

func prioritizeYear(links []Link, n, currentYear int) []Link {
	var kept []Link
	for _, l := range links {
		age := fiscalYearWindow
		if l.FiscalYear > 0 {
			age = currentYear - l.FiscalYear
			if age < 0 {
				age = 0
			}
			if age > fiscalYearWindow {
				continue
			}
		}
		tp, ok := typePriority[l.Type]
		if !ok {
			tp = typePriority[DocOther]
		}
		l.Priority = tp*10 + age
		kept = append(kept, l)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Priority != kept[j].Priority {
			return kept[i].Priority < kept[j].Priority
		}
		return kept[i].URL < kept[j].URL
	})
	if n > 0 && len(kept) > n {
		kept = kept[:n]
	}
	return kept
}

// absoluteURL resolves an href against the page URL.
func absoluteURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
