package collectors

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// giveOrgBase is the BBB Wise Giving Alliance site.
const giveOrgBase = "https://give.org"

func init() {
	Register(SourceAccreditation, func(d Deps) Collector {
		return &accreditationCollector{client: d.Client}
	})
}

// accreditationCollector pulls the Wise Giving Alliance charity report.
// The report body is not in the review page itself: the shell page
// carries a nonce and two ids, and an admin-ajax POST with those
// handles returns the actual report HTML. Most small charities have no
// report at all, so a clean not-found here is an acceptable miss, not
// a charity failure.
type accreditationCollector struct {
	client      *fetch.Client
	baseURL     string        // test override
	minInterval time.Duration // test override
}

func (a *accreditationCollector) SourceName() string { return SourceAccreditation }
func (a *accreditationCollector) SchemaKey() string  { return "accreditation" }

func (a *accreditationCollector) base() string {
	if a.baseURL != "" {
		return a.baseURL
	}
	return giveOrgBase
}

func (a *accreditationCollector) rateFloor() time.Duration {
	if a.minInterval > 0 {
		return a.minInterval
	}
	return giveOrgInterval
}

// substanceMarkers must appear in a report body for it to count as a
// report. The AJAX endpoint answers 200 with template scaffolding when
// the handles are stale.
var substanceMarkers = []string{
	"standards for charity accountability",
	"charity report",
	"accreditation",
	"meets standards",
}

func hasReportSubstance(html string) bool {
	l := strings.ToLower(html)
	for _, m := range substanceMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

func (a *accreditationCollector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, giveOrgTimeout)
	defer cancel()

	opts := fetch.Options{RateKey: SourceAccreditation, MinInterval: a.rateFloor()}

	searchURL := a.base() + "/search/?type=charity&term=" + url.QueryEscape(ch.Name)
	searchPage, err := a.client.Fetch(ctx, searchURL, opts)
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("accreditation search: %v", err)}
	}
	reviewURL := firstReviewLink(searchPage.HTML, a.base())
	if reviewURL == "" {
		return FetchResult{Err: fmt.Sprintf("not found: no accreditation report listed for %q", ch.Name)}
	}

	shell, err := a.client.Fetch(ctx, reviewURL, opts)
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("accreditation review shell: %v", err)}
	}
	nonce, charityID, reportID := reportHandles(shell.HTML)
	if nonce == "" || charityID == "" || reportID == "" {
		logger.Warn("accreditation shell exposed no report handles",
			"charity", ch.EIN, "url", reviewURL)
		return FetchResult{Err: "not found: accreditation review shell exposed no report handles"}
	}

	report, err := a.client.PostForm(ctx, a.base()+"/wp-admin/admin-ajax.php", map[string]string{
		"action":     "get_charity_report",
		"nonce":      nonce,
		"charity_id": charityID,
		"report_id":  reportID,
	}, opts)
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("accreditation report request: %v", err)}
	}
	if !hasReportSubstance(string(report)) {
		logger.Warn("accreditation report came back as an empty shell",
			"charity", ch.EIN, "url", reviewURL)
		return FetchResult{Err: "not found: accreditation report body was an empty shell"}
	}

	return FetchResult{
		OK:          true,
		RawData:     string(report),
		ContentType: "text/html",
		Metadata: map[string]string{
			"review_url": reviewURL,
			"charity_id": charityID,
			"report_id":  reportID,
		},
	}
}

// firstReviewLink returns the first charity-review href on the search
// results page, absolutized against the site base.
func firstReviewLink(html, base string) string {
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	link := ""
	gq.Find(`a[href*="charity-reviews/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		// Category index pages end at the section; a report link has a slug
		// beyond it.
		if href == "" || strings.HasSuffix(strings.TrimRight(href, "/"), "charity-reviews") {
			return true
		}
		if strings.HasPrefix(href, "/") {
			href = base + href
		}
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			link = href
			return false
		}
		return true
	})
	return link
}

var (
	nonceAttrRe = regexp.MustCompile(`data-nonce\s*=\s*["']([A-Za-z0-9]{6,64})["']`)
	nonceJSONRe = regexp.MustCompile(`(?i)"nonce"\s*:\s*"([A-Za-z0-9]{6,64})"`)
	charityIDRe = regexp.MustCompile(`(?i)(?:data-charity-id\s*=\s*["']|"?charity_?id"?\s*[:=]\s*["']?)(\d{1,12})`)
	reportIDRe  = regexp.MustCompile(`(?i)(?:data-report-id\s*=\s*["']|"?report_?id"?\s*[:=]\s*["']?)(\d{1,12})`)
)

// reportHandles digs the AJAX handles out of the review shell, trying
// data attributes first and inline script JSON second.
func reportHandles(html string) (nonce, charityID, reportID string) {
	if m := nonceAttrRe.FindStringSubmatch(html); m != nil {
		nonce = m[1]
	} else if m := nonceJSONRe.FindStringSubmatch(html); m != nil {
		nonce = m[1]
	}
	if m := charityIDRe.FindStringSubmatch(html); m != nil {
		charityID = m[1]
	}
	if m := reportIDRe.FindStringSubmatch(html); m != nil {
		reportID = m[1]
	}
	return nonce, charityID, reportID
}

var (
	meetsStandardsRe  = regexp.MustCompile(`(?i)meets\s+(?:all\s+|the\s+)?(\d{1,2})\s+(?:of\s+the\s+\d{1,2}\s+)?standards`)
	reportYearRe      = regexp.MustCompile(`(?i)(?:report\s+)?(?:valid|expires?|expiration)[^0-9]{0,30}((?:19|20)\d{2})`)
	accreditedPhrases = []string{"is an accredited charity", "meets the 20 standards", "meets all 20 standards", "meets standards"}
	notAccreditedRe   = regexp.MustCompile(`(?i)(?:did|does)\s+not\s+meet`)
	unableToVerifyStr = "unable to verify"
)

type accreditationDoc struct {
	EIN          string `json:"ein" validate:"required,ein"`
	Accredited   *bool  `json:"accredited,omitempty" description:"Whether the charity meets all Standards for Charity Accountability"`
	StandardsMet *int   `json:"standards_met,omitempty" validate:"omitempty,gte=0,lte=20" description:"Number of standards met, out of 20"`
	ReportURL    string `json:"report_url,omitempty" validate:"omitempty,url"`
	ReportYear   int    `json:"report_year,omitempty" validate:"omitempty,gte=1990,lte=2100" description:"Year the report is valid through"`
	Summary      string `json:"summary,omitempty" description:"Leading text of the report"`
}

var (
	accredSchemaOnce sync.Once
	accredSchemaVal  schema.Schema
	accredSchemaErr  error
)

func accredSchema() (schema.Schema, error) {
	accredSchemaOnce.Do(func() {
		accredSchemaVal, accredSchemaErr = schema.NewSchema[accreditationDoc](
			schema.WithName("accreditation"),
			schema.WithDescription("Wise Giving Alliance charity report outcome"),
		)
	})
	return accredSchemaVal, accredSchemaErr
}

func (a *accreditationCollector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	meta, body := DecodeEnvelope(raw)
	if strings.TrimSpace(body) == "" {
		return ParseResult{Err: "accreditation payload is empty"}
	}
	if !hasReportSubstance(body) {
		return ParseResult{Err: "not found: stored accreditation payload is an empty shell"}
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("accreditation payload is not HTML: %v", err)}
	}
	text := collapseText(gq.Text())
	lower := strings.ToLower(text)

	doc := accreditationDoc{
		EIN:       ch.EIN,
		ReportURL: meta["review_url"],
		Summary:   truncateText(text, 800),
	}

	switch {
	case notAccreditedRe.MatchString(text):
		f := false
		doc.Accredited = &f
	case strings.Contains(lower, unableToVerifyStr):
		// Verification failed on the Alliance's side; neither outcome.
	default:
		for _, phrase := range accreditedPhrases {
			if strings.Contains(lower, phrase) {
				t := true
				doc.Accredited = &t
				break
			}
		}
	}

	if m := meetsStandardsRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 20 {
			doc.StandardsMet = &n
		}
	}
	if m := reportYearRe.FindStringSubmatch(text); m != nil {
		if year, err := strconv.Atoi(m[1]); err == nil {
			doc.ReportYear = year
		}
	}

	s, err := accredSchema()
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("accreditation schema: %v", err)}
	}
	parsed, verr := validateDoc(s, doc)
	if verr != "" {
		return ParseResult{Err: verr}
	}
	return ParseResult{OK: true, ParsedData: parsed}
}
