package collectors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// candidProfileURL is the GuideStar profile page, keyed by the dashed
// EIN.
const candidProfileURL = "https://www.guidestar.org/profile/%s"

func init() {
	Register(SourceCandid, func(d Deps) Collector {
		return &candidCollector{client: d.Client}
	})
}

// candidCollector reads the Candid (GuideStar) profile: name, mission
// and the Seal of Transparency level. Extraction is deterministic HTML
// only; profile text is the organization's own words and an LLM pass
// would add nothing but cost.
type candidCollector struct {
	client  *fetch.Client
	baseURL string // test override
}

func (c *candidCollector) SourceName() string { return SourceCandid }
func (c *candidCollector) SchemaKey() string  { return "candid" }

func (c *candidCollector) endpoint(ein string) string {
	base := c.baseURL
	if base == "" {
		base = candidProfileURL
	}
	return fmt.Sprintf(base, ein)
}

func (c *candidCollector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, candidTimeout)
	defer cancel()

	page, err := c.client.Fetch(ctx, c.endpoint(ch.EIN), fetch.Options{
		RateKey:     SourceCandid,
		MinInterval: candidInterval,
	})
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("candid profile: %v", err)}
	}
	return FetchResult{
		OK:          true,
		RawData:     page.HTML,
		ContentType: "text/html",
		Metadata:    map[string]string{"profile_url": page.FinalURL},
	}
}

// candidPlaceholders marks boilerplate Candid renders where the
// organization never supplied content. Matching text is dropped, never
// stored as if it were profile data.
var candidPlaceholders = []string{
	"has not provided information",
	"has not yet provided information",
	"not available for this organization",
	"no information provided",
	"this profile needs more info",
	"log in to see this information",
}

func isCandidPlaceholder(s string) bool {
	l := strings.ToLower(s)
	for _, p := range candidPlaceholders {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

var candidRulingYearRe = regexp.MustCompile(`(?i)ruling year(?:\s+info)?\D{0,10}((?:19|20)\d{2})`)

type candidDoc struct {
	EIN        string `json:"ein" validate:"required,ein"`
	Name       string `json:"name,omitempty"`
	Mission    string `json:"mission,omitempty" description:"Mission statement as published on the profile"`
	SealLevel  string `json:"seal_level,omitempty" validate:"omitempty,oneof=bronze silver gold platinum" description:"Seal of Transparency level"`
	RulingYear int    `json:"ruling_year,omitempty" validate:"omitempty,gte=1900,lte=2100" description:"Year of the IRS determination letter"`
	ProfileURL string `json:"profile_url,omitempty" validate:"omitempty,url"`
}

var (
	candidSchemaOnce sync.Once
	candidSchemaVal  schema.Schema
	candidSchemaErr  error
)

func candidSchema() (schema.Schema, error) {
	candidSchemaOnce.Do(func() {
		candidSchemaVal, candidSchemaErr = schema.NewSchema[candidDoc](
			schema.WithName("candid"),
			schema.WithDescription("Profile facts and transparency seal from Candid"),
		)
	})
	return candidSchemaVal, candidSchemaErr
}

func (c *candidCollector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	meta, body := DecodeEnvelope(raw)
	if strings.TrimSpace(body) == "" {
		return ParseResult{Err: "candid payload is empty"}
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("candid payload is not HTML: %v", err)}
	}

	doc := candidDoc{
		EIN:        ch.EIN,
		ProfileURL: meta["profile_url"],
	}
	if name := collapseText(gq.Find("h1").First().Text()); !isCandidPlaceholder(name) {
		doc.Name = name
	}
	if mission := candidMission(gq); !isCandidPlaceholder(mission) {
		doc.Mission = mission
	}
	doc.SealLevel = candidSealLevel(gq)
	if m := candidRulingYearRe.FindStringSubmatch(gq.Text()); m != nil {
		if year, err := strconv.Atoi(m[1]); err == nil {
			doc.RulingYear = year
		}
	}

	if doc.Name == "" && doc.Mission == "" && doc.SealLevel == "" {
		return ParseResult{Err: "candid profile had no usable content"}
	}

	s, err := candidSchema()
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("candid schema: %v", err)}
	}
	parsed, verr := validateDoc(s, doc)
	if verr != "" {
		return ParseResult{Err: verr}
	}
	return ParseResult{OK: true, ParsedData: parsed}
}

// candidMission looks for a mission-id container first, then for a
// "Mission" heading with its following paragraph.
func candidMission(gq *goquery.Document) string {
	mission := ""
	gq.Find("section[id], div[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		if !strings.Contains(strings.ToLower(id), "mission") {
			return true
		}
		text := collapseText(s.Find("p").Text())
		if text == "" {
			text = strings.TrimSpace(strings.TrimPrefix(collapseText(s.Text()), "Mission"))
		}
		if text != "" {
			mission = text
			return false
		}
		return true
	})
	if mission != "" {
		return mission
	}

	gq.Find("h2, h3").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.EqualFold(collapseText(h.Text()), "mission") {
			return true
		}
		if text := collapseText(h.Parent().Find("p").First().Text()); text != "" {
			mission = text
			return false
		}
		return true
	})
	return mission
}

// candidSealLevel reads the seal from an image title or a container id
// only. The class names on the seal markup rotate between site builds
// and are not trusted.
func candidSealLevel(gq *goquery.Document) string {
	level := ""
	gq.Find("img[title], [id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if title, ok := s.Attr("title"); ok {
			if l := sealLevelIn(title); l != "" {
				level = l
				return false
			}
		}
		if id, ok := s.Attr("id"); ok {
			if l := sealLevelIn(id); l != "" {
				level = l
				return false
			}
		}
		return true
	})
	return level
}

func sealLevelIn(s string) string {
	l := strings.ToLower(s)
	if !strings.Contains(l, "seal") && !strings.Contains(l, "transparency") {
		return ""
	}
	for _, lvl := range []string{"platinum", "gold", "silver", "bronze"} {
		if strings.Contains(l, lvl) {
			return lvl
		}
	}
	return ""
}
