package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// charityNavigatorURL is the EIN-keyed profile page.
const charityNavigatorURL = "https://www.charitynavigator.org/ein/%s"

// cnMaxCEOComp bounds plausible chief executive compensation in USD.
const cnMaxCEOComp = 50_000_000

func init() {
	Register(SourceCharityNavigator, func(d Deps) Collector {
		return &charityNavigatorCollector{client: d.Client, provider: d.Provider}
	})
}

// charityNavigatorCollector reads Encompass scores, beacon sub-scores,
// financial ratios and CEO compensation from a Charity Navigator
// profile. The page is a Next.js app, so the embedded __NEXT_DATA__
// JSON is the primary source; page-text regexes and then the LLM fill
// in only what the JSON pass missed.
type charityNavigatorCollector struct {
	client   *fetch.Client
	provider llm.Provider
	baseURL  string // test override
}

func (c *charityNavigatorCollector) SourceName() string { return SourceCharityNavigator }
func (c *charityNavigatorCollector) SchemaKey() string  { return "charity_navigator" }

func (c *charityNavigatorCollector) endpoint(ein string) string {
	base := c.baseURL
	if base == "" {
		base = charityNavigatorURL
	}
	return fmt.Sprintf(base, einDigits(ein))
}

func (c *charityNavigatorCollector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, navigatorTimeout)
	defer cancel()

	page, err := c.client.Fetch(ctx, c.endpoint(ch.EIN), fetch.Options{
		RateKey:     SourceCharityNavigator,
		MinInterval: navigatorInterval,
	})
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("charity navigator profile: %v", err)}
	}
	return FetchResult{
		OK:          true,
		RawData:     page.HTML,
		ContentType: "text/html",
		Metadata:    map[string]string{"profile_url": page.FinalURL},
	}
}

type charityNavigatorDoc struct {
	EIN                     string   `json:"ein" validate:"required,ein"`
	Name                    string   `json:"name,omitempty"`
	ProfileURL              string   `json:"profile_url,omitempty" validate:"omitempty,url"`
	OverallScore            *float64 `json:"overall_score,omitempty" validate:"omitempty,gte=0,lte=100" description:"Encompass overall score out of 100"`
	StarRating              *float64 `json:"star_rating,omitempty" validate:"omitempty,gte=0,lte=4" description:"Legacy star rating, 0 to 4"`
	BeaconImpact            *float64 `json:"beacon_impact_results,omitempty" validate:"omitempty,gte=0,lte=100" description:"Impact & Results beacon score"`
	BeaconFinance           *float64 `json:"beacon_accountability_finance,omitempty" validate:"omitempty,gte=0,lte=100" description:"Accountability & Finance beacon score"`
	BeaconCulture           *float64 `json:"beacon_culture_community,omitempty" validate:"omitempty,gte=0,lte=100" description:"Culture & Community beacon score"`
	BeaconLeadership        *float64 `json:"beacon_leadership_adaptability,omitempty" validate:"omitempty,gte=0,lte=100" description:"Leadership & Adaptability beacon score"`
	ProgramExpenseRatio     *float64 `json:"program_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100" description:"Program spending as a percentage of total expenses"`
	AdminExpenseRatio       *float64 `json:"admin_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100"`
	FundraisingExpenseRatio *float64 `json:"fundraising_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100"`
	CEOName                 string   `json:"ceo_name,omitempty"`
	CEOCompensation         *float64 `json:"ceo_compensation,omitempty" validate:"omitempty,gte=0,lte=50000000"`
	HasEncompassAward       bool     `json:"cn_has_encompass_award" description:"True when Charity Navigator has published an Encompass rating for the organization"`
	ExtractionMethods       []string `json:"extraction_methods,omitempty"`
}

var (
	cnSchemaOnce sync.Once
	cnSchemaVal  schema.Schema
	cnSchemaErr  error
)

func cnSchema() (schema.Schema, error) {
	cnSchemaOnce.Do(func() {
		cnSchemaVal, cnSchemaErr = schema.NewSchema[charityNavigatorDoc](
			schema.WithName("charity_navigator"),
			schema.WithDescription("Ratings and financial efficiency figures from a Charity Navigator profile"),
		)
	})
	return cnSchemaVal, cnSchemaErr
}

func (c *charityNavigatorCollector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	meta, body := DecodeEnvelope(raw)
	if strings.TrimSpace(body) == "" {
		return ParseResult{Err: "charity navigator payload is empty"}
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("charity navigator payload is not HTML: %v", err)}
	}

	doc := charityNavigatorDoc{
		EIN:        ch.EIN,
		Name:       collapseText(gq.Find("h1").First().Text()),
		ProfileURL: meta["profile_url"],
	}

	if leaves := flattenJSON(extractNextData(gq)); leaves != nil {
		c.fromNextData(&doc, leaves)
		doc.ExtractionMethods = append(doc.ExtractionMethods, "next_data")
	}

	text := collapseText(gq.Text())
	if c.fromPageText(&doc, text) {
		doc.ExtractionMethods = append(doc.ExtractionMethods, "regex")
	}

	if c.provider != nil && cnMissingFields(&doc) {
		if c.fromLLM(ctx, &doc, text) {
			doc.ExtractionMethods = append(doc.ExtractionMethods, "llm")
		}
	}

	// The Encompass award flag means a rating publication exists, which
	// is exactly an overall score being published.
	doc.HasEncompassAward = doc.OverallScore != nil

	s, err := cnSchema()
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("charity navigator schema: %v", err)}
	}
	parsed, verr := validateDoc(s, doc)
	if verr != "" {
		return ParseResult{Err: verr}
	}
	return ParseResult{OK: true, ParsedData: parsed}
}

// fromNextData fills the document from the flattened __NEXT_DATA__
// tree. Every lookup is bounds-gated so stray numbers cannot land in a
// score field.
func (c *charityNavigatorCollector) fromNextData(doc *charityNavigatorDoc, leaves *jsonLeaves) {
	setNum := func(dst **float64, min, max float64, fragmentSets ...[]string) {
		if *dst != nil {
			return
		}
		for _, fragments := range fragmentSets {
			if f, ok := leaves.number(min, max, fragments...); ok {
				*dst = &f
				return
			}
		}
	}

	setNum(&doc.OverallScore, 0, 100,
		[]string{"overall", "score"}, []string{"encompass", "score"}, []string{"rating", "score"})
	setNum(&doc.StarRating, 0, 4, []string{"star"})

	beacons := map[string]float64{}
	collectBeacons(leaves.root, beacons)
	setBeacon := func(dst **float64, key string) {
		if *dst == nil {
			if f, ok := beacons[key]; ok {
				*dst = &f
			}
		}
	}
	setBeacon(&doc.BeaconImpact, "impact")
	setBeacon(&doc.BeaconFinance, "finance")
	setBeacon(&doc.BeaconCulture, "culture")
	setBeacon(&doc.BeaconLeadership, "leadership")

	setRatio := func(dst **float64, fragmentSets ...[]string) {
		if *dst != nil {
			return
		}
		for _, fragments := range fragmentSets {
			if f, ok := leaves.number(0, 100, fragments...); ok {
				f = asPercent(f)
				*dst = &f
				return
			}
		}
	}
	setRatio(&doc.ProgramExpenseRatio, []string{"program", "expense"})
	setRatio(&doc.AdminExpenseRatio, []string{"admin", "expense"})
	setRatio(&doc.FundraisingExpenseRatio, []string{"fundrais", "expense"})

	var ceoName string
	var ceoComp float64
	findCEO(leaves.root, &ceoName, &ceoComp)
	if doc.CEOName == "" {
		doc.CEOName = ceoName
	}
	if doc.CEOCompensation == nil && ceoComp > 0 {
		doc.CEOCompensation = &ceoComp
	}
}

var (
	cnOverallRe = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d+)?)\s*(?:/|out of)\s*100`)
	cnCEORe     = regexp.MustCompile(`(?i)(?:CEO|Chief Executive Officer|President)[^$]{0,160}?\$\s?(\d{1,3}(?:,\d{3})+|\d+)`)

	cnProgramRatioRe     = regexp.MustCompile(`(?i)program\s+expense(?:s|\s+ratio)?[^0-9%]{0,40}?(\d{1,3}(?:\.\d+)?)\s*%`)
	cnAdminRatioRe       = regexp.MustCompile(`(?i)administrative?\s+expense(?:s|\s+ratio)?[^0-9%]{0,40}?(\d{1,3}(?:\.\d+)?)\s*%`)
	cnFundraisingRatioRe = regexp.MustCompile(`(?i)fundraising\s+expense(?:s|\s+ratio)?[^0-9%]{0,40}?(\d{1,3}(?:\.\d+)?)\s*%`)
)

// fromPageText regex-fills fields the JSON pass missed. Returns true
// when anything was added.
func (c *charityNavigatorCollector) fromPageText(doc *charityNavigatorDoc, text string) bool {
	added := false

	if doc.OverallScore == nil {
		if m := cnOverallRe.FindStringSubmatch(text); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil && f >= 0 && f <= 100 {
				doc.OverallScore = &f
				added = true
			}
		}
	}
	fillRatio := func(dst **float64, re *regexp.Regexp) {
		if *dst != nil {
			return
		}
		if m := re.FindStringSubmatch(text); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil && f >= 0 && f <= 100 {
				*dst = &f
				added = true
			}
		}
	}
	fillRatio(&doc.ProgramExpenseRatio, cnProgramRatioRe)
	fillRatio(&doc.AdminExpenseRatio, cnAdminRatioRe)
	fillRatio(&doc.FundraisingExpenseRatio, cnFundraisingRatioRe)

	if doc.CEOCompensation == nil {
		if m := cnCEORe.FindStringSubmatch(text); m != nil {
			if f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil && f > 0 && f <= cnMaxCEOComp {
				doc.CEOCompensation = &f
				added = true
			}
		}
	}
	return added
}

// cnLLMFields is the fallback extraction shape. All fields are optional;
// only ones the earlier passes missed get copied out.
type cnLLMFields struct {
	OverallScore            *float64 `json:"overall_score,omitempty" validate:"omitempty,gte=0,lte=100" description:"Encompass overall score out of 100"`
	StarRating              *float64 `json:"star_rating,omitempty" validate:"omitempty,gte=0,lte=4" description:"Star rating, 0 to 4"`
	BeaconImpact            *float64 `json:"beacon_impact_results,omitempty" validate:"omitempty,gte=0,lte=100" description:"Impact & Results beacon score"`
	BeaconFinance           *float64 `json:"beacon_accountability_finance,omitempty" validate:"omitempty,gte=0,lte=100" description:"Accountability & Finance beacon score"`
	BeaconCulture           *float64 `json:"beacon_culture_community,omitempty" validate:"omitempty,gte=0,lte=100" description:"Culture & Community beacon score"`
	BeaconLeadership        *float64 `json:"beacon_leadership_adaptability,omitempty" validate:"omitempty,gte=0,lte=100" description:"Leadership & Adaptability beacon score"`
	ProgramExpenseRatio     *float64 `json:"program_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100" description:"Program expense percentage"`
	AdminExpenseRatio       *float64 `json:"admin_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100" description:"Administrative expense percentage"`
	FundraisingExpenseRatio *float64 `json:"fundraising_expense_ratio,omitempty" validate:"omitempty,gte=0,lte=100" description:"Fundraising expense percentage"`
	CEOName                 string   `json:"ceo_name,omitempty" description:"Chief executive's name"`
	CEOCompensation         *float64 `json:"ceo_compensation,omitempty" validate:"omitempty,gte=0,lte=50000000" description:"Chief executive's total compensation in USD"`
}

var (
	cnLLMSchemaOnce sync.Once
	cnLLMSchemaVal  schema.Schema
	cnLLMSchemaErr  error
)

func cnLLMSchema() (schema.Schema, error) {
	cnLLMSchemaOnce.Do(func() {
		cnLLMSchemaVal, cnLLMSchemaErr = schema.NewSchema[cnLLMFields](
			schema.WithName("charity_navigator_page"),
			schema.WithDescription("Ratings stated on a Charity Navigator profile page"),
		)
	})
	return cnLLMSchemaVal, cnLLMSchemaErr
}

const cnSystemPrompt = `You read Charity Navigator profile pages and report the published ratings.

Rules:
1. Respond with a single JSON object matching the schema. No prose, no code fences.
2. Report only numbers the page states. Omit anything not shown. Never estimate.
3. Scores are out of 100, star ratings out of 4, expense ratios are percentages.`

func cnMissingFields(doc *charityNavigatorDoc) bool {
	return doc.OverallScore == nil || doc.BeaconImpact == nil || doc.BeaconFinance == nil ||
		doc.ProgramExpenseRatio == nil || doc.CEOCompensation == nil
}

// fromLLM asks the model for whatever is still missing and copies each
// answer over only if it lands inside the field's bounds.
func (c *charityNavigatorCollector) fromLLM(ctx context.Context, doc *charityNavigatorDoc, text string) bool {
	s, err := cnLLMSchema()
	if err != nil {
		logger.Warn("charity navigator llm schema", "error", err)
		return false
	}
	js, err := s.ToJSONSchema()
	if err != nil {
		logger.Warn("charity navigator llm schema", "error", err)
		return false
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: cnSystemPrompt},
			{Role: llm.RoleUser, Content: "Extract the published ratings from this profile page text.\n\n" + truncateText(text, 30000)},
		},
		MaxTokens:   1024,
		Temperature: 0,
		JSONSchema:  js,
	})
	if err != nil {
		logger.Debug("charity navigator llm fallback failed", "error", err)
		return false
	}
	parsed, err := s.Unmarshal([]byte(stripJSONFences(resp.Content)))
	if err != nil {
		logger.Debug("charity navigator llm returned invalid JSON", "error", err)
		return false
	}
	fields, ok := parsed.(*cnLLMFields)
	if !ok {
		return false
	}

	added := false
	copyBounded := func(dst **float64, src *float64, min, max float64, field string) {
		if *dst != nil || src == nil {
			return
		}
		if *src < min || *src > max {
			logger.Warn("charity navigator llm value out of bounds, dropping", "field", field, "value", *src)
			return
		}
		v := *src
		*dst = &v
		added = true
	}
	copyBounded(&doc.OverallScore, fields.OverallScore, 0, 100, "overall_score")
	copyBounded(&doc.StarRating, fields.StarRating, 0, 4, "star_rating")
	copyBounded(&doc.BeaconImpact, fields.BeaconImpact, 0, 100, "beacon_impact_results")
	copyBounded(&doc.BeaconFinance, fields.BeaconFinance, 0, 100, "beacon_accountability_finance")
	copyBounded(&doc.BeaconCulture, fields.BeaconCulture, 0, 100, "beacon_culture_community")
	copyBounded(&doc.BeaconLeadership, fields.BeaconLeadership, 0, 100, "beacon_leadership_adaptability")
	copyBounded(&doc.ProgramExpenseRatio, fields.ProgramExpenseRatio, 0, 100, "program_expense_ratio")
	copyBounded(&doc.AdminExpenseRatio, fields.AdminExpenseRatio, 0, 100, "admin_expense_ratio")
	copyBounded(&doc.FundraisingExpenseRatio, fields.FundraisingExpenseRatio, 0, 100, "fundraising_expense_ratio")
	copyBounded(&doc.CEOCompensation, fields.CEOCompensation, 0, cnMaxCEOComp, "ceo_compensation")
	if doc.CEOName == "" && strings.TrimSpace(fields.CEOName) != "" {
		doc.CEOName = strings.TrimSpace(fields.CEOName)
		added = true
	}
	return added
}

// extractNextData pulls the Next.js page-data script body.
func extractNextData(gq *goquery.Document) string {
	return strings.TrimSpace(gq.Find("script#__NEXT_DATA__").First().Text())
}

// jsonLeaves is a decoded JSON tree flattened to lowercase dotted paths.
// Array indexes are dropped so repeated structures share one path.
type jsonLeaves struct {
	root   any
	values map[string][]any
	paths  []string // sorted, so scans are deterministic
}

func flattenJSON(raw string) *jsonLeaves {
	if raw == "" {
		return nil
	}
	var root any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil
	}
	l := &jsonLeaves{root: root, values: map[string][]any{}}
	flattenInto(root, "", l.values)
	l.paths = make([]string, 0, len(l.values))
	for p := range l.values {
		l.paths = append(l.paths, p)
	}
	sort.Strings(l.paths)
	return l
}

func flattenInto(v any, prefix string, out map[string][]any) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			p := strings.ToLower(k)
			if prefix != "" {
				p = prefix + "." + p
			}
			flattenInto(t[k], p, out)
		}
	case []any:
		for _, child := range t {
			flattenInto(child, prefix, out)
		}
	default:
		out[prefix] = append(out[prefix], v)
	}
}

// number returns the first in-bounds numeric leaf whose path contains
// every fragment.
func (l *jsonLeaves) number(min, max float64, fragments ...string) (float64, bool) {
	if l == nil {
		return 0, false
	}
	for _, p := range l.paths {
		if !pathHasAll(p, fragments) {
			continue
		}
		for _, v := range l.values[p] {
			if f, ok := asFloat(v); ok && f >= min && f <= max {
				return f, true
			}
		}
	}
	return 0, false
}

func pathHasAll(p string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(p, f) {
			return false
		}
	}
	return true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		t = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if t == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(t, ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asPercent reads ratio leaves that appear both as fractions and as
// percentages across site builds.
func asPercent(f float64) float64 {
	if f <= 1.0 {
		return f * 100
	}
	return f
}

// collectBeacons finds named sub-scores in either shape the page data
// uses: {"name": "Impact & Results", "score": 100} pairs, or keys like
// "impactScore" holding a number.
func collectBeacons(v any, out map[string]float64) {
	switch t := v.(type) {
	case map[string]any:
		if name, score, ok := namedScore(t); ok {
			if key, bok := beaconKeyFor(name); bok {
				if _, seen := out[key]; !seen {
					out[key] = score
				}
			}
		}
		for _, k := range sortedKeys(t) {
			lk := strings.ToLower(k)
			if strings.Contains(lk, "score") || strings.Contains(lk, "rating") {
				if key, bok := beaconKeyFor(lk); bok {
					if f, fok := asFloat(t[k]); fok && f >= 0 && f <= 100 {
						if _, seen := out[key]; !seen {
							out[key] = f
						}
					}
				}
			}
			collectBeacons(t[k], out)
		}
	case []any:
		for _, child := range t {
			collectBeacons(child, out)
		}
	}
}

// namedScore reads a {"name": ..., "score": ...} style object.
func namedScore(m map[string]any) (string, float64, bool) {
	var name string
	var score float64
	var hasName, hasScore bool
	for k, v := range m {
		switch strings.ToLower(k) {
		case "name", "title", "label":
			if s, ok := v.(string); ok && s != "" && !hasName {
				name, hasName = s, true
			}
		case "score", "value", "points":
			if f, ok := asFloat(v); ok && f >= 0 && f <= 100 && !hasScore {
				score, hasScore = f, true
			}
		}
	}
	return name, score, hasName && hasScore
}

// beaconKeyFor maps a label or JSON key onto its beacon, e.g. both
// "Impact & Results" and "impactScore" land on impact.
func beaconKeyFor(s string) (string, bool) {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "impact"):
		return "impact", true
	case strings.Contains(l, "account"), strings.Contains(l, "financ"):
		return "finance", true
	case strings.Contains(l, "culture"), strings.Contains(l, "community"):
		return "culture", true
	case strings.Contains(l, "leadership"), strings.Contains(l, "adaptab"):
		return "leadership", true
	}
	return "", false
}

// findCEO walks the tree for an officer record whose title marks the
// chief executive, falling back to ceo-prefixed keys.
func findCEO(v any, name *string, comp *float64) {
	switch t := v.(type) {
	case map[string]any:
		var title, person string
		var pay float64
		for k, val := range t {
			lk := strings.ToLower(k)
			switch {
			case lk == "title" || lk == "role" || lk == "position":
				if s, ok := val.(string); ok && title == "" {
					title = s
				}
			case lk == "name" || strings.Contains(lk, "ceoname"):
				if s, ok := val.(string); ok && person == "" {
					person = s
				}
			case strings.Contains(lk, "compensation") || lk == "salary":
				if f, ok := asFloat(val); ok && f > 0 && f <= cnMaxCEOComp && pay == 0 {
					pay = f
				}
			}
		}
		if isCEOTitle(title) {
			if *name == "" && person != "" {
				*name = collapseText(person)
			}
			if *comp == 0 && pay > 0 {
				*comp = pay
			}
		}
		for _, k := range sortedKeys(t) {
			findCEO(t[k], name, comp)
		}
	case []any:
		for _, child := range t {
			findCEO(child, name, comp)
		}
	}
}

func isCEOTitle(title string) bool {
	l := strings.ToLower(title)
	return strings.Contains(l, "ceo") ||
		strings.Contains(l, "chief executive") ||
		strings.Contains(l, "executive director") ||
		strings.Contains(l, "president")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collapseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + " [truncated]"
}

func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
