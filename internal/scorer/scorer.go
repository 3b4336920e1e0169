// Package scorer ranks candidate URLs by how likely they are to carry
// evaluation-relevant content for a charity website.
package scorer

import (
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// Dimension labels the evaluation angle a URL most likely serves.
type Dimension string

const (
	DimTrust         Dimension = "trust"
	DimEvidence      Dimension = "evidence"
	DimEffectiveness Dimension = "effectiveness"
	DimFit           Dimension = "fit"
	DimDonation      Dimension = "donation"
	DimGeneral       Dimension = "general"
)

// scoredDimensions is the tie-break order for primary-dimension selection.
var scoredDimensions = []Dimension{DimTrust, DimEvidence, DimEffectiveness, DimFit, DimDonation}

// Keyword sets per dimension. Path keywords are hyphenated the way site
// slugs are; context matching tokenizes, so single words match anywhere.
var dimensionKeywords = map[Dimension][]string{
	DimTrust: {
		"financials", "financial", "990", "form-990", "annual-report",
		"audit", "audited", "governance", "board", "leadership",
		"transparency", "accountability",
	},
	DimEvidence: {
		"impact", "outcomes", "results", "evaluation", "evidence",
		"research", "metrics", "measurement", "reports",
	},
	DimEffectiveness: {
		"programs", "program", "services", "projects", "interventions",
		"effectiveness", "theory-of-change", "our-work", "what-we-do",
		"approach", "model",
	},
	DimFit: {
		"zakat", "sadaqah", "islamic", "muslim", "shariah", "sharia",
		"halal", "ummah", "faith",
	},
	DimDonation: {
		"donate", "donation", "donations", "give", "giving",
		"contribute", "support-us", "sponsor", "fundraise",
	},
}

// canonicalPaths are short well-known paths that are nearly always worth
// crawling regardless of keyword hits.
var canonicalPaths = map[string]bool{
	"/about":         true,
	"/about-us":      true,
	"/who-we-are":    true,
	"/mission":       true,
	"/donate":        true,
	"/zakat":         true,
	"/impact":        true,
	"/programs":      true,
	"/our-work":      true,
	"/what-we-do":    true,
	"/financials":    true,
	"/annual-report": true,
	"/contact":       true,
}

// penaltyKeywords mark paths that are almost never evaluation content.
var penaltyKeywords = []string{
	"/blog", "/news", "/events", "/press", "/careers", "/jobs",
	"/shop", "/store", "/cart", "/login", "/privacy", "/terms",
	"/tag/", "/category/", "/author/",
}

// boostMarkers trigger the post-fetch content boost. They are the
// religious-giving markers the crawl exists to find.
var boostMarkers = []string{
	"zakat", "sadaqah", "zakatable", "100% donation policy",
}

const (
	contextPoints   = 15
	pathPoints      = 20
	multiBonus      = 5
	dimensionCap    = 25
	donationCap     = 15
	canonicalBonus  = 30
	penaltyPoints   = 15
	longSegmentCut  = 50
	longSegmentCost = 20
	homepageScore   = 70
	contentBoost    = 50
)

// Scored is one URL with its crawl priority.
type Scored struct {
	URL              string
	Score            int
	PrimaryDimension Dimension
	PageType         string
	Depth            int
	Boosted          bool
}

// Score rates a URL from its path and surrounding context (anchor text,
// page title, h1). Scores are clamped to [0, 100].
func Score(rawURL, anchor, title, h1 string) Scored {
	s := Scored{URL: rawURL, PrimaryDimension: DimGeneral, PageType: "general"}

	u, err := url.Parse(rawURL)
	if err != nil {
		return s
	}
	path := strings.ToLower(strings.TrimSuffix(u.Path, "/"))
	s.Depth = pathDepth(path)
	s.PageType = classifyPageType(path)

	if path == "" {
		s.Score = homepageScore
		s.PageType = "homepage"
		return s
	}

	context := strings.ToLower(anchor + " " + title + " " + h1)

	total := 0
	best := 0
	for _, dim := range scoredDimensions {
		pts := dimensionPoints(dim, path, context)
		if pts > best {
			best = pts
			s.PrimaryDimension = dim
		}
		total += pts
	}

	if canonicalPaths[path] {
		total += canonicalBonus
	}
	for _, kw := range penaltyKeywords {
		if strings.Contains(path, kw) {
			total -= penaltyPoints
			break
		}
	}
	if segs := splitPath(path); len(segs) == 1 && len(segs[0]) > longSegmentCut {
		total -= longSegmentCost
	}

	s.Score = clamp(total)
	return s
}

// dimensionPoints scores one dimension: 20 for a path hit, else 15 for a
// context hit, +5 when more than one keyword matched, capped per dimension.
func dimensionPoints(dim Dimension, path, context string) int {
	matched := 0
	pathHit := false
	for _, kw := range dimensionKeywords[dim] {
		hit := false
		if strings.Contains(path, kw) {
			hit = true
			pathHit = true
		} else if containsWord(context, kw) {
			hit = true
		}
		if hit {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	pts := contextPoints
	if pathHit {
		pts = pathPoints
	}
	if matched > 1 {
		pts += multiBonus
	}
	limit := dimensionCap
	if dim == DimDonation {
		limit = donationCap
	}
	if pts > limit {
		pts = limit
	}
	return pts
}

// ApplyContentBoost re-scores a page after its body is available. A marker
// hit adds the boost and reclassifies the page toward religious-giving fit.
func ApplyContentBoost(s Scored, html string) Scored {
	lower := strings.ToLower(html)
	for _, marker := range boostMarkers {
		if strings.Contains(lower, marker) {
			s.Score = clamp(s.Score + contentBoost)
			s.PrimaryDimension = DimFit
			s.Boosted = true
			return s
		}
	}
	return s
}

// SelectTop picks up to n URLs: the guaranteed slots first (one homepage,
// two per dimension, up to two donation pages), then best-score fill.
// allowed filters robots-disallowed URLs before anything is considered;
// nil means everything is allowed.
func SelectTop(scored []Scored, n int, allowed func(string) bool) []Scored {
	if n <= 0 {
		return nil
	}

	eligible := make([]Scored, 0, len(scored))
	for _, s := range scored {
		if allowed != nil && !allowed(s.URL) {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		if eligible[i].Depth != eligible[j].Depth {
			return eligible[i].Depth < eligible[j].Depth
		}
		return eligible[i].URL < eligible[j].URL
	})

	picked := make([]Scored, 0, n)
	seen := make(map[string]bool)
	take := func(s Scored) {
		if len(picked) < n && !seen[s.URL] {
			seen[s.URL] = true
			picked = append(picked, s)
		}
	}

	for _, s := range eligible {
		if s.PageType == "homepage" {
			take(s)
			break
		}
	}
	for _, dim := range scoredDimensions {
		if dim == DimDonation {
			continue
		}
		count := 0
		for _, s := range eligible {
			if s.PrimaryDimension == dim && !seen[s.URL] {
				take(s)
				count++
				if count == 2 {
					break
				}
			}
		}
	}
	count := 0
	for _, s := range eligible {
		if s.PrimaryDimension == DimDonation && !seen[s.URL] {
			take(s)
			count++
			if count == 2 {
				break
			}
		}
	}
	for _, s := range eligible {
		take(s)
	}

	return picked
}

// PageTypeFor classifies a URL into the page-type vocabulary shared by
// URL scoring and the extraction prompts.
func PageTypeFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "general"
	}
	return classifyPageType(strings.ToLower(strings.TrimSuffix(u.Path, "/")))
}

// classifyPageType maps a path to the page-type vocabulary the extraction
// prompts are conditioned on.
func classifyPageType(path string) string {
	switch {
	case path == "":
		return "homepage"
	case strings.Contains(path, "zakat") || strings.Contains(path, "sadaqah"):
		return "zakat"
	case strings.Contains(path, "about") || strings.Contains(path, "who-we-are") || strings.Contains(path, "mission") || strings.Contains(path, "our-story"):
		return "about"
	case strings.Contains(path, "program") || strings.Contains(path, "our-work") || strings.Contains(path, "what-we-do") || strings.Contains(path, "services") || strings.Contains(path, "project"):
		return "programs"
	case strings.Contains(path, "impact") || strings.Contains(path, "results") || strings.Contains(path, "outcomes") || strings.Contains(path, "financial") || strings.Contains(path, "annual-report") || strings.Contains(path, "990"):
		return "impact"
	case strings.Contains(path, "donat") || strings.Contains(path, "give") || strings.Contains(path, "giving"):
		return "donate"
	case strings.Contains(path, "contact"):
		return "contact"
	default:
		return "general"
	}
}

func pathDepth(path string) int {
	return len(splitPath(path))
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// containsWord matches single-word keywords on token boundaries; keywords
// carrying separators fall back to substring match.
func containsWord(s, kw string) bool {
	if strings.ContainsAny(kw, " -") {
		return strings.Contains(s, kw)
	}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if tok == kw {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
