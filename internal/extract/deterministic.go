package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
)

// The deterministic pass runs over raw HTML rather than cleaned text so
// link hrefs and footer small print stay visible to the patterns.
var (
	einRe    = regexp.MustCompile(`(?i)(?:EIN|E\.I\.N\.|Tax\s*ID|Federal\s*Tax\s*ID(?:entification)?)(?:\s*(?:No|Number|#))?\s*[:#]?\s*(\d{2}-?\d{7})\b`)
	emailRe  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	mailtoRe = regexp.MustCompile(`(?i)mailto:([^"'?&\s>]+)`)
	telRe    = regexp.MustCompile(`(?i)href=["']tel:\+?([0-9().\s\-]{7,})["']`)
	// phoneRe requires separators between digit groups so bare digit
	// runs and dates do not match. The leading class anchors the area
	// code to a non-digit boundary.
	phoneRe      = regexp.MustCompile(`(?:^|[^0-9])((?:\+?1[\s.\-])?\(?[0-9]{3}\)?[\s.\-][0-9]{3}[\s.\-][0-9]{4})\b`)
	socialRe = regexp.MustCompile(`https?://(?:www\.)?(?:facebook\.com|twitter\.com|x\.com|instagram\.com|linkedin\.com|youtube\.com|tiktok\.com)/[A-Za-z0-9_.\-/@%]+`)
	// The word boundaries keep campaign pages like /thanksgiving out.
	donateHrefRe = regexp.MustCompile(`(?i)href=["']([^"']*\b(?:donat[a-z]*|give(?:-now)?|giving|zakat)\b[^"']*)["']`)
	deductibleRe = regexp.MustCompile(`(?i)tax[\s\-]?deductible|501\s*\(\s*c\s*\)\s*\(\s*3\s*\)`)
)

// Deterministic extracts fields a regex can find reliably: the tax
// identifier near its label, contact details, social profiles, a donate
// link and tax-deductibility language.
func Deterministic(html, pageURL string) []Result {
	now := time.Now().UTC()
	var out []Result
	add := func(field string, value any, conf float64) {
		out = append(out, Result{
			Field:      field,
			Value:      value,
			Source:     SourceDeterministic,
			Confidence: conf,
			PageURL:    pageURL,
			Timestamp:  now,
		})
	}

	if m := einRe.FindStringSubmatch(html); m != nil {
		if ein, err := charity.NormalizeEIN(m[1]); err == nil {
			add("ein", ein, confEIN)
		}
	}
	if email := pickEmail(html); email != "" {
		add("email", email, confContact)
	}
	if phone := pickPhone(html); phone != "" {
		add("phone", phone, confContact)
	}
	if social := socialProfiles(html); len(social) > 0 {
		add("social_media", social, confContact)
	}
	if donate := donateLink(html, pageURL); donate != "" {
		add("donate_url", donate, confPattern)
	}
	if deductibleRe.MatchString(html) {
		add("tax_deductible", true, confContact)
	}

	return out
}

// pickEmail prefers mailto links over addresses found in text, and
// filters the asset filenames an @ pattern matches in raw HTML.
func pickEmail(html string) string {
	if m := mailtoRe.FindStringSubmatch(html); m != nil {
		if addr := cleanEmail(m[1]); addr != "" {
			return addr
		}
	}
	for _, cand := range emailRe.FindAllString(html, 10) {
		if addr := cleanEmail(cand); addr != "" {
			return addr
		}
	}
	return ""
}

var badEmailSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

func cleanEmail(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.Contains(lower, "example.") {
		return ""
	}
	for _, suffix := range badEmailSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return ""
		}
	}
	if !emailRe.MatchString(s) {
		return ""
	}
	return s
}

// pickPhone prefers tel: links, then the first separator-delimited
// phone pattern in the page text.
func pickPhone(html string) string {
	if m := telRe.FindStringSubmatch(html); m != nil {
		if p := strings.Join(strings.Fields(m[1]), " "); p != "" {
			return p
		}
	}
	if m := phoneRe.FindStringSubmatch(html); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// socialProfiles collects distinct profile URLs, skipping share and
// intent endpoints that point back at the page rather than a profile.
func socialProfiles(html string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range socialRe.FindAllString(html, 40) {
		lower := strings.ToLower(raw)
		if strings.Contains(lower, "/shar") || strings.Contains(lower, "/intent") || strings.Contains(lower, "/plugins") {
			continue
		}
		// www and bare host variants are the same profile
		key := strings.TrimSuffix(strings.Replace(lower, "://www.", "://", 1), "/")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSuffix(raw, "/"))
		if len(out) == 10 {
			break
		}
	}
	return out
}

// donateLink returns the first donation-looking href resolved against
// the page URL. Off-site donation processors are acceptable targets.
func donateLink(html, pageURL string) string {
	for _, m := range donateHrefRe.FindAllStringSubmatch(html, 20) {
		href := strings.TrimSpace(m[1])
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(href, "#") || strings.HasPrefix(lower, "mailto:") {
			continue
		}
		if strings.Contains(lower, "facebook.com") || strings.Contains(lower, "twitter.com") {
			continue
		}
		return resolveURL(pageURL, href)
	}
	return ""
}
