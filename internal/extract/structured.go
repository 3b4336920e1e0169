package extract

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/amalgiving/amaldata/internal/charity"
)

// orgTypes are the schema.org types treated as the site's own
// organization node. Person, WebSite and Article nodes are ignored.
var orgTypes = map[string]bool{
	"Organization":            true,
	"NGO":                     true,
	"NonprofitOrganization":   true,
	"Charity":                 true,
	"EducationalOrganization": true,
	"LocalBusiness":           true,
}

// Structured extracts organization fields from machine-readable markup:
// JSON-LD scripts first, then Open Graph meta tags, then microdata
// itemprops. All recognized values are emitted; the merge engine picks
// winners by confidence.
func Structured(html, pageURL string) []Result {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	now := time.Now().UTC()
	var out []Result
	add := func(field string, value any, conf float64) {
		out = append(out, Result{
			Field:      field,
			Value:      value,
			Source:     SourceStructured,
			Confidence: conf,
			PageURL:    pageURL,
			Timestamp:  now,
		})
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(sel.Text()), &payload); err != nil {
			return
		}
		for _, node := range ldNodes(payload) {
			if isOrgNode(node) {
				collectJSONLD(node, pageURL, add)
			}
		}
	})

	if name := metaContent(doc, `meta[property="og:site_name"]`); name != "" {
		add("name", name, confOpenGraph)
	}
	if img := metaContent(doc, `meta[property="og:image"]`); img != "" {
		add("logo_url", resolveURL(pageURL, img), confOpenGraph)
	}
	if desc := metaContent(doc, `meta[property="og:description"]`); desc != "" {
		add("tagline", desc, confOGDescription)
	}

	doc.Find(`[itemscope][itemtype*="Organization"]`).Each(func(_ int, scope *goquery.Selection) {
		collectMicrodata(scope, pageURL, add)
	})

	return out
}

// ldNodes flattens a decoded JSON-LD payload into candidate nodes,
// walking top-level arrays and @graph containers.
func ldNodes(payload any) []map[string]any {
	var nodes []map[string]any
	switch v := payload.(type) {
	case []any:
		for _, item := range v {
			nodes = append(nodes, ldNodes(item)...)
		}
	case map[string]any:
		nodes = append(nodes, v)
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				nodes = append(nodes, ldNodes(item)...)
			}
		}
	}
	return nodes
}

// isOrgNode reports whether a JSON-LD node's @type (string or array)
// names an organization.
func isOrgNode(node map[string]any) bool {
	switch t := node["@type"].(type) {
	case string:
		return orgTypes[t]
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && orgTypes[s] {
				return true
			}
		}
	}
	return false
}

func collectJSONLD(node map[string]any, pageURL string, add func(string, any, float64)) {
	if name := stringProp(node, "name"); name != "" {
		add("name", name, confJSONLD)
	}
	if name := stringProp(node, "legalName"); name != "" {
		add("name", name, confJSONLD)
	}
	if tax := stringProp(node, "taxID"); tax != "" {
		if ein, err := charity.NormalizeEIN(tax); err == nil {
			add("ein", ein, confJSONLD)
		}
	}
	if email := strings.TrimPrefix(stringProp(node, "email"), "mailto:"); strings.Contains(email, "@") {
		add("email", email, confJSONLD)
	}
	if phone := stringProp(node, "telephone"); phone != "" {
		add("phone", phone, confJSONLD)
	}
	if logo := urlProp(node["logo"]); logo != "" {
		add("logo_url", resolveURL(pageURL, logo), confJSONLD)
	}
	if addr := addressProp(node["address"]); addr != "" {
		add("address", addr, confJSONLD)
	}
	if same := stringsProp(node, "sameAs"); len(same) > 0 {
		add("social_media", same, confJSONLD)
	}
	if fd := stringProp(node, "foundingDate"); len(fd) >= 4 {
		if year, err := strconv.Atoi(fd[:4]); err == nil && year >= 1600 {
			add("founded_year", year, confJSONLD)
		}
	}
	if slogan := stringProp(node, "slogan"); slogan != "" {
		add("tagline", slogan, confJSONLD)
	}
	// An org-level description is usually close to the mission but not
	// the verbatim statement, hence the reduced confidence.
	if desc := stringProp(node, "description"); desc != "" {
		add("mission", desc, confLDDescription)
	}
}

func collectMicrodata(scope *goquery.Selection, pageURL string, add func(string, any, float64)) {
	prop := func(name string) string {
		return itempropValue(scope.Find(`[itemprop="` + name + `"]`).First())
	}
	if name := prop("name"); name != "" {
		add("name", name, confMicrodata)
	}
	if email := strings.TrimPrefix(prop("email"), "mailto:"); strings.Contains(email, "@") {
		add("email", email, confMicrodata)
	}
	if phone := prop("telephone"); phone != "" {
		add("phone", phone, confMicrodata)
	}
	if logo := prop("logo"); logo != "" {
		add("logo_url", resolveURL(pageURL, logo), confMicrodata)
	}
	if addr := prop("address"); addr != "" {
		add("address", addr, confMicrodata)
	}
}

// itempropValue resolves a microdata property the way browsers do:
// content attribute first, then the element's natural URL attribute,
// then its text.
func itempropValue(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	if v, ok := sel.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	switch goquery.NodeName(sel) {
	case "a", "link":
		v, _ := sel.Attr("href")
		return strings.TrimSpace(v)
	case "img":
		v, _ := sel.Attr("src")
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func stringProp(node map[string]any, key string) string {
	s, _ := node[key].(string)
	return strings.TrimSpace(s)
}

// urlProp unwraps either a bare URL string or an ImageObject.
func urlProp(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return stringProp(t, "url")
	}
	return ""
}

// addressProp renders either a plain string or a PostalAddress.
func addressProp(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		var parts []string
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"} {
			if p := stringProp(t, key); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// stringsProp accepts both a single string and an array of strings.
func stringsProp(node map[string]any, key string) []string {
	var out []string
	switch t := node[key].(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// resolveURL makes a possibly relative href absolute against the page URL.
func resolveURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
