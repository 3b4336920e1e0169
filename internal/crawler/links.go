package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is one outbound anchor with the text the scorer feeds on.
type Link struct {
	URL    string
	Anchor string
}

// PageLinks is what one fetched page contributes to frontier scoring:
// its own title and first heading as context, plus its outbound links.
type PageLinks struct {
	Title string
	H1    string
	Links []Link
}

// ExtractLinks parses a page and returns its outbound links resolved
// absolute, fragments stripped, deduplicated with the first anchor
// text kept.
func ExtractLinks(html, pageURL string) PageLinks {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageLinks{}
	}

	pl := PageLinks{
		Title: collapse(doc.Find("title").First().Text()),
		H1:    collapse(doc.Find("h1").First().Text()),
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return pl
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		resolved := abs.String()
		if seen[resolved] {
			return
		}
		seen[resolved] = true
		pl.Links = append(pl.Links, Link{URL: resolved, Anchor: collapse(sel.Text())})
	})
	return pl
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
