package crawler

import (
	"net/url"
	"regexp"
	"strings"
)

// skipExtensions are resources the HTML crawler never fetches. PDFs are
// collected separately by the PDF discovery pass.
var skipExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
	".zip", ".gz", ".tar", ".doc", ".docx", ".xls", ".xlsx", ".ppt",
	".pptx", ".mp3", ".mp4", ".mov", ".avi", ".css", ".js", ".xml",
	".json", ".rss", ".atom",
}

// trapQueryKeys are faceted-navigation and session parameters that
// generate unbounded URL spaces.
var trapQueryKeys = map[string]bool{
	"page":       true,
	"paged":      true,
	"sort":       true,
	"order":      true,
	"orderby":    true,
	"filter":     true,
	"s":          true,
	"search":     true,
	"q":          true,
	"sessionid":  true,
	"sid":        true,
	"phpsessid":  true,
	"jsessionid": true,
	"date":       true,
	"month":      true,
	"replytocom": true,
	"share":      true,
	"print":      true,
}

var (
	calendarPath  = regexp.MustCompile(`/(calendar|events?)/\d{4}([-/]\d{1,2})?`)
	datePath      = regexp.MustCompile(`(^|/)\d{4}/\d{1,2}(/\d{1,2})?(/|$)`)
	paginationSeg = regexp.MustCompile(`/page/\d+`)
)

// IsSkippableResource reports whether a URL points at a non-HTML resource.
func IsSkippableResource(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	path := strings.ToLower(u.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// IsTrapURL reports whether a URL matches a crawler-trap pattern:
// calendars, date archives, pagination chains, faceted or session query
// parameters, or repeating path segments.
func IsTrapURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	path := strings.ToLower(u.Path)

	if calendarPath.MatchString(path) || datePath.MatchString(path) || paginationSeg.MatchString(path) {
		return true
	}

	query := u.Query()
	if len(query) > 3 {
		return true
	}
	for key := range query {
		if trapQueryKeys[strings.ToLower(key)] {
			return true
		}
	}

	// Repeating segment pairs (a/b/a/b) are recursion traps.
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 4 {
		for i := 0; i+3 < len(segs); i++ {
			if segs[i] != "" && segs[i] == segs[i+2] && segs[i+1] == segs[i+3] {
				return true
			}
		}
	}
	if len(segs) > 8 {
		return true
	}

	return false
}
