package cleaner

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Config defines the transformations a PageCleaner applies before
// extracting text.
type Config struct {
	// Name identifies the configuration in logs (e.g. "precision").
	Name string `json:"name"`

	// === Structural removals ===

	// StripScripts removes <script> tags and their contents.
	StripScripts bool `json:"strip_scripts"`

	// StripStyles removes <style> tags.
	StripStyles bool `json:"strip_styles"`

	// StripNoscript removes noscript fallback content so that JS-shell
	// placeholder text does not count as page content.
	StripNoscript bool `json:"strip_noscript"`

	// StripSVGContent removes inline SVG elements.
	StripSVGContent bool `json:"strip_svg_content"`

	// StripIframes removes iframe elements.
	StripIframes bool `json:"strip_iframes"`

	// StripForms removes form controls (form, input, select, textarea, button).
	StripForms bool `json:"strip_forms"`

	// StripHiddenElements removes elements with display:none,
	// visibility:hidden, or the hidden attribute.
	StripHiddenElements bool `json:"strip_hidden_elements"`

	// === Selector-based rules ===

	// RemoveSelectors is a list of CSS selectors to always remove.
	RemoveSelectors []string `json:"remove_selectors"`

	// KeepSelectors is a list of CSS selectors to always keep (overrides removals).
	KeepSelectors []string `json:"keep_selectors"`

	// ContentSelectors are tried in order after removals; the first
	// selector with non-empty text becomes the extraction root. An empty
	// list extracts from the whole body.
	ContentSelectors []string `json:"content_selectors"`

	// === Heuristics ===

	// RemoveByLinkDensity removes blocks where link text / total text
	// exceeds LinkDensityThreshold. Catches menus and link farms that
	// selector rules miss.
	RemoveByLinkDensity bool `json:"remove_by_link_density"`

	// LinkDensityThreshold is the ratio above which a block is considered
	// navigation. Default: 0.5.
	LinkDensityThreshold float64 `json:"link_density_threshold"`
}

// PresetPrecision returns a configuration that aggressively strips page
// chrome (navigation, banners, cookie notices) and narrows extraction to
// the main content region. Use for LLM input where token count matters.
func PresetPrecision() *Config {
	return &Config{
		Name:                "precision",
		StripScripts:        true,
		StripStyles:         true,
		StripNoscript:       true,
		StripSVGContent:     true,
		StripIframes:        true,
		StripForms:          true,
		StripHiddenElements: true,

		RemoveSelectors: []string{
			"nav",
			"header",
			"footer",
			"aside",
			".sidebar",
			".navigation",
			".nav",
			".menu",
			".breadcrumb",
			".breadcrumbs",
			".skip-link",
			".share-buttons",
			".social-share",
			".social-links",
			".modal",
			"[role='navigation']",
			"[role='banner']",
			"[role='contentinfo']",
			"[class*='cookie']",
			"[id*='cookie']",
			"[class*='consent']",
			"[class*='newsletter']",
			"[class*='popup']",
		},

		ContentSelectors: []string{
			"main",
			"article",
			"[role='main']",
			"#content",
			"#main",
			".main-content",
			".site-content",
			".entry-content",
			".page-content",
		},

		RemoveByLinkDensity:  true,
		LinkDensityThreshold: 0.5,
	}
}

// PresetRelaxed returns a configuration that only strips invisible
// elements and extracts the whole visible body. Use for page text
// measurement and deterministic pattern matching, where footer contact
// blocks and sidebars still carry signal (EINs, emails, donate links).
func PresetRelaxed() *Config {
	return &Config{
		Name:                "relaxed",
		StripScripts:        true,
		StripStyles:         true,
		StripNoscript:       true,
		StripSVGContent:     true,
		StripIframes:        true,
		StripHiddenElements: true,
	}
}

// PageCleaner extracts plain text from charity pages using selector and
// heuristic rules.
type PageCleaner struct {
	config *Config
}

// NewPage creates a PageCleaner with the given configuration.
// If config is nil, PresetPrecision() is used.
func NewPage(config *Config) *PageCleaner {
	if config == nil {
		config = PresetPrecision()
	}
	return &PageCleaner{config: config}
}

// Name returns the configuration name for logging.
func (c *PageCleaner) Name() string {
	if c.config.Name != "" {
		return c.config.Name
	}
	return "page"
}

// Clean transforms HTML into normalized plain text according to the
// configuration.
func (c *PageCleaner) Clean(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	c.transform(doc)

	return collapseText(c.contentRoot(doc).Text()), nil
}

// transform applies all configured removals to the document.
// Order matters: selector rules run first so KeepSelectors can protect
// regions before the blanket tag removals see them.
func (c *PageCleaner) transform(doc *goquery.Document) {
	for _, selector := range c.config.RemoveSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if !c.shouldKeep(s) {
				s.Remove()
			}
		})
	}

	if c.config.StripScripts {
		doc.Find("script").Remove()
	}
	if c.config.StripStyles {
		doc.Find("style").Remove()
	}
	if c.config.StripNoscript {
		doc.Find("noscript").Remove()
	}
	if c.config.StripSVGContent {
		doc.Find("svg").Remove()
	}
	if c.config.StripIframes {
		doc.Find("iframe").Remove()
	}
	if c.config.StripForms {
		doc.Find("form, input, select, textarea, button").Remove()
	}
	if c.config.StripHiddenElements {
		c.removeHiddenElements(doc)
	}
	if c.config.RemoveByLinkDensity {
		c.removeByLinkDensity(doc)
	}
}

// shouldKeep checks if an element matches any keep selectors.
func (c *PageCleaner) shouldKeep(s *goquery.Selection) bool {
	for _, selector := range c.config.KeepSelectors {
		if s.Is(selector) {
			return true
		}
	}
	return false
}

// removeHiddenElements removes elements the browser would not render.
func (c *PageCleaner) removeHiddenElements(doc *goquery.Document) {
	doc.Find("[hidden], [aria-hidden='true']").Each(func(_ int, s *goquery.Selection) {
		if !c.shouldKeep(s) {
			s.Remove()
		}
	})

	doc.Find("[style*='display'], [style*='visibility']").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			if !c.shouldKeep(s) {
				s.Remove()
			}
		}
	})
}

// removeByLinkDensity removes blocks with a high link-to-text ratio.
func (c *PageCleaner) removeByLinkDensity(doc *goquery.Document) {
	threshold := c.config.LinkDensityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	doc.Find("div, section, ul, p").Each(func(_ int, s *goquery.Selection) {
		if c.shouldKeep(s) {
			return
		}

		totalText := strings.TrimSpace(s.Text())
		if len(totalText) == 0 {
			return
		}

		var linkText strings.Builder
		s.Find("a").Each(func(_ int, a *goquery.Selection) {
			linkText.WriteString(strings.TrimSpace(a.Text()))
		})

		density := float64(linkText.Len()) / float64(len(totalText))
		if density > threshold {
			s.Remove()
		}
	})
}

// contentRoot returns the first matching content selector with text,
// falling back to the document body.
func (c *PageCleaner) contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, selector := range c.config.ContentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 && strings.TrimSpace(sel.Text()) != "" {
			return sel
		}
	}
	return doc.Find("body")
}

// collapseText normalizes runs of whitespace to single spaces.
func collapseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
