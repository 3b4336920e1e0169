package cleaner

import (
	"bytes"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
)

// ReadabilityConfig configures the Readability cleaner.
type ReadabilityConfig struct {
	// MaxElemsToParse limits the number of nodes to parse (0 = no limit).
	MaxElemsToParse int
	// NTopCandidates is the number of top candidates to consider (default: 5).
	NTopCandidates int
	// CharThreshold is the minimum character count for valid content (default: 500).
	CharThreshold int
}

// ReadabilityCleaner extracts main content from web pages using
// go-readability. Based on Mozilla's Readability.js, this removes
// boilerplate with a scoring pass rather than fixed selectors, which
// handles sites whose markup the selector presets do not anticipate.
// Output is plain text; an empty result means the scorer found no
// article-like region, and callers should fall back to a PageCleaner.
type ReadabilityCleaner struct {
	cfg    ReadabilityConfig
	parser readability.Parser
}

// NewReadability creates a new Readability cleaner.
// Pass nil for default configuration.
func NewReadability(cfg *ReadabilityConfig) *ReadabilityCleaner {
	if cfg == nil {
		cfg = &ReadabilityConfig{}
	}

	parser := readability.NewParser()

	if cfg.MaxElemsToParse > 0 {
		parser.MaxElemsToParse = cfg.MaxElemsToParse
	}
	if cfg.NTopCandidates > 0 {
		parser.NTopCandidates = cfg.NTopCandidates
	}
	if cfg.CharThreshold > 0 {
		parser.CharThresholds = cfg.CharThreshold
	}

	return &ReadabilityCleaner{
		cfg:    *cfg,
		parser: parser,
	}
}

// Clean extracts the main content from HTML as plain text.
func (c *ReadabilityCleaner) Clean(htmlContent string) (string, error) {
	article, err := c.parser.Parse(strings.NewReader(htmlContent), nil)
	if err != nil {
		return "", err
	}

	if article.Node == nil {
		return "", nil
	}

	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return "", nil
	}
	return collapseText(buf.String()), nil
}

// Name returns the cleaner type.
func (c *ReadabilityCleaner) Name() string {
	return "readability"
}
