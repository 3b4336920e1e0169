package cleaner

import (
	"strings"
	"unicode"
)

// DefaultMinChars is the content length below which a cleaner's output is
// considered insufficient and the next cleaner in a fallback chain is tried.
const DefaultMinChars = 100

// FallbackCleaner tries cleaners in order and returns the first output
// with enough non-whitespace characters. When every cleaner falls short,
// it returns the longest output produced, so callers still see whatever
// text the page had.
//
// Example:
//
//	chain := cleaner.NewFallback(0,
//	    cleaner.NewReadability(nil),
//	    cleaner.NewPage(cleaner.PresetPrecision()),
//	    cleaner.NewPage(cleaner.PresetRelaxed()),
//	)
type FallbackCleaner struct {
	cleaners []Cleaner
	minChars int
}

// NewFallback creates a cleaner that tries each cleaner in order until one
// produces at least minChars non-whitespace characters. minChars <= 0 uses
// DefaultMinChars.
func NewFallback(minChars int, cleaners ...Cleaner) *FallbackCleaner {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &FallbackCleaner{
		cleaners: cleaners,
		minChars: minChars,
	}
}

// Clean runs the chain. A cleaner error is not fatal: the next cleaner is
// tried, and the first error is only surfaced when no cleaner produced
// any output at all.
func (c *FallbackCleaner) Clean(html string) (string, error) {
	var best string
	var bestLen int
	var firstErr error

	for _, cl := range c.cleaners {
		out, err := cl.Clean(html)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n := ContentLen(out)
		if n >= c.minChars {
			return out, nil
		}
		if n > bestLen {
			best, bestLen = out, n
		}
	}

	if bestLen == 0 && firstErr != nil {
		return "", firstErr
	}
	return best, nil
}

// Name returns the names of all chained cleaners.
func (c *FallbackCleaner) Name() string {
	names := make([]string, len(c.cleaners))
	for i, cl := range c.cleaners {
		names[i] = cl.Name()
	}
	return "fallback(" + strings.Join(names, "->") + ")"
}

// ContentLen counts non-whitespace runes. It is the measure the chain
// uses to decide whether a cleaning pass produced usable text, exported
// so callers can apply the same threshold to the final output.
func ContentLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
