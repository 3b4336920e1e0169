// Package cleaner turns raw charity-site HTML into plain text suitable for
// deterministic extraction and LLM prompts. Cleaners differ in how much
// page chrome they strip; callers compose them with NewFallback so that an
// aggressive pass can fail over to a permissive one on sparse pages.
package cleaner

// Cleaner transforms raw HTML into cleaned plain text.
type Cleaner interface {
	// Clean transforms the input HTML. An empty result with a nil error
	// means the cleaner found no usable content in the page.
	Clean(html string) (string, error)

	// Name returns the cleaner type for logging/debugging.
	Name() string
}
