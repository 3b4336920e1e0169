// Package fetch implements the polite single-URL HTTP client shared by the
// crawler and the HTML collectors: conditional GET against an on-disk
// response cache, bot-challenge detection with an ordered ladder of browser
// impersonation profiles, per-host rate limiting, and PDF download with the
// same fallback ladder.
package fetch

import (
	"errors"
	"time"
)

// Sentinel errors for fetch outcomes. Check with errors.Is.
var (
	// ErrBotBlocked is returned when every impersonation profile still hits
	// a challenge page or a blocking status.
	ErrBotBlocked = errors.New("CAPTCHA_BLOCKED")

	// ErrHTTPStatus is returned for non-2xx statuses that are not challenge
	// candidates (404, 500 without challenge markers, ...).
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrStaleConditional is returned when the server answers 304 but the
	// cache entry is gone even after one forced refetch.
	ErrStaleConditional = errors.New("304 response with no cache entry")
)

// Page is the result of a successful fetch.
type Page struct {
	URL        string
	FinalURL   string
	HTML       string
	StatusCode int
	FetchedAt  time.Time
	FromCache  bool
	Profile    string // impersonation profile used, "" for the plain client
}

// Options controls a single Fetch call.
type Options struct {
	// Force bypasses the response cache and conditional headers.
	Force bool

	// RateKey overrides the rate-limiter key. Defaults to the URL host.
	RateKey string

	// MinInterval overrides the client's per-key request floor. Zero keeps
	// the client default. Collectors talking to rate-limited APIs set this.
	MinInterval time.Duration
}
