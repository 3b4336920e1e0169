// Package charity defines the charity identity model shared by every
// pipeline stage. The normalized EIN is the stable key everywhere: storage
// rows, phase cache entries, PDF directories, and export file names.
package charity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidEIN is returned when a tax identifier cannot be normalized
// to the canonical XX-XXXXXXX form. Check with errors.Is.
var ErrInvalidEIN = errors.New("invalid EIN")

// Charity is the canonical identity record for one organization.
type Charity struct {
	EIN       string    `json:"ein"`
	Name      string    `json:"name"`
	Website   string    `json:"website,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeEIN converts any accepted form of a tax identifier to XX-XXXXXXX.
// Accepted inputs: "123456789", "12-3456789", with surrounding whitespace.
// Leading zeros are preserved. Anything that is not exactly nine digits
// after stripping the dash is rejected.
func NormalizeEIN(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 9 {
		return "", fmt.Errorf("%w: %q is not a 9-digit identifier", ErrInvalidEIN, raw)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidEIN, raw)
		}
	}
	return s[:2] + "-" + s[2:], nil
}

// NormalizeWebsite qualifies a bare host with https:// and validates that
// the result parses as an absolute URL. An empty website is allowed; not
// every charity has one.
func NormalizeWebsite(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid website %q", raw)
	}
	return u.String(), nil
}

// New builds a Charity from raw inputs, normalizing EIN and website.
func New(name, ein, website string) (Charity, error) {
	normEIN, err := NormalizeEIN(ein)
	if err != nil {
		return Charity{}, err
	}
	normSite, err := NormalizeWebsite(website)
	if err != nil {
		return Charity{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Charity{}, errors.New("charity name is empty")
	}
	return Charity{
		EIN:       normEIN,
		Name:      name,
		Website:   normSite,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Origin returns the scheme://host root of the charity's website, or ""
// when no website is recorded. The crawler keys its per-site state on this.
func (c Charity) Origin() string {
	if c.Website == "" {
		return ""
	}
	u, err := url.Parse(c.Website)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
