package charity

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeEIN(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"123456789", "12-3456789", false},
		{"12-3456789", "12-3456789", false},
		{"  12-3456789  ", "12-3456789", false},
		{"012345678", "01-2345678", false}, // leading zero preserved
		{"00-1234567", "00-1234567", false},
		{"12345678", "", true},    // 8 digits
		{"1234567890", "", true},  // 10 digits
		{"12-345678a", "", true},  // non-digit
		{"", "", true},            // empty
		{"12 3456789", "", true},  // inner space
		{"ab-cdefghi", "", true},  // letters
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeEIN(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeEIN(%q) = %q, want error", tt.input, got)
				} else if !errors.Is(err, ErrInvalidEIN) {
					t.Errorf("NormalizeEIN(%q) error = %v, want ErrInvalidEIN", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeEIN(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeEIN(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeWebsite(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"example.org", "https://example.org", false},
		{"https://example.org", "https://example.org", false},
		{"http://example.org/path", "http://example.org/path", false},
		{"", "", false},
		{"   ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeWebsite(tt.input)
			if tt.wantErr != (err != nil) {
				t.Fatalf("NormalizeWebsite(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeWebsite(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	c, err := New("Example", "12-3456789", "https://example.org/about/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Origin(); got != "https://example.org" {
		t.Errorf("Origin() = %q, want %q", got, "https://example.org")
	}

	noSite, err := New("No Site", "98-7654321", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := noSite.Origin(); got != "" {
		t.Errorf("Origin() = %q, want empty for charity without website", got)
	}
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# comment line",
		"",
		"Example Charity|12-3456789|https://example.org",
		"Bare Host|987654321|example.com",
		"No Website|11-1111111",
		"Duplicate|12-3456789|https://other.org",
	}, "\n")

	charities, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(charities) != 3 {
		t.Fatalf("Parse returned %d charities, want 3 (duplicate dropped)", len(charities))
	}

	if charities[0].EIN != "12-3456789" || charities[0].Name != "Example Charity" {
		t.Errorf("first charity = %+v", charities[0])
	}
	if charities[1].EIN != "98-7654321" {
		t.Errorf("second EIN = %q, want normalized 98-7654321", charities[1].EIN)
	}
	if charities[1].Website != "https://example.com" {
		t.Errorf("second website = %q, want scheme-qualified", charities[1].Website)
	}
	if charities[2].Website != "" {
		t.Errorf("third website = %q, want empty", charities[2].Website)
	}

	// first occurrence wins on duplicate EIN
	if charities[0].Name != "Example Charity" {
		t.Errorf("duplicate EIN should keep first occurrence, got %q", charities[0].Name)
	}
}

func TestParse_MalformedLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing EIN", "Just A Name\n"},
		{"bad EIN", "Name|12345|site.org\n"},
		{"too many fields", "Name|12-3456789|site.org|extra\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.input)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.input)
			}
		})
	}
}
