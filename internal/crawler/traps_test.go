package crawler

import "testing"

func TestIsTrapURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/about", false},
		{"https://example.com/programs/water", false},
		{"https://example.com/events/2024/03", true},
		{"https://example.com/calendar/2024", true},
		{"https://example.com/2023/11/gala", true},
		{"https://example.com/blog/page/7", true},
		{"https://example.com/shop?sort=price", true},
		{"https://example.com/news?page=42", true},
		{"https://example.com/x?PHPSESSID=abc", true},
		{"https://example.com/x?a=1&b=2&c=3&d=4", true},
		{"https://example.com/reports?year=2023", false},
		{"https://example.com/a/b/a/b/c", true},
		{"https://example.com/a/b/c/d/e/f/g/h/i", true},
	}
	for _, tt := range tests {
		if got := IsTrapURL(tt.url); got != tt.want {
			t.Errorf("IsTrapURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestIsSkippableResource(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/report.pdf", true},
		{"https://example.com/logo.PNG", true},
		{"https://example.com/feed.xml", true},
		{"https://example.com/about", false},
		{"https://example.com/about.html", false},
	}
	for _, tt := range tests {
		if got := IsSkippableResource(tt.url); got != tt.want {
			t.Errorf("IsSkippableResource(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
