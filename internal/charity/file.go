package charity

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/amalgiving/amaldata/internal/logger"
)

// ParseFile reads a charities input file: UTF-8 lines of the form
// Name|EIN|website. Blank lines and lines starting with # are skipped.
// Duplicate EINs keep the first occurrence. A malformed line is an error;
// the caller treats it as invalid input (exit code 2).
func ParseFile(path string) ([]Charity, error) {
	f, err := os.Open(path) //#nosec G304 -- CLI reads a user-specified input file
	if err != nil {
		return nil, fmt.Errorf("open charities file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads charities from r. See ParseFile for the line format.
func Parse(r io.Reader) ([]Charity, error) {
	var out []Charity
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("line %d: expected Name|EIN|website, got %q", lineNo, line)
		}
		website := ""
		if len(parts) == 3 {
			website = parts[2]
		}

		c, err := New(parts[0], parts[1], website)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if seen[c.EIN] {
			logger.Warn("duplicate EIN in charities file, keeping first", "ein", c.EIN, "line", lineNo)
			continue
		}
		seen[c.EIN] = true
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read charities file: %w", err)
	}
	return out, nil
}
