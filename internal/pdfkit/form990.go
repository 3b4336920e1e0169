package pdfkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// Parse error sentinels. ErrNotForm990 means the text lacks the filing
// markers; ErrParseFailed means markers were present but the line scan
// recovered too few figures to trust.
var (
	ErrNotForm990  = errors.New("document is not a Form 990")
	ErrParseFailed = errors.New("form 990 parse failed")
)

// maxPlausibleUSD caps every money figure. Amounts above it, or below
// zero, are dropped rather than reported.
const maxPlausibleUSD = 1e11

// Form990 holds the figures parsed from an IRS Form 990 filing.
// Amounts are USD; zero means the figure was absent or rejected.
type Form990 struct {
	OrgName          string  `json:"org_name,omitempty"`
	EIN              string  `json:"ein,omitempty"`
	FiscalYear       int     `json:"fiscal_year,omitempty"`
	TotalRevenue     float64 `json:"total_revenue,omitempty"`
	TotalExpenses    float64 `json:"total_expenses,omitempty"`
	TotalAssets      float64 `json:"total_assets,omitempty"`
	TotalLiabilities float64 `json:"total_liabilities,omitempty"`
	Contributions    float64 `json:"contributions,omitempty"`
	ProgramExpenses  float64 `json:"program_expenses,omitempty"`
	OfficerComp      float64 `json:"officer_compensation,omitempty"`

	// Source is "deterministic" or "llm" depending on which parser
	// produced the figures.
	Source string `json:"source,omitempty"`
}

// form990Fields is the typed output contract for the LLM fallback.
type form990Fields struct {
	OrgName          string  `json:"org_name,omitempty" description:"Legal name of the filing organization"`
	EIN              string  `json:"ein,omitempty" validate:"omitempty,ein" description:"Employer Identification Number formatted NN-NNNNNNN"`
	FiscalYear       int     `json:"fiscal_year,omitempty" validate:"omitempty,gte=1990,lte=2100" description:"Tax year the filing covers"`
	TotalRevenue     float64 `json:"total_revenue,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Total revenue in USD"`
	TotalExpenses    float64 `json:"total_expenses,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Total expenses in USD"`
	TotalAssets      float64 `json:"total_assets,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Total assets at end of year in USD"`
	TotalLiabilities float64 `json:"total_liabilities,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Total liabilities at end of year in USD"`
	Contributions    float64 `json:"contributions,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Total contributions and grants in USD"`
	ProgramExpenses  float64 `json:"program_expenses,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Program service expenses in USD"`
	OfficerComp      float64 `json:"officer_compensation,omitempty" validate:"omitempty,gte=0,lte=100000000000" description:"Compensation of current officers in USD"`
}

var (
	form990SchemaOnce sync.Once
	form990SchemaVal  schema.Schema
	form990SchemaErr  error
)

func form990Schema() (schema.Schema, error) {
	form990SchemaOnce.Do(func() {
		form990SchemaVal, form990SchemaErr = schema.NewSchema[form990Fields](
			schema.WithName("form_990"),
			schema.WithDescription("Figures reported on an IRS Form 990 filing"),
		)
	})
	return form990SchemaVal, form990SchemaErr
}

// Form990Parser extracts filing figures from PDF bytes, trying the
// deterministic line scan first and falling back to the LLM when the
// scan cannot produce trustworthy numbers.
type Form990Parser struct {
	provider llm.Provider
}

// NewForm990Parser returns a parser. A nil provider disables the LLM
// fallback.
func NewForm990Parser(provider llm.Provider) *Form990Parser {
	return &Form990Parser{provider: provider}
}

// Parse extracts figures from PDF bytes. The returned CostUSD covers
// the LLM fallback when it ran.
func (p *Form990Parser) Parse(ctx context.Context, data []byte) (*Form990, float64, error) {
	text, err := extractText(data)
	if err != nil {
		return nil, 0, err
	}
	return p.ParseText(ctx, text)
}

// ParseText is Parse for already-extracted text.
func (p *Form990Parser) ParseText(ctx context.Context, text string) (*Form990, float64, error) {
	f, derr := parseDeterministic(text)
	if derr == nil {
		f.Source = "deterministic"
		applyBounds(f, time.Now().Year())
		return f, 0, nil
	}
	if p.provider == nil {
		return nil, 0, derr
	}
	logger.Debug("form 990 line scan failed, using llm fallback", "error", derr)
	f, cost, lerr := p.parseLLM(ctx, text)
	if lerr != nil {
		return nil, cost, errors.Join(derr, lerr)
	}
	f.Source = "llm"
	applyBounds(f, time.Now().Year())
	return f, cost, nil
}

// extractText pulls plain text from a PDF. The underlying reader
// panics on some malformed files, so the recover turns that into an
// error.
func extractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf text extraction panicked: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	out, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, out); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return sb.String(), nil
}

// form990Markers must appear before any figure is trusted; they keep
// audits and annual reports out of this parser.
var form990Markers = []string{
	"form 990",
	"return of organization exempt from income tax",
	"990-ez",
	"990-pf",
}

// amountPatterns anchor each figure to its form label. PDF text
// extraction loses line structure, so the window after the label skips
// leaders and part references. The capture requires comma grouping,
// which is how the form prints amounts and what keeps line numbers and
// years out of the figures.
var amountPatterns = []struct {
	assign func(*Form990, float64)
	re     *regexp.Regexp
}{
	{func(f *Form990, v float64) { f.TotalRevenue = v }, amountAfter(`total revenue`)},
	{func(f *Form990, v float64) { f.TotalExpenses = v }, amountAfter(`total expenses`)},
	{func(f *Form990, v float64) { f.TotalAssets = v }, amountAfter(`total assets`)},
	{func(f *Form990, v float64) { f.TotalLiabilities = v }, amountAfter(`total liabilities`)},
	{func(f *Form990, v float64) { f.Contributions = v }, amountAfter(`contributions and grants`)},
	{func(f *Form990, v float64) { f.ProgramExpenses = v }, amountAfter(`program service expenses`)},
	{func(f *Form990, v float64) { f.OfficerComp = v }, amountAfter(`compensation of current officers`)},
}

func amountAfter(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)` + label + `.{0,120}?(\()?\$?\s?(\d{1,3}(?:,\d{3})+)(?:\.\d{2})?`)
}

var (
	einLabelRe = regexp.MustCompile(`(?i)(?:employer identification number|\bein\b)\D{0,20}?(\d{2}\s*-?\s*\d{7})`)
	einBareRe  = regexp.MustCompile(`\b\d{2}-\d{7}\b`)
	orgNameRe  = regexp.MustCompile(`(?is)name of organization\s+(.{3,100}?)\s+(?:doing business|d/b/a|employer identification|ein\b)`)
	formYearRe = regexp.MustCompile(`(?i)990[^(]{0,10}\(\s*((?:19|20)\d{2})\s*\)`)
	taxYearRe  = regexp.MustCompile(`(?i)(?:calendar|tax|fiscal) year[^0-9]{0,40}((?:19|20)\d{2})`)
)

func parseDeterministic(text string) (*Form990, error) {
	lower := strings.ToLower(text)
	marker := false
	for _, m := range form990Markers {
		if strings.Contains(lower, m) {
			marker = true
			break
		}
	}
	if !marker {
		return nil, ErrNotForm990
	}

	f := &Form990{}
	figures := 0
	for _, p := range amountPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if m[1] == "(" {
			// Parenthesized amounts are negative and never plausible here.
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil || v > maxPlausibleUSD {
			continue
		}
		p.assign(f, v)
		figures++
	}
	if figures < 2 {
		return nil, fmt.Errorf("%w: only %d figures recovered", ErrParseFailed, figures)
	}

	if m := einLabelRe.FindStringSubmatch(text); m != nil {
		f.EIN = m[1]
	} else if m := einBareRe.FindString(text); m != "" {
		f.EIN = m
	}
	if m := orgNameRe.FindStringSubmatch(text); m != nil {
		f.OrgName = strings.Join(strings.Fields(m[1]), " ")
	}
	if m := formYearRe.FindStringSubmatch(text); m != nil {
		f.FiscalYear, _ = strconv.Atoi(m[1])
	} else if m := taxYearRe.FindStringSubmatch(text); m != nil {
		f.FiscalYear, _ = strconv.Atoi(m[1])
	}
	return f, nil
}

const (
	form990MaxChars  = 40000
	form990MaxTokens = 2048
)

const form990SystemPrompt = `You extract figures from IRS Form 990 filings.

Rules:
1. Respond with a single JSON object matching the schema. No prose, no code fences.
2. Report only amounts the filing states. Omit anything not present. Never estimate.
3. Amounts are whole USD without currency symbols or separators.
4. Use the figures for the most recent year when the filing shows prior-year columns.`

func (p *Form990Parser) parseLLM(ctx context.Context, text string) (*Form990, float64, error) {
	s, err := form990Schema()
	if err != nil {
		return nil, 0, err
	}
	js, err := s.ToJSONSchema()
	if err != nil {
		return nil, 0, err
	}

	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: form990SystemPrompt},
			{Role: llm.RoleUser, Content: "Extract the filing figures from this Form 990 text.\n\n" + truncateText(text, form990MaxChars)},
		},
		MaxTokens:   form990MaxTokens,
		Temperature: 0,
		JSONSchema:  js,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("form 990 llm fallback: %w", err)
	}

	parsed, err := s.Unmarshal([]byte(stripJSONFences(resp.Content)))
	if err != nil {
		return nil, resp.CostUSD, fmt.Errorf("form 990 llm response: %w", err)
	}
	fields, ok := parsed.(*form990Fields)
	if !ok {
		return nil, resp.CostUSD, fmt.Errorf("form 990 llm response: unexpected type %T", parsed)
	}
	return &Form990{
		OrgName:          fields.OrgName,
		EIN:              fields.EIN,
		FiscalYear:       fields.FiscalYear,
		TotalRevenue:     fields.TotalRevenue,
		TotalExpenses:    fields.TotalExpenses,
		TotalAssets:      fields.TotalAssets,
		TotalLiabilities: fields.TotalLiabilities,
		Contributions:    fields.Contributions,
		ProgramExpenses:  fields.ProgramExpenses,
		OfficerComp:      fields.OfficerComp,
	}, resp.CostUSD, nil
}

// applyBounds zeroes figures outside the plausible range and
// normalizes the EIN. Both parse paths pass through it, so the bounds
// hold no matter which parser produced the numbers.
func applyBounds(f *Form990, currentYear int) {
	check := func(name string, v *float64) {
		if *v < 0 || *v > maxPlausibleUSD {
			logger.Warn("form 990 figure out of bounds, dropping", "field", name, "value", *v)
			*v = 0
		}
	}
	check("total_revenue", &f.TotalRevenue)
	check("total_expenses", &f.TotalExpenses)
	check("total_assets", &f.TotalAssets)
	check("total_liabilities", &f.TotalLiabilities)
	check("contributions", &f.Contributions)
	check("program_expenses", &f.ProgramExpenses)
	check("officer_compensation", &f.OfficerComp)

	if f.FiscalYear != 0 && (f.FiscalYear < 1990 || f.FiscalYear > currentYear+1) {
		logger.Warn("form 990 fiscal year out of bounds, dropping", "year", f.FiscalYear)
		f.FiscalYear = 0
	}
	if f.EIN != "" {
		if ein, err := charity.NormalizeEIN(f.EIN); err == nil {
			f.EIN = ein
		} else {
			f.EIN = ""
		}
	}
}

func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + " [truncated]"
}

func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
