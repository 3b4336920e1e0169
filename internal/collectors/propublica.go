package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/pkg/schema"
)

// propublicaAPI is the Nonprofit Explorer organization endpoint. It
// takes the bare nine EIN digits.
const propublicaAPI = "https://projects.propublica.org/nonprofits/api/v2/organizations/%s.json"

// propublicaFilingYears caps how much filing history the parsed
// document carries.
const propublicaFilingYears = 3

func init() {
	Register(SourcePropublica, func(d Deps) Collector {
		return &propublicaCollector{client: d.Client}
	})
}

// propublicaCollector pulls the IRS registration record and recent
// e-file figures from the ProPublica Nonprofit Explorer API.
type propublicaCollector struct {
	client  *fetch.Client
	baseURL string // test override
}

func (p *propublicaCollector) SourceName() string { return SourcePropublica }
func (p *propublicaCollector) SchemaKey() string  { return "propublica" }

func (p *propublicaCollector) endpoint(ein string) string {
	base := p.baseURL
	if base == "" {
		base = propublicaAPI
	}
	return fmt.Sprintf(base, einDigits(ein))
}

func (p *propublicaCollector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, propublicaTimeout)
	defer cancel()

	body, err := p.client.FetchBytes(ctx, p.endpoint(ch.EIN), fetch.Options{
		RateKey:     SourcePropublica,
		MinInterval: propublicaInterval,
	})
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("propublica organization lookup: %v", err)}
	}
	return FetchResult{OK: true, RawData: string(body), ContentType: "application/json"}
}

// propublicaResponse mirrors the slice of the API payload we read.
// Numbers stay json.Number: EINs lose leading zeros as floats and
// object IDs overflow them.
type propublicaResponse struct {
	Organization struct {
		EIN        json.Number `json:"ein"`
		Name       string      `json:"name"`
		City       string      `json:"city"`
		State      string      `json:"state"`
		NTEECode   string      `json:"ntee_code"`
		Subsection int         `json:"subseccd"`
	} `json:"organization"`
	FilingsWithData    []propublicaFilingRaw `json:"filings_with_data"`
	FilingsWithoutData []struct {
		TaxPeriodYear int    `json:"tax_prd_yr"`
		FormType      int    `json:"formtype"`
		PDFURL        string `json:"pdf_url"`
	} `json:"filings_without_data"`
}

type propublicaFilingRaw struct {
	TaxPeriodYear    int         `json:"tax_prd_yr"`
	FormType         int         `json:"formtype"`
	TotalRevenue     float64     `json:"totrevenue"`
	TotalExpenses    float64     `json:"totfuncexpns"`
	TotalAssets      float64     `json:"totassetsend"`
	TotalLiabilities float64     `json:"totliabend"`
	ObjectID         json.Number `json:"object_id"`
	PDFURL           string      `json:"pdf_url"`
}

type propublicaDoc struct {
	EIN              string             `json:"ein" validate:"required,ein" description:"Employer Identification Number"`
	Name             string             `json:"name" validate:"required" description:"Registered organization name"`
	City             string             `json:"city,omitempty"`
	State            string             `json:"state,omitempty" validate:"omitempty,len=2"`
	NTEECode         string             `json:"ntee_code,omitempty" description:"National Taxonomy of Exempt Entities code"`
	Subsection       int                `json:"subsection_code,omitempty" validate:"omitempty,gte=1,lte=92" description:"501(c) subsection"`
	ExemptFromFiling bool               `json:"exempt_from_filing" description:"True when the IRS has no full-form e-file data for the organization"`
	LatestFilingYear int                `json:"latest_filing_year,omitempty" validate:"omitempty,gte=1990,lte=2100"`
	Filings          []propublicaFiling `json:"filings,omitempty" validate:"omitempty,dive" description:"Most recent e-filed figures, newest first"`
}

type propublicaFiling struct {
	TaxYear          int     `json:"tax_year" validate:"gte=1990,lte=2100"`
	FormType         string  `json:"form_type"`
	TotalRevenue     float64 `json:"total_revenue" validate:"gte=-100000000000,lte=100000000000"`
	TotalExpenses    float64 `json:"total_expenses" validate:"gte=-100000000000,lte=100000000000"`
	TotalAssets      float64 `json:"total_assets" validate:"gte=0,lte=100000000000"`
	TotalLiabilities float64 `json:"total_liabilities" validate:"gte=0,lte=100000000000"`
	ObjectID         string  `json:"object_id,omitempty"`
	PDFURL           string  `json:"pdf_url,omitempty" validate:"omitempty,url"`
}

var (
	propublicaSchemaOnce sync.Once
	propublicaSchemaVal  schema.Schema
	propublicaSchemaErr  error
)

func propublicaSchema() (schema.Schema, error) {
	propublicaSchemaOnce.Do(func() {
		propublicaSchemaVal, propublicaSchemaErr = schema.NewSchema[propublicaDoc](
			schema.WithName("propublica"),
			schema.WithDescription("IRS registration and e-file history from ProPublica Nonprofit Explorer"),
		)
	})
	return propublicaSchemaVal, propublicaSchemaErr
}

func (p *propublicaCollector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	_, body := DecodeEnvelope(raw)

	var resp propublicaResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return ParseResult{Err: fmt.Sprintf("propublica payload is not JSON: %v", err)}
	}
	if resp.Organization.Name == "" {
		return ParseResult{Err: validationErrorf("propublica payload has no organization record")}
	}

	gotEIN, err := charity.NormalizeEIN(padEIN(resp.Organization.EIN.String()))
	if err != nil {
		return ParseResult{Err: validationErrorf("propublica organization EIN unreadable: %v", err)}
	}
	if gotEIN != ch.EIN {
		return ParseResult{Err: validationErrorf("EIN mismatch: requested %s, response is for %s", ch.EIN, gotEIN)}
	}

	doc := propublicaDoc{
		EIN:        gotEIN,
		Name:       resp.Organization.Name,
		City:       resp.Organization.City,
		State:      resp.Organization.State,
		NTEECode:   resp.Organization.NTEECode,
		Subsection: resp.Organization.Subsection,
	}

	filings := append([]propublicaFilingRaw(nil), resp.FilingsWithData...)
	sort.SliceStable(filings, func(i, j int) bool {
		return filings[i].TaxPeriodYear > filings[j].TaxPeriodYear
	})
	if len(filings) > propublicaFilingYears {
		filings = filings[:propublicaFilingYears]
	}
	for _, f := range filings {
		doc.Filings = append(doc.Filings, propublicaFiling{
			TaxYear:          f.TaxPeriodYear,
			FormType:         propublicaFormName(f.FormType),
			TotalRevenue:     f.TotalRevenue,
			TotalExpenses:    f.TotalExpenses,
			TotalAssets:      f.TotalAssets,
			TotalLiabilities: f.TotalLiabilities,
			ObjectID:         f.ObjectID.String(),
			PDFURL:           f.PDFURL,
		})
	}
	if len(doc.Filings) > 0 {
		doc.LatestFilingYear = doc.Filings[0].TaxYear
	} else if len(resp.FilingsWithoutData) > 0 {
		// Registered, filing, but nothing parseable on record: the
		// e-Postcard and paper-only population.
		doc.ExemptFromFiling = true
		for _, f := range resp.FilingsWithoutData {
			if f.TaxPeriodYear > doc.LatestFilingYear {
				doc.LatestFilingYear = f.TaxPeriodYear
			}
		}
	} else {
		doc.ExemptFromFiling = true
	}

	s, err := propublicaSchema()
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("propublica schema: %v", err)}
	}
	parsed, verr := validateDoc(s, doc)
	if verr != "" {
		return ParseResult{Err: verr}
	}
	return ParseResult{OK: true, ParsedData: parsed}
}

// padEIN restores the leading zeros the API's numeric encoding drops.
func padEIN(digits string) string {
	for len(digits) < 9 {
		digits = "0" + digits
	}
	return digits
}

func propublicaFormName(t int) string {
	switch t {
	case 0:
		return "990"
	case 1:
		return "990-EZ"
	case 2:
		return "990-PF"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
