package collectors

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/pkg/schema"
)

const (
	// grants990DownloadURL serves the full e-file XML for one filing.
	grants990DownloadURL = "https://projects.propublica.org/nonprofits/download-xml?object_id=%s"

	// grants429Backoff is the single wait the XML host's rate limiter
	// asks for before one retry.
	grants429Backoff = 65 * time.Second

	// maxGrantUSD bounds a single plausible grant.
	maxGrantUSD = 1e10
)

func init() {
	Register(SourceGrants990, func(d Deps) Collector {
		dir := d.XMLCacheDir
		if dir == "" {
			dir = filepath.Join(defaultDataDir(), "990_xml_cache")
		}
		return &grants990Collector{client: d.Client, cacheDir: dir}
	})
}

// grants990Collector pulls Schedule I (domestic) and Schedule F
// (foreign) grant tables out of the charity's latest e-filed 990 XML.
// Filings are immutable once published, so downloaded XML is cached on
// disk by object ID and never expires.
type grants990Collector struct {
	client      *fetch.Client
	cacheDir    string
	lookupURL   string        // test override of the filing index endpoint
	downloadURL string        // test override
	minInterval time.Duration // test override
	backoff     time.Duration // test override
}

func (g *grants990Collector) SourceName() string { return SourceGrants990 }
func (g *grants990Collector) SchemaKey() string  { return "grants" }

func (g *grants990Collector) lookup(ein string) string {
	base := g.lookupURL
	if base == "" {
		base = propublicaAPI
	}
	return fmt.Sprintf(base, einDigits(ein))
}

func (g *grants990Collector) download(objectID string) string {
	base := g.downloadURL
	if base == "" {
		base = grants990DownloadURL
	}
	return fmt.Sprintf(base, objectID)
}

func (g *grants990Collector) rateFloor() time.Duration {
	if g.minInterval > 0 {
		return g.minInterval
	}
	return grantsInterval
}

func (g *grants990Collector) backoffDelay() time.Duration {
	if g.backoff > 0 {
		return g.backoff
	}
	return grants429Backoff
}

// fetchBytes runs one request under its own deadline so the 429 backoff
// between attempts does not eat the request budget.
func (g *grants990Collector) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, grantsTimeout)
	defer cancel()
	return g.client.FetchBytes(reqCtx, rawURL, fetch.Options{
		RateKey:     SourceGrants990,
		MinInterval: g.rateFloor(),
	})
}

func (g *grants990Collector) Fetch(ctx context.Context, ch charity.Charity) FetchResult {
	body, err := g.fetchBytes(ctx, g.lookup(ch.EIN))
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("990 filing index: %v", err)}
	}
	objectID, taxYear := latestObjectID(body)
	if objectID == "" {
		return FetchResult{Err: fmt.Sprintf("not found: no e-filed 990 with an object id for %s", ch.EIN)}
	}
	meta := map[string]string{"object_id": objectID}
	if taxYear > 0 {
		meta["tax_year"] = strconv.Itoa(taxYear)
	}

	cachePath := filepath.Join(g.cacheDir, objectID+".xml")
	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		logger.Debug("990 xml cache hit", "object_id", objectID)
		meta["xml_cache"] = "hit"
		return FetchResult{OK: true, RawData: string(data), ContentType: "application/xml", Metadata: meta}
	}

	data, err := g.fetchBytes(ctx, g.download(objectID))
	if err != nil && isRateLimited(err) {
		logger.Warn("990 xml host rate limited, backing off once", "object_id", objectID)
		if werr := waitFor(ctx, g.backoffDelay()); werr != nil {
			return FetchResult{Err: fmt.Sprintf("990 xml download: %v", werr)}
		}
		data, err = g.fetchBytes(ctx, g.download(objectID))
	}
	if err != nil {
		return FetchResult{Err: fmt.Sprintf("990 xml download: %v", err)}
	}

	if err := os.MkdirAll(g.cacheDir, 0o755); err != nil {
		logger.Warn("990 xml cache directory", "error", err)
	} else if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		logger.Warn("990 xml cache write failed", "object_id", objectID, "error", err)
	}

	return FetchResult{OK: true, RawData: string(data), ContentType: "application/xml", Metadata: meta}
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}

// latestObjectID picks the newest filing that has an e-file object ID
// from the filing index payload.
func latestObjectID(body []byte) (string, int) {
	var resp propublicaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0
	}
	bestID := ""
	bestYear := 0
	for _, f := range resp.FilingsWithData {
		id := f.ObjectID.String()
		if id == "" || id == "0" {
			continue
		}
		if f.TaxPeriodYear > bestYear || bestID == "" {
			bestID, bestYear = id, f.TaxPeriodYear
		}
	}
	return bestID, bestYear
}

// IRS e-file element names changed across schema years; each field
// carries the modern TY2013+ name and the older spelling.
type businessNameXML struct {
	Line1    string `xml:"BusinessNameLine1Txt"`
	Line1Old string `xml:"BusinessNameLine1"`
	Line2    string `xml:"BusinessNameLine2Txt"`
	Line2Old string `xml:"BusinessNameLine2"`
}

func (b businessNameXML) String() string {
	line1 := firstOf(b.Line1, b.Line1Old)
	line2 := firstOf(b.Line2, b.Line2Old)
	return collapseText(strings.TrimSpace(line1 + " " + line2))
}

type grantAddressXML struct {
	City  string `xml:"CityNm"`
	State string `xml:"StateAbbreviationCd"`
}

type scheduleIRecipientXML struct {
	Name         businessNameXML `xml:"RecipientBusinessName"`
	NameOld      businessNameXML `xml:"RecipientNameBusiness"`
	USAddress    grantAddressXML `xml:"USAddress"`
	USAddressOld grantAddressXML `xml:"AddressUS"`
	EIN          string          `xml:"RecipientEIN"`
	EINOld       string          `xml:"EINOfRecipient"`
	Purpose      string          `xml:"PurposeOfGrantTxt"`
	PurposeOld   string          `xml:"PurposeOfGrant"`
	Cash         string          `xml:"CashGrantAmt"`
	CashOld      string          `xml:"AmountOfCashGrant"`
	NonCash      string          `xml:"NonCashAssistanceAmt"`
	NonCashOld   string          `xml:"AmountOfNonCashAssistance"`
}

type scheduleFGrantXML struct {
	Region     string `xml:"RegionTxt"`
	RegionOld  string `xml:"Region"`
	Purpose    string `xml:"PurposeOfGrantTxt"`
	PurposeOld string `xml:"PurposeOfGrant"`
	Cash       string `xml:"CashGrantAmt"`
	CashOld    string `xml:"AmountOfCashGrant"`
	NonCash    string `xml:"NonCashAssistanceAmt"`
	NonCashOld string `xml:"AmountOfNonCashAssistance"`
}

type irsReturnXML struct {
	XMLName      xml.Name `xml:"Return"`
	ReturnHeader struct {
		TaxYr    string `xml:"TaxYr"`
		TaxYrOld string `xml:"TaxYear"`
		Filer    struct {
			EIN string `xml:"EIN"`
		} `xml:"Filer"`
	} `xml:"ReturnHeader"`
	ReturnData struct {
		ScheduleI struct {
			Recipients []scheduleIRecipientXML `xml:"RecipientTable"`
		} `xml:"IRS990ScheduleI"`
		ScheduleF struct {
			Grants []scheduleFGrantXML `xml:"GrantsToOrgOutsideUSGrp"`
		} `xml:"IRS990ScheduleF"`
	} `xml:"ReturnData"`
}

type grantDoc struct {
	Recipient    string  `json:"recipient,omitempty"`
	RecipientEIN string  `json:"recipient_ein,omitempty"`
	City         string  `json:"city,omitempty"`
	State        string  `json:"state,omitempty"`
	Region       string  `json:"region,omitempty"`
	Purpose      string  `json:"purpose,omitempty"`
	Amount       float64 `json:"amount" validate:"gte=0,lte=10000000000"`
	NonCash      float64 `json:"non_cash,omitempty" validate:"omitempty,gte=0,lte=10000000000"`
}

type grantsDoc struct {
	EIN            string     `json:"ein" validate:"required,ein"`
	ObjectID       string     `json:"object_id,omitempty"`
	TaxYear        int        `json:"tax_year,omitempty" validate:"omitempty,gte=1990,lte=2100"`
	DomesticGrants []grantDoc `json:"domestic_grants,omitempty" validate:"omitempty,dive" description:"Schedule I grants to US organizations"`
	ForeignGrants  []grantDoc `json:"foreign_grants,omitempty" validate:"omitempty,dive" description:"Schedule F grants outside the US"`
	TotalDomestic  float64    `json:"total_domestic,omitempty" validate:"omitempty,gte=0"`
	TotalForeign   float64    `json:"total_foreign,omitempty" validate:"omitempty,gte=0"`
	GrantsRejected int        `json:"grants_rejected,omitempty" description:"Grant rows dropped by plausibility bounds"`
}

var (
	grantsSchemaOnce sync.Once
	grantsSchemaVal  schema.Schema
	grantsSchemaErr  error
)

func grantsSchema() (schema.Schema, error) {
	grantsSchemaOnce.Do(func() {
		grantsSchemaVal, grantsSchemaErr = schema.NewSchema[grantsDoc](
			schema.WithName("grants"),
			schema.WithDescription("Grant tables from the latest e-filed Form 990"),
		)
	})
	return grantsSchemaVal, grantsSchemaErr
}

func (g *grants990Collector) Parse(ctx context.Context, raw string, ch charity.Charity) ParseResult {
	meta, body := DecodeEnvelope(raw)
	if strings.TrimSpace(body) == "" {
		return ParseResult{Err: "990 xml payload is empty"}
	}

	// Legacy rows concatenated several filings; the decoder stops after
	// the first complete Return element either way.
	var ret irsReturnXML
	if err := xml.Unmarshal([]byte(body), &ret); err != nil {
		return ParseResult{Err: fmt.Sprintf("990 xml did not parse: %v", err)}
	}

	filerEIN, err := charity.NormalizeEIN(ret.ReturnHeader.Filer.EIN)
	if err != nil {
		return ParseResult{Err: validationErrorf("990 xml filer EIN unreadable: %v", err)}
	}
	if filerEIN != ch.EIN {
		return ParseResult{Err: validationErrorf("EIN mismatch: requested %s, filing is for %s", ch.EIN, filerEIN)}
	}

	doc := grantsDoc{
		EIN:      ch.EIN,
		ObjectID: meta["object_id"],
	}
	if year, err := strconv.Atoi(firstOf(ret.ReturnHeader.TaxYr, ret.ReturnHeader.TaxYrOld)); err == nil {
		doc.TaxYear = year
	}

	for _, r := range ret.ReturnData.ScheduleI.Recipients {
		amount, ok := parseUSD(firstOf(r.Cash, r.CashOld))
		if !ok {
			continue
		}
		if amount < 0 || amount > maxGrantUSD {
			doc.GrantsRejected++
			logger.Warn("domestic grant amount out of bounds, dropping",
				"ein", ch.EIN, "amount", amount)
			continue
		}
		grant := grantDoc{
			Recipient:    firstOf(r.Name.String(), r.NameOld.String()),
			RecipientEIN: firstOf(r.EIN, r.EINOld),
			City:         firstOf(r.USAddress.City, r.USAddressOld.City),
			State:        firstOf(r.USAddress.State, r.USAddressOld.State),
			Purpose:      collapseText(firstOf(r.Purpose, r.PurposeOld)),
			Amount:       amount,
		}
		if nc, ok := parseUSD(firstOf(r.NonCash, r.NonCashOld)); ok && nc >= 0 && nc <= maxGrantUSD {
			grant.NonCash = nc
		}
		doc.DomesticGrants = append(doc.DomesticGrants, grant)
		doc.TotalDomestic += amount
	}

	for _, f := range ret.ReturnData.ScheduleF.Grants {
		amount, ok := parseUSD(firstOf(f.Cash, f.CashOld))
		if !ok {
			continue
		}
		if amount < 0 || amount > maxGrantUSD {
			doc.GrantsRejected++
			logger.Warn("foreign grant amount out of bounds, dropping",
				"ein", ch.EIN, "amount", amount)
			continue
		}
		// Foreign recipients are routinely unnamed; the region is the
		// identity the filing gives us.
		doc.ForeignGrants = append(doc.ForeignGrants, grantDoc{
			Region:  collapseText(firstOf(f.Region, f.RegionOld)),
			Purpose: collapseText(firstOf(f.Purpose, f.PurposeOld)),
			Amount:  amount,
		})
		doc.TotalForeign += amount
	}

	s, err := grantsSchema()
	if err != nil {
		return ParseResult{Err: fmt.Sprintf("grants schema: %v", err)}
	}
	parsed, verr := validateDoc(s, doc)
	if verr != "" {
		return ParseResult{Err: verr}
	}
	return ParseResult{OK: true, ParsedData: parsed}
}

func parseUSD(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
