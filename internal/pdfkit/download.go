package pdfkit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/logger"
)

// ErrNotPDF is returned when a downloaded body is empty, HTML, or
// otherwise not a PDF document.
var ErrNotPDF = errors.New("response is not a PDF")

// ByteFetcher fetches raw bytes through the polite client. *fetch.Client
// satisfies it.
type ByteFetcher interface {
	FetchBytes(ctx context.Context, rawURL string, opts fetch.Options) ([]byte, error)
}

// Downloaded records one stored PDF on disk.
type Downloaded struct {
	Link         Link      `json:"link"`
	Path         string    `json:"path"`
	SHA256       string    `json:"sha256"`
	Size         int64     `json:"size"`
	Duplicate    bool      `json:"duplicate,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Downloader fetches prioritized PDF links and stores them under
// <dir>/<charityID>/, deduplicating by content hash per charity.
type Downloader struct {
	client ByteFetcher
	dir    string
}

// NewDownloader returns a Downloader that stores files under dir.
func NewDownloader(client ByteFetcher, dir string) *Downloader {
	return &Downloader{client: client, dir: dir}
}

// Download fetches each link in order and returns the files stored or
// matched against already-stored content. Individual failures are
// logged and skipped; the error reports only directory-level problems.
func (d *Downloader) Download(ctx context.Context, charityID string, links []Link) ([]Downloaded, error) {
	if len(links) == 0 {
		return nil, nil
	}
	dir := filepath.Join(d.dir, charityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pdf dir: %w", err)
	}
	man, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	var out []Downloaded
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		got, err := d.downloadOne(ctx, dir, man, link)
		if err != nil {
			logger.Warn("pdf download failed", "charity", charityID, "url", link.URL, "error", err)
			continue
		}
		out = append(out, got)
	}
	if err := man.save(dir); err != nil {
		return out, err
	}
	return out, nil
}

func (d *Downloader) downloadOne(ctx context.Context, dir string, man *manifest, link Link) (Downloaded, error) {
	data, err := d.client.FetchBytes(ctx, link.URL, fetch.Options{})
	if err != nil {
		return Downloaded{}, err
	}
	if err := ValidatePDF(data); err != nil {
		return Downloaded{}, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if entry, ok := man.Files[hash]; ok {
		return Downloaded{
			Link:         link,
			Path:         filepath.Join(dir, entry.Path),
			SHA256:       hash,
			Size:         entry.Size,
			Duplicate:    true,
			DownloadedAt: entry.DownloadedAt,
		}, nil
	}

	name := fileName(link, hash, func(candidate string) bool {
		return man.pathTaken(candidate)
	})
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Downloaded{}, fmt.Errorf("writing pdf: %w", err)
	}

	now := time.Now().UTC()
	man.Files[hash] = manifestEntry{
		Path:         name,
		URL:          link.URL,
		Type:         link.Type,
		FiscalYear:   link.FiscalYear,
		Size:         int64(len(data)),
		DownloadedAt: now,
	}
	return Downloaded{
		Link:         link,
		Path:         path,
		SHA256:       hash,
		Size:         int64(len(data)),
		DownloadedAt: now,
	}, nil
}

// ValidatePDF rejects empty bodies, HTML error pages served with a pdf
// URL, and anything missing the PDF magic bytes.
func ValidatePDF(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", ErrNotPDF)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("<!doctype")) || bytes.HasPrefix(lower, []byte("<html")) {
		return fmt.Errorf("%w: got HTML", ErrNotPDF)
	}
	if !bytes.HasPrefix(trimmed, []byte("%PDF")) {
		return fmt.Errorf("%w: missing %%PDF header", ErrNotPDF)
	}
	return nil
}

// fileName builds <fiscalYear>_<type>.pdf, or <type>_<hash8>.pdf when
// the year is unknown. On a name collision with different content the
// short hash disambiguates.
func fileName(link Link, hash string, taken func(string) bool) string {
	docType := link.Type
	if docType == "" {
		docType = DocOther
	}
	var name string
	if link.FiscalYear > 0 {
		name = fmt.Sprintf("%d_%s.pdf", link.FiscalYear, docType)
	} else {
		name = fmt.Sprintf("%s_%s.pdf", docType, hash[:8])
	}
	if taken(name) {
		name = fmt.Sprintf("%s_%s.pdf", name[:len(name)-len(".pdf")], hash[:8])
	}
	return name
}

const manifestName = "manifest.json"

// manifest tracks stored files by content hash so re-runs and mirrored
// URLs do not duplicate downloads.
type manifest struct {
	Files map[string]manifestEntry `json:"files"`
}

type manifestEntry struct {
	Path         string    `json:"path"`
	URL          string    `json:"url"`
	Type         DocType   `json:"type"`
	FiscalYear   int       `json:"fiscal_year,omitempty"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

func loadManifest(dir string) (*manifest, error) {
	man := &manifest{Files: make(map[string]manifestEntry)}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return man, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pdf manifest: %w", err)
	}
	if err := json.Unmarshal(data, man); err != nil {
		// A corrupt manifest is discarded and rebuilt on the next save.
		logger.Warn("pdf manifest unreadable, starting fresh", "dir", dir, "error", err)
		return &manifest{Files: make(map[string]manifestEntry)}, nil
	}
	if man.Files == nil {
		man.Files = make(map[string]manifestEntry)
	}
	return man, nil
}

func (m *manifest) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pdf manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("writing pdf manifest: %w", err)
	}
	return nil
}

func (m *manifest) pathTaken(name string) bool {
	for _, e := range m.Files {
		if e.Path == name {
			return true
		}
	}
	return false
}
