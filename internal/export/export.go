// Package export materializes the published dataset: one
// charity-<EIN>.json detail file per charity plus a charities.json
// index that summarizes every currently exportable charity. Detail
// files are written atomically, and the index rebuild is additive so
// one bad run cannot erase previously published charities.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/logger"
)

// ErrNothingExported is returned by Rebuild when no eligible charity
// produced a detail file this run. Check with errors.Is.
var ErrNothingExported = errors.New("export: no eligible charity exported")

// ErrIndexMismatch flags an index entry that disagrees with its detail
// file on one of the published fields. Check with errors.Is.
var ErrIndexMismatch = errors.New("export: index and detail disagree")

// Detail is one charity-<EIN>.json document.
type Detail struct {
	Name           string         `json:"name"`
	EIN            string         `json:"ein"`
	ID             string         `json:"id"`
	Category       string         `json:"category,omitempty"`
	Tier           string         `json:"tier"`
	Mission        string         `json:"mission,omitempty"`
	AmalEvaluation map[string]any `json:"amalEvaluation"`
	UISignals      map[string]any `json:"ui_signals_v1,omitempty"`
	Sources        []SourceStamp  `json:"sources,omitempty"`
	ExportedAt     time.Time      `json:"exported_at"`
}

// SourceStamp records when one evidence source was last collected.
type SourceStamp struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Summary is one charities.json entry, a projection of the detail file.
type Summary struct {
	Name      string  `json:"name"`
	EIN       string  `json:"ein"`
	ID        string  `json:"id"`
	Category  string  `json:"category,omitempty"`
	Tier      string  `json:"tier"`
	AmalScore float64 `json:"amal_score"`
	WalletTag string  `json:"wallet_tag"`
}

// Index is the charities.json document.
type Index struct {
	SourceCommit string    `json:"source_commit"`
	Charities    []Summary `json:"charities"`
}

// Writer owns one export root: detail files under <root>/charities/,
// the index at <root>/charities.json.
type Writer struct {
	root string
}

// NewWriter returns a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// DetailPath returns where the named charity's detail file lives.
func (w *Writer) DetailPath(ein string) string {
	return filepath.Join(w.root, "charities", "charity-"+ein+".json")
}

// IndexPath returns where the index lives.
func (w *Writer) IndexPath() string {
	return filepath.Join(w.root, "charities.json")
}

// WriteDetail writes one detail file atomically and returns its path.
func (w *Writer) WriteDetail(d Detail) (string, error) {
	if _, err := charity.NormalizeEIN(d.EIN); err != nil {
		return "", fmt.Errorf("export %q: %w", d.EIN, err)
	}
	if d.ExportedAt.IsZero() {
		d.ExportedAt = time.Now().UTC()
	}
	path := w.DetailPath(d.EIN)
	if err := writeJSON(path, d); err != nil {
		return "", fmt.Errorf("export %s: %w", d.EIN, err)
	}
	return path, nil
}

// Rebuild rewrites charities.json. The new index is the union of the
// detail files written this run (the eins argument) and every previous
// entry whose EIN was not re-exported. Each entry is re-projected from
// its detail file on disk; a retained entry whose detail file vanished
// is dropped, and a disagreement between index and detail on name,
// tier, amal_score or wallet_tag fails the rebuild.
func (w *Writer) Rebuild(sourceCommit string, eins []string) (*Index, error) {
	if len(eins) == 0 {
		return nil, ErrNothingExported
	}

	prev := w.readIndex()
	reExported := make(map[string]bool, len(eins))
	for _, ein := range eins {
		reExported[ein] = true
	}

	idx := &Index{SourceCommit: sourceCommit}
	for _, ein := range eins {
		s, err := w.project(ein)
		if err != nil {
			return nil, err
		}
		idx.Charities = append(idx.Charities, s)
	}
	for _, old := range prev.Charities {
		if reExported[old.EIN] {
			continue
		}
		s, err := w.project(old.EIN)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("dropping index entry without detail file", "ein", old.EIN)
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := agree(old, s); err != nil {
			return nil, err
		}
		idx.Charities = append(idx.Charities, s)
	}

	sort.Slice(idx.Charities, func(i, j int) bool {
		return idx.Charities[i].EIN < idx.Charities[j].EIN
	})
	if err := writeJSON(w.IndexPath(), idx); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	logger.Info("index rebuilt",
		"charities", len(idx.Charities), "new", len(eins), "commit", sourceCommit)
	return idx, nil
}

// project reads a detail file back and derives its index entry.
func (w *Writer) project(ein string) (Summary, error) {
	data, err := os.ReadFile(w.DetailPath(ein))
	if err != nil {
		return Summary{}, err
	}
	var d Detail
	if err := json.Unmarshal(data, &d); err != nil {
		return Summary{}, fmt.Errorf("detail %s: %w", ein, err)
	}
	s := Summary{
		Name:     d.Name,
		EIN:      d.EIN,
		ID:       d.ID,
		Category: d.Category,
		Tier:     d.Tier,
	}
	if v, ok := d.AmalEvaluation["amal_score"].(float64); ok {
		s.AmalScore = v
	}
	if v, ok := d.AmalEvaluation["wallet_tag"].(string); ok {
		s.WalletTag = v
	}
	return s, nil
}

// agree verifies that a retained index entry still matches its detail
// file on the published fields.
func agree(old, cur Summary) error {
	if old.Name != cur.Name || old.Tier != cur.Tier ||
		old.AmalScore != cur.AmalScore || old.WalletTag != cur.WalletTag {
		return fmt.Errorf("%w: %s (index %q/%s/%.0f/%s, detail %q/%s/%.0f/%s)",
			ErrIndexMismatch, old.EIN,
			old.Name, old.Tier, old.AmalScore, old.WalletTag,
			cur.Name, cur.Tier, cur.AmalScore, cur.WalletTag)
	}
	return nil
}

// readIndex loads the previous index; a missing or unreadable index
// reads as empty, a fresh export root is not an error.
func (w *Writer) readIndex() Index {
	var idx Index
	data, err := os.ReadFile(w.IndexPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		logger.Warn("previous index did not parse, rebuilding from scratch",
			"path", w.IndexPath(), "error", err)
		return Index{}
	}
	return idx
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
