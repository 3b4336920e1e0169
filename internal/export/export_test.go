package export

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDetail(ein, name string, score float64) Detail {
	return Detail{
		Name:     name,
		EIN:      ein,
		ID:       ein,
		Category: "Human Services",
		Tier:     "strong",
		Mission:  "Clean water for every village.",
		AmalEvaluation: map[string]any{
			"amal_score": score,
			"wallet_tag": "ZAKAT-ELIGIBLE",
			"confidence_scores": map[string]any{
				"impact":          40.0,
				"alignment":       38.0,
				"data_confidence": 0.82,
			},
		},
		ExportedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWriteDetail(t *testing.T) {
	w := NewWriter(t.TempDir())

	path, err := w.WriteDetail(testDetail("13-1644147", "Example Relief Fund", 78))
	if err != nil {
		t.Fatalf("WriteDetail() error: %v", err)
	}
	if filepath.Base(path) != "charity-13-1644147.json" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading detail: %v", err)
	}
	var d Detail
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("detail did not parse: %v", err)
	}
	if d.EIN != "13-1644147" || d.Tier != "strong" {
		t.Errorf("detail = %+v", d)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind")
	}

	// The raw bytes use the published key names.
	for _, key := range []string{`"amalEvaluation"`, `"ein"`, `"exported_at"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("detail missing key %s", key)
		}
	}
}

func TestWriteDetailRejectsBadEIN(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.WriteDetail(testDetail("not-an-ein", "X", 10)); err == nil {
		t.Fatal("WriteDetail() accepted a malformed EIN")
	}
}

func TestWriteDetailOverwrites(t *testing.T) {
	w := NewWriter(t.TempDir())

	if _, err := w.WriteDetail(testDetail("13-1644147", "Old Name", 60)); err != nil {
		t.Fatal(err)
	}
	path, err := w.WriteDetail(testDetail("13-1644147", "New Name", 78))
	if err != nil {
		t.Fatal(err)
	}
	s, err := w.project("13-1644147")
	if err != nil {
		t.Fatalf("project() error: %v", err)
	}
	if s.Name != "New Name" || s.AmalScore != 78 {
		t.Errorf("projection after overwrite = %+v (path %s)", s, path)
	}
}

func TestRebuildAdditive(t *testing.T) {
	w := NewWriter(t.TempDir())

	// Three charities published by an earlier run.
	seeded := []string{"11-1111111", "22-2222222", "33-3333333"}
	for _, ein := range seeded {
		if _, err := w.WriteDetail(testDetail(ein, "Charity "+ein[:2], 80)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Rebuild("commit-1", seeded); err != nil {
		t.Fatalf("seeding rebuild: %v", err)
	}

	// This run re-exports only one new charity.
	if _, err := w.WriteDetail(testDetail("44-4444444", "Charity 44", 91)); err != nil {
		t.Fatal(err)
	}
	idx, err := w.Rebuild("commit-2", []string{"44-4444444"})
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}

	if idx.SourceCommit != "commit-2" {
		t.Errorf("source_commit = %s", idx.SourceCommit)
	}
	if len(idx.Charities) != 4 {
		t.Fatalf("index has %d charities, want 4", len(idx.Charities))
	}
	// Sorted by EIN, so the seeded three come first.
	for i, want := range append(seeded, "44-4444444") {
		if idx.Charities[i].EIN != want {
			t.Errorf("charities[%d].ein = %s, want %s", i, idx.Charities[i].EIN, want)
		}
	}

	// Every index entry has a matching detail file that agrees on the
	// published fields.
	for _, s := range idx.Charities {
		got, err := w.project(s.EIN)
		if err != nil {
			t.Fatalf("index entry %s has no detail: %v", s.EIN, err)
		}
		if got != s {
			t.Errorf("index %+v != detail projection %+v", s, got)
		}
	}
}

func TestRebuildZeroEligible(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.Rebuild("commit-1", nil); !errors.Is(err, ErrNothingExported) {
		t.Fatalf("Rebuild() error = %v, want ErrNothingExported", err)
	}
}

func TestRebuildDetectsTamperedDetail(t *testing.T) {
	w := NewWriter(t.TempDir())

	if _, err := w.WriteDetail(testDetail("11-1111111", "Charity 11", 80)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteDetail(testDetail("22-2222222", "Charity 22", 75)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Rebuild("commit-1", []string{"11-1111111", "22-2222222"}); err != nil {
		t.Fatal(err)
	}

	// The retained charity's detail changes out from under the index.
	tampered := testDetail("11-1111111", "Charity 11", 80)
	tampered.Tier = "emerging"
	if _, err := w.WriteDetail(tampered); err != nil {
		t.Fatal(err)
	}

	_, err := w.Rebuild("commit-2", []string{"22-2222222"})
	if !errors.Is(err, ErrIndexMismatch) {
		t.Fatalf("Rebuild() error = %v, want ErrIndexMismatch", err)
	}
}

func TestRebuildDropsEntryWithoutDetail(t *testing.T) {
	w := NewWriter(t.TempDir())

	if _, err := w.WriteDetail(testDetail("11-1111111", "Charity 11", 80)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteDetail(testDetail("22-2222222", "Charity 22", 75)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Rebuild("commit-1", []string{"11-1111111", "22-2222222"}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(w.DetailPath("11-1111111")); err != nil {
		t.Fatal(err)
	}

	idx, err := w.Rebuild("commit-2", []string{"22-2222222"})
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if len(idx.Charities) != 1 || idx.Charities[0].EIN != "22-2222222" {
		t.Errorf("index = %+v, want the orphaned entry dropped", idx.Charities)
	}
}

func TestRebuildSurvivesCorruptIndex(t *testing.T) {
	w := NewWriter(t.TempDir())

	if err := os.WriteFile(w.IndexPath(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteDetail(testDetail("11-1111111", "Charity 11", 80)); err != nil {
		t.Fatal(err)
	}
	idx, err := w.Rebuild("commit-1", []string{"11-1111111"})
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if len(idx.Charities) != 1 {
		t.Errorf("index = %+v", idx.Charities)
	}
}

func TestUISignals(t *testing.T) {
	eval := testDetail("13-1644147", "Example Relief Fund", 78).AmalEvaluation
	signals := UISignals("strong", eval, 3)

	want := map[string]any{
		"tier_label":       "Strong",
		"wallet_tag_label": "Zakat Eligible",
		"score_display":    "78",
		"confidence_label": "High",
		"citation_count":   3,
	}
	for key, val := range want {
		if signals[key] != val {
			t.Errorf("signals[%s] = %v, want %v", key, signals[key], val)
		}
	}
}

func TestUISignalsConfidenceBands(t *testing.T) {
	tests := []struct {
		dc   float64
		want string
	}{
		{0.9, "High"},
		{0.7, "High"},
		{0.5, "Moderate"},
		{0.4, "Moderate"},
		{0.39, "Low"},
		{0, "Low"},
	}
	for _, tt := range tests {
		if got := confidenceLabel(tt.dc); got != tt.want {
			t.Errorf("confidenceLabel(%v) = %s, want %s", tt.dc, got, tt.want)
		}
	}
}

func TestUISignalsUnknownVocabulary(t *testing.T) {
	signals := UISignals("mythic", map[string]any{"wallet_tag": "FUTURE-TAG"}, 0)
	if signals["tier_label"] != "mythic" {
		t.Errorf("tier_label = %v", signals["tier_label"])
	}
	if signals["wallet_tag_label"] != "FUTURE-TAG" {
		t.Errorf("wallet_tag_label = %v", signals["wallet_tag_label"])
	}
}
