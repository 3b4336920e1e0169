package commands

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/pipeline"
	"github.com/amalgiving/amaldata/internal/store"
)

func TestPrintProgress(t *testing.T) {
	ch, err := charity.New("Example Relief Fund", "131644147", "")
	if err != nil {
		t.Fatalf("charity.New() error: %v", err)
	}

	t.Run("success line", func(t *testing.T) {
		var buf strings.Builder
		res := pipeline.CharityResult{
			Charity:   ch,
			OK:        true,
			AmalScore: 78,
			CostUSD:   0.026,
			Cached:    []pipeline.Phase{pipeline.PhaseCrawl, pipeline.PhaseExtract},
		}
		printProgress(&buf, res, 3, 12)
		want := "[3/12] ✓ Example Relief Fund - A:78 ($0.0260) [cache:crawl,extract]\n"
		if buf.String() != want {
			t.Errorf("printProgress() = %q, want %q", buf.String(), want)
		}
	})

	t.Run("failure line", func(t *testing.T) {
		var buf strings.Builder
		res := pipeline.CharityResult{
			Charity: ch,
			Err:     errors.New("crawl: required sources unusable: website"),
		}
		printProgress(&buf, res, 12, 12)
		want := "[12/12] ✗ Example Relief Fund - Error: crawl: required sources unusable: website\n"
		if buf.String() != want {
			t.Errorf("printProgress() = %q, want %q", buf.String(), want)
		}
	})

	t.Run("no cache suffix when everything ran", func(t *testing.T) {
		var buf strings.Builder
		res := pipeline.CharityResult{Charity: ch, OK: true, AmalScore: 91.4, CostUSD: 0.5}
		printProgress(&buf, res, 1, 1)
		if strings.Contains(buf.String(), "[cache:") {
			t.Errorf("printProgress() = %q, want no cache suffix", buf.String())
		}
		if !strings.Contains(buf.String(), "A:91 ") {
			t.Errorf("printProgress() = %q, want the rounded score", buf.String())
		}
	})
}

func TestPrintSummary(t *testing.T) {
	sum := &pipeline.Summary{
		Results:   make([]pipeline.CharityResult, 3),
		Succeeded: 2,
		Failed:    1,
		Exported:  2,
		TotalCost: 0.052,
		CostByPhase: map[pipeline.Phase]float64{
			pipeline.PhaseCrawl:    0.010,
			pipeline.PhaseBaseline: 0.008,
		},
		Commit: "a1b2c3d4e5f6" + strings.Repeat("0", 52),
	}

	var buf strings.Builder
	printSummary(&buf, sum, 92*time.Second)
	out := buf.String()

	for _, want := range []string{
		"Run complete in 1m32s",
		"3 processed, 2 succeeded, 1 failed",
		"Exported:  2",
		"Commit:    a1b2c3d4e5f6",
		"crawl",
		"baseline",
		"Total LLM cost: $0.052",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q in:\n%s", want, out)
		}
	}
}

func TestHydrateNames(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "amaldata.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.UpsertCharity("13-1644147", "Example Relief Fund", "https://examplerelief.org"); err != nil {
		t.Fatalf("UpsertCharity() error: %v", err)
	}

	known, err := charity.New(placeholderName("13-1644147"), "131644147", "")
	if err != nil {
		t.Fatalf("charity.New() error: %v", err)
	}
	fresh, err := charity.New(placeholderName("52-1693387"), "521693387", "")
	if err != nil {
		t.Fatalf("charity.New() error: %v", err)
	}
	named, err := charity.New("Harbor Food Bank", "043188271", "harborfood.org")
	if err != nil {
		t.Fatalf("charity.New() error: %v", err)
	}

	charities := []charity.Charity{known, fresh, named}
	hydrateNames(st, charities)

	if charities[0].Name != "Example Relief Fund" {
		t.Errorf("known charity name = %q, want the stored name", charities[0].Name)
	}
	if charities[0].Website != "https://examplerelief.org" {
		t.Errorf("known charity website = %q, want the stored website", charities[0].Website)
	}
	if charities[1].Name != placeholderName("52-1693387") {
		t.Errorf("unseen charity name = %q, want the placeholder kept", charities[1].Name)
	}
	if charities[2].Name != "Harbor Food Bank" {
		t.Errorf("named charity = %q, want the given name kept", charities[2].Name)
	}
}

func TestMissingEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	if got := missingEnv(); len(got) != 1 || got[0] != "GOOGLE_API_KEY" {
		t.Errorf("missingEnv() = %v, want [GOOGLE_API_KEY]", got)
	}

	t.Setenv("GOOGLE_API_KEY", "key")
	if got := missingEnv(); len(got) != 0 {
		t.Errorf("missingEnv() = %v, want none", got)
	}

	// A key from the config file counts and lands in the environment.
	t.Setenv("GOOGLE_API_KEY", "")
	viper.Set("google_api_key", "from-config")
	t.Cleanup(func() { viper.Set("google_api_key", "") })
	if got := missingEnv(); len(got) != 0 {
		t.Errorf("missingEnv() with config key = %v, want none", got)
	}
	if os.Getenv("GOOGLE_API_KEY") != "from-config" {
		t.Error("config key was not promoted to the environment")
	}
}

func TestPhaseList(t *testing.T) {
	got := phaseList()
	if !strings.HasPrefix(got, "crawl, ") || !strings.HasSuffix(got, ", judge") {
		t.Errorf("phaseList() = %q, want crawl first and judge last", got)
	}
}

func TestStdoutWriterRejectsUnknownFormat(t *testing.T) {
	_, err := stdoutWriter("xml")
	var ue *usageError
	if !errors.As(err, &ue) {
		t.Errorf("stdoutWriter(xml) error = %v, want a usage error", err)
	}
}
