package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
	"github.com/amalgiving/amaldata/internal/evaluate"
	"github.com/amalgiving/amaldata/internal/fetch"
	"github.com/amalgiving/amaldata/internal/llm"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/orchestrator"
	"github.com/amalgiving/amaldata/internal/pipeline"
	"github.com/amalgiving/amaldata/internal/ratelimit"
	"github.com/amalgiving/amaldata/internal/store"
)

// requiredEnv lists the environment variables a run cannot start
// without. The provider chain adds optional fallbacks on top of these.
var requiredEnv = []string{"GOOGLE_API_KEY"}

func runRoot(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Verbose: viper.GetBool("verbose"),
		Quiet:   viper.GetBool("quiet"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	charities, err := selectedCharities(cmd)
	if err != nil {
		return err
	}

	forcePhases, _ := cmd.Flags().GetStringSlice("force-phase")
	for _, name := range forcePhases {
		if !pipeline.KnownPhase(name) {
			return usagef("unknown phase %q (phases: %s)", name, phaseList())
		}
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	cacheStatus, _ := cmd.Flags().GetBool("cache-status")
	if dryRun && cacheStatus {
		return usagef("--dry-run and --cache-status are mutually exclusive")
	}
	tag, err := tagSelection(cmd)
	if err != nil {
		return err
	}

	if missing := missingEnv(); len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	model := viper.GetString("model")
	if model == "" {
		model = llm.GetDefaultModel("gemini")
	}
	provider, err := llm.NewFromEnv(model)
	if err != nil {
		return err
	}
	logger.Debug("provider chain ready", "provider", provider.Name(), "model", model)

	st, err := store.Open(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	hydrateNames(st, charities)

	renderer := fetch.NewRenderer("", 0)
	defer func() { _ = renderer.Close() }()

	p, err := buildPipeline(cmd, st, provider, renderer, model, tag, forcePhases)
	if err != nil {
		return err
	}

	if clean, _ := cmd.Flags().GetBool("clean"); clean {
		for _, ch := range charities {
			if err := st.ClearCharityPhases(ch.EIN); err != nil {
				return err
			}
		}
		logger.Info("phase cache cleared", "charities", len(charities))
	}

	format, _ := cmd.Flags().GetString("format")
	if dryRun {
		return renderPlans(p, charities, format)
	}
	if cacheStatus {
		return renderCacheStatus(p, charities, format)
	}

	start := time.Now()
	sum, err := p.Run(ctx, charities)
	if sum != nil && !viper.GetBool("quiet") {
		printSummary(os.Stdout, sum, time.Since(start))
	}
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d charities failed", sum.Failed, len(sum.Results))
	}
	return nil
}

// selectedCharities resolves --charities/--ein into the worklist.
// Exactly one of the two must be given.
func selectedCharities(cmd *cobra.Command) ([]charity.Charity, error) {
	file, _ := cmd.Flags().GetString("charities")
	ein, _ := cmd.Flags().GetString("ein")

	switch {
	case file != "" && ein != "":
		return nil, usagef("--charities and --ein are mutually exclusive")
	case file == "" && ein == "":
		return nil, usagef("either --charities or --ein is required")
	case file != "":
		list, err := charity.ParseFile(file)
		if err != nil {
			return nil, &usageError{err: err}
		}
		if len(list) == 0 {
			return nil, usagef("%s lists no charities", file)
		}
		return list, nil
	default:
		norm, err := charity.NormalizeEIN(ein)
		if err != nil {
			return nil, &usageError{err: err}
		}
		ch, err := charity.New(placeholderName(norm), norm, "")
		if err != nil {
			return nil, err
		}
		return []charity.Charity{ch}, nil
	}
}

func placeholderName(ein string) string { return "EIN " + ein }

// hydrateNames fills placeholder identities from the store. An --ein
// run carries no name or website; a previous run may have recorded
// both.
func hydrateNames(st *store.Store, charities []charity.Charity) {
	for i := range charities {
		if charities[i].Name != placeholderName(charities[i].EIN) {
			continue
		}
		row, ok, err := st.Charity(charities[i].EIN)
		if err != nil || !ok {
			continue
		}
		if row.Name != "" {
			charities[i].Name = row.Name
		}
		if charities[i].Website == "" {
			charities[i].Website = row.Website
		}
	}
}

// missingEnv reports which required variables are absent. A key in the
// config file serves too; it is promoted to the environment so the
// provider SDKs see it.
func missingEnv() []string {
	var missing []string
	for _, name := range requiredEnv {
		if os.Getenv(name) != "" {
			continue
		}
		if v := viper.GetString(strings.ToLower(name)); v != "" {
			_ = os.Setenv(name, v)
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

// tagSelection resolves --tag/--no-tag. The default is a timestamped
// tag so every completed run stays addressable in the commit journal.
func tagSelection(cmd *cobra.Command) (string, error) {
	tag, _ := cmd.Flags().GetString("tag")
	noTag, _ := cmd.Flags().GetBool("no-tag")
	switch {
	case tag != "" && noTag:
		return "", usagef("--tag and --no-tag are mutually exclusive")
	case noTag:
		return "", nil
	case tag != "":
		return tag, nil
	default:
		return "run-" + time.Now().UTC().Format("20060102-150405"), nil
	}
}

// buildPipeline wires the full stack: fetch client and its caches, the
// headless renderer, the six collectors, the orchestrator, the
// evaluator, and the phase graph.
func buildPipeline(cmd *cobra.Command, st *store.Store, provider llm.Provider, renderer *fetch.Renderer, model, tag string, forcePhases []string) (*pipeline.Pipeline, error) {
	cacheRoot := filepath.Join(stateDir(), "cache")
	cache := fetch.NewCache(filepath.Join(cacheRoot, "html"), 0)
	states := fetch.NewStateStore(filepath.Join(cacheRoot, "state"))
	profiles := fetch.LoadProfiles(filepath.Join(cacheRoot, "state", "cloudflare_profiles.json"))
	client := fetch.NewClient(fetch.DefaultConfig(), cache, profiles, ratelimit.New())

	cols := collectors.All(collectors.Deps{
		Client:   client,
		Provider: provider,
		Renderer: renderer,
		States:   states,
	})

	ev, err := evaluate.New(provider)
	if err != nil {
		return nil, err
	}

	cfg := pipeline.DefaultConfig()
	cfg.Workers = viper.GetInt("workers")
	cfg.JudgeThreshold = viper.GetFloat64("judge_threshold")
	cfg.Model = model
	cfg.Tag = tag
	cfg.ExportDir = viper.GetString("export_dir")
	cfg.ForcePhases = forcePhases
	cfg.CheckpointEvery, _ = cmd.Flags().GetInt("checkpoint")
	cfg.SkipExport, _ = cmd.Flags().GetBool("skip-export")
	cfg.ForceAll, _ = cmd.Flags().GetBool("force-all")
	if !viper.GetBool("quiet") {
		cfg.OnResult = func(res pipeline.CharityResult, done, total int) {
			printProgress(os.Stdout, res, done, total)
		}
	}

	return pipeline.New(st, orchestrator.New(st, cols), ev, cols, pipeline.WithConfig(cfg))
}

func phaseList() string {
	phases := pipeline.Phases()
	names := make([]string, len(phases))
	for i, ph := range phases {
		names[i] = string(ph)
	}
	return strings.Join(names, ", ")
}

// printProgress renders one charity's completion line.
func printProgress(w io.Writer, res pipeline.CharityResult, done, total int) {
	if !res.OK {
		fmt.Fprintf(w, "[%d/%d] ✗ %s - Error: %v\n", done, total, res.Charity.Name, res.Err)
		return
	}
	fmt.Fprintf(w, "[%d/%d] ✓ %s - A:%.0f ($%.4f)%s\n",
		done, total, res.Charity.Name, res.AmalScore, res.CostUSD, cacheSuffix(res.Cached))
}

func cacheSuffix(cached []pipeline.Phase) string {
	if len(cached) == 0 {
		return ""
	}
	names := make([]string, len(cached))
	for i, ph := range cached {
		names[i] = string(ph)
	}
	return " [cache:" + strings.Join(names, ",") + "]"
}

// printSummary renders the end-of-run block.
func printSummary(w io.Writer, sum *pipeline.Summary, elapsed time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 48))
	fmt.Fprintf(w, "Run complete in %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "  Charities: %s processed, %d succeeded, %d failed\n",
		humanize.Comma(int64(len(sum.Results))), sum.Succeeded, sum.Failed)
	fmt.Fprintf(w, "  Exported:  %d\n", sum.Exported)
	if sum.Commit != "" {
		fmt.Fprintf(w, "  Commit:    %.12s\n", sum.Commit)
	}
	if sum.Index != nil {
		fmt.Fprintf(w, "  Dataset:   %s (%s charities)\n",
			sum.IndexPath, humanize.Comma(int64(len(sum.Index.Charities))))
	}
	if len(sum.CostByPhase) > 0 {
		fmt.Fprintln(w, "  Cost by phase:")
		for _, ph := range pipeline.Phases() {
			if c, ok := sum.CostByPhase[ph]; ok && c > 0 {
				fmt.Fprintf(w, "    %-10s $%.4f\n", ph, c)
			}
		}
	}
	fmt.Fprintf(w, "  Total LLM cost: $%s\n", humanize.CommafWithDigits(sum.TotalCost, 4))
}
