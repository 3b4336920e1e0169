// Package commands implements the streaming_runner CLI.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amalgiving/amaldata/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "streaming_runner",
	Short: "Build the evaluated-charity dataset",
	Long: `streaming_runner collects evidence for each charity from six sources,
synthesizes one document per charity, scores it with Gemini, audits the
result, and exports the survivors as versioned JSON artifacts.

Charities come from a pipe-delimited file (Name|EIN|website) or a single
--ein. Every phase is cached per charity and fingerprint; re-runs only
spend money on phases whose inputs changed.

Examples:
  # Process a charities file with default settings
  streaming_runner --charities charities.txt

  # Re-run one charity from scratch, verbose logging
  streaming_runner --ein 13-1644147 --force-all -v

  # Re-run extraction (downstream phases re-run by cascade)
  streaming_runner --charities charities.txt --force-phase extract

  # Show what a run would do without spending anything
  streaming_runner --charities charities.txt --dry-run

  # Inspect phase cache freshness as YAML
  streaming_runner --charities charities.txt --cache-status --format yaml`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

var versionCmd = &cobra.Command{
	Use:    "version",
	Short:  "Print version information",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.amaldata.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "errors only, no progress lines")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	flags := rootCmd.Flags()

	// Charity selection
	flags.String("charities", "", "charities file, one Name|EIN|website per line")
	flags.String("ein", "", "process a single charity by EIN")

	// Run settings
	flags.IntP("workers", "w", 20, "charities processed concurrently")
	flags.StringP("model", "m", "", "Gemini model for the provider chain head")
	flags.Float64("judge-threshold", 60, "minimum judge score a charity needs to be exported")
	flags.Int("checkpoint", 0, "commit the store after every N charities (0 = end of run only)")
	flags.Bool("skip-export", false, "run the phases but write no dataset files")
	flags.String("tag", "", "tag name for the final commit (default run-<timestamp>)")
	flags.Bool("no-tag", false, "do not tag the final commit")

	// Cache control
	flags.Bool("clean", false, "wipe cached phase state for the selected charities first")
	flags.Bool("force-all", false, "re-run every phase")
	flags.StringSlice("force-phase", nil, "re-run the named phase and its downstreams (repeatable)")
	flags.Bool("dry-run", false, "print the per-charity phase plan without running")
	flags.Bool("cache-status", false, "print per-charity phase cache freshness and exit")
	flags.String("format", "json", "render format for --dry-run/--cache-status: json, jsonl, yaml")

	_ = viper.BindPFlag("workers", flags.Lookup("workers"))
	_ = viper.BindPFlag("model", flags.Lookup("model"))
	_ = viper.BindPFlag("judge_threshold", flags.Lookup("judge-threshold"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".amaldata")
		viper.SetConfigType("yaml")
	}

	// Environment variables
	viper.SetEnvPrefix("AMALDATA")
	viper.AutomaticEnv()
	_ = viper.BindEnv("google_api_key", "GOOGLE_API_KEY")

	viper.SetDefault("db", filepath.Join(stateDir(), "amaldata.db"))
	viper.SetDefault("export_dir", "export")

	// Read config file (ignore error if not found)
	_ = viper.ReadInConfig()
}

// stateDir is the per-user state root: ~/.amaldata, or ./.amaldata when
// the home lookup fails.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amaldata"
	}
	return filepath.Join(home, ".amaldata")
}

// usageError marks invalid input: flag misuse, a malformed charities
// file, an unknown phase name. Execute maps it to exit code 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 any failure, 2 invalid input.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		logError("%v", err)
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprint(os.Stderr, rootCmd.UsageString())
			return 2
		}
		return 1
	}
	return 0
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
