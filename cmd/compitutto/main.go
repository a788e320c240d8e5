package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"compitutto/internal/config"
	"compitutto/internal/logging"
	"compitutto/internal/run"
)

var (
	// Global flags
	verbose     bool
	interactive bool
	configPath  string

	// prune
	keepDays int

	// config init
	force bool
)

// rootCmd fetches the agenda export.
var rootCmd = &cobra.Command{
	Use:   "compitutto",
	Short: "Download the ClasseViva homework agenda as a spreadsheet",
	Long: `compitutto logs into ClasseViva, opens the student agenda and saves the
current month's export as <data_dir>/export_<YYYYMMDD>.xls.

Credentials are read from CLASSEVIVA_USERNAME and CLASSEVIVA_PASSWORD, or from
a .env file next to the config file, in the working directory or its parent.

Exit codes:
  0  export captured
  1  missing credentials, bad configuration or unexpected error
  2  login failed
  3  a portal page could not be reached
  4  the export control or its dialog could not be resolved
  5  no download arrived in time
  6  the export could not be written`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFetch,
}

// pruneCmd applies the retention policy without fetching.
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old exports from the data directory",
	Long: `Deletes export_*.xls files older than --keep-days. The most recent export
is always kept.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Show the browser and hand over to the operator when the export control is missing")

	pruneCmd.Flags().IntVar(&keepDays, "keep-days", 0, "Retention window in days (default from config, 7)")
	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderFailure(err))
		os.Exit(run.ExitCode(err))
	}
}

// bootstrap loads the configuration and builds the loggers shared by the
// commands that touch the data directory.
func bootstrap() (*config.Config, *logging.Set, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, run.Fail(run.ErrPrecondition, run.ReasonInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, run.Fail(run.ErrPrecondition, run.ReasonInvalidConfig, err)
	}

	logs, err := logging.New(cfg.ToLogging(verbose))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logs.Get(logging.CategoryBoot).Debug("configuration loaded",
		zap.String("path", configPath),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("headless", cfg.Browser.Headless))
	return cfg, logs, nil
}
