package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"compitutto/internal/config"
	"compitutto/internal/logging"
	"compitutto/internal/retention"
)

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, logs, err := bootstrap()
	if err != nil {
		return err
	}
	defer logs.Close()

	days := cfg.Retention.KeepDays
	if cmd.Flags().Changed("keep-days") {
		days = keepDays
	}
	if days < 0 {
		return fmt.Errorf("--keep-days must not be negative")
	}

	deleted, err := retention.NewManager(logs.Get(logging.CategoryRetention), nil).Prune(cfg.DataDir, days)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderPruned(deleted, cfg.DataDir, days))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := config.DefaultConfig().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("wrote "+configPath))
	return nil
}
