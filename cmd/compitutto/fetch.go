package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"compitutto/internal/browser"
	"compitutto/internal/config"
	"compitutto/internal/logging"
	"compitutto/internal/pipeline"
	"compitutto/internal/run"
)

// runFetch performs one export run.
func runFetch(cmd *cobra.Command, args []string) error {
	cfg, logs, err := bootstrap()
	if err != nil {
		return err
	}
	defer logs.Close()
	boot := logs.Get(logging.CategoryBoot)

	// Credentials are checked before any browser starts.
	creds, err := config.LoadCredentials(configPath)
	if err != nil {
		return err
	}
	boot.Info("credentials loaded", zap.String("user", config.MaskedUser(creds)))

	if interactive {
		cfg.Browser.Headless = false
	}

	out := cmd.OutOrStdout()
	rc, err := run.New(run.Options{
		DataDir:     cfg.DataDir,
		DebugDir:    cfg.DebugDir,
		Timeouts:    cfg.Timeouts.Resolve(),
		Logs:        logs,
		Interactive: interactive,
		Prompter:    newStdinPrompter(cmd.InOrStdin(), out),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			boot.Warn("cleanup failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, renderTitle(rc.ID, interactive))
	sm := browser.NewSessionManager(cfg.Browser, logs.Get(logging.CategoryBrowser))
	p := pipeline.New(rc, pipeline.Chrome(sm), pipeline.Options{
		Portal:   cfg.LoginPortal(),
		Agenda:   cfg.AgendaView(),
		Labels:   cfg.SiteLabels(),
		KeepDays: cfg.Retention.KeepDays,
		Linger:   cfg.GetLinger(),
		OnStep: func(s pipeline.Step) {
			fmt.Fprintln(out, renderStep(s))
		},
	})

	outcome, err := p.Run(ctx, creds)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderSummary(outcome))
	return nil
}
