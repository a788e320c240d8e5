// Package pipeline runs one export end to end: login, agenda, export, prune.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"compitutto/internal/browser"
	"compitutto/internal/export"
	"compitutto/internal/locator"
	"compitutto/internal/logging"
	"compitutto/internal/retention"
	"compitutto/internal/run"
	"compitutto/internal/session"
)

// Step is a stage of a run, reported to Options.OnStep as it begins.
type Step string

const (
	StepBrowser   Step = "browser"
	StepLogin     Step = "login"
	StepNavigate  Step = "navigate"
	StepExport    Step = "export"
	StepRetention Step = "retention"
)

// Browser provides the single page of a run.
type Browser interface {
	Start(ctx context.Context) error
	Page(ctx context.Context) (browser.Page, error)
	Shutdown(ctx context.Context) error
}

type chrome struct {
	m *browser.SessionManager
}

// Chrome adapts a session manager to Browser.
func Chrome(m *browser.SessionManager) Browser {
	return chrome{m: m}
}

func (c chrome) Start(ctx context.Context) error { return c.m.Start(ctx) }

func (c chrome) Page(ctx context.Context) (browser.Page, error) {
	p, err := c.m.Open(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c chrome) Shutdown(ctx context.Context) error { return c.m.Shutdown(ctx) }

// Options configures a Pipeline.
type Options struct {
	Portal   session.Portal
	Agenda   session.View
	Labels   locator.Labels
	KeepDays int
	// Linger keeps the browser open after a failed interactive run.
	Linger time.Duration
	OnStep func(Step)
}

// Pipeline threads one run context through every component.
type Pipeline struct {
	rc      *run.Context
	browser Browser
	opts    Options
	log     *zap.Logger
}

// New creates a pipeline.
func New(rc *run.Context, b Browser, opts Options) *Pipeline {
	if opts.KeepDays < 0 {
		opts.KeepDays = retention.DefaultKeepDays
	}
	opts.Labels = locator.DefaultLabels().Merge(opts.Labels)
	return &Pipeline{
		rc:      rc,
		browser: b,
		opts:    opts,
		log:     rc.Logs.Get(logging.CategoryPipeline),
	}
}

// Run performs one export with creds. The error is nil only when the export
// was captured and persisted; otherwise it carries a run.Error kind. Old
// exports are pruned only after a capture.
func (p *Pipeline) Run(ctx context.Context, creds session.Credentials) (export.Outcome, error) {
	if !creds.Complete() {
		return export.Outcome{}, run.Failf(run.ErrPrecondition, run.ReasonMissingCredential, "username or password empty")
	}

	start := p.rc.Now()
	p.rc.Record("pipeline", "run.started", map[string]string{"interactive": strconv.FormatBool(p.rc.Interactive)})
	p.log.Info("run started", zap.String("run", p.rc.ID), zap.Bool("interactive", p.rc.Interactive))

	p.step(StepBrowser)
	if err := p.browser.Start(ctx); err != nil {
		return export.Outcome{}, p.finish(run.Fail(run.ErrPrecondition, run.ReasonBrowserUnavailable, err), start)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.rc.Timeouts.Settle)
		defer cancel()
		if err := p.browser.Shutdown(sctx); err != nil {
			p.log.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	page, err := p.browser.Page(ctx)
	if err != nil {
		return export.Outcome{}, p.finish(run.Fail(run.ErrPrecondition, run.ReasonBrowserUnavailable, err), start)
	}

	out, err := p.drive(ctx, page, creds)
	if err != nil {
		p.fail(ctx, page)
		return out, p.finish(err, start)
	}

	p.step(StepRetention)
	pruned, perr := retention.NewManager(p.rc.Logs.Get(logging.CategoryRetention), p.rc.Now).Prune(p.rc.DataDir, p.opts.KeepDays)
	if perr != nil {
		p.log.Warn("retention pass failed", zap.Error(perr))
	}
	p.rc.Record("pipeline", "run.captured", map[string]string{
		"path":   out.Path,
		"branch": string(out.Branch),
		"pruned": strconv.Itoa(pruned),
	})
	return out, p.finish(nil, start)
}

func (p *Pipeline) drive(ctx context.Context, page browser.Page, creds session.Credentials) (export.Outcome, error) {
	resolver := locator.NewResolver(p.rc, locator.SiteRoles(p.opts.Labels))
	driver := session.NewDriver(p.rc, page, resolver, p.opts.Portal)

	p.step(StepLogin)
	if err := driver.Login(ctx, creds); err != nil {
		return export.Outcome{}, err
	}

	p.step(StepNavigate)
	if err := driver.NavigateTo(ctx, p.opts.Agenda); err != nil {
		return export.Outcome{}, err
	}

	p.step(StepExport)
	return export.NewCoordinator(p.rc, resolver, p.opts.Labels).Export(ctx, page)
}

// fail runs the final diagnostic pass and, in interactive mode, leaves the
// browser up for the operator.
func (p *Pipeline) fail(ctx context.Context, page browser.Page) {
	p.rc.Capture(context.WithoutCancel(ctx), page, "run_failed")

	if !p.rc.Interactive || p.opts.Linger <= 0 {
		return
	}
	p.log.Info("keeping the browser open for inspection", zap.Duration("linger", p.opts.Linger))
	t := time.NewTimer(p.opts.Linger)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (p *Pipeline) finish(err error, start time.Time) error {
	elapsed := p.rc.Now().Sub(start)
	if err == nil {
		p.rc.Record("pipeline", "run.finished", map[string]string{"result": "captured"})
		p.log.Info("run finished", zap.Duration("elapsed", elapsed))
		return nil
	}

	attrs := map[string]string{"result": "failed", "reason": run.ReasonOf(err), "exit": strconv.Itoa(run.ExitCode(err))}
	var re *run.Error
	if errors.As(err, &re) {
		attrs["kind"] = re.Kind.Error()
	}
	p.rc.Record("pipeline", "run.finished", attrs)
	p.log.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	return err
}

func (p *Pipeline) step(s Step) {
	p.log.Debug("step", zap.String("step", string(s)))
	if p.opts.OnStep != nil {
		p.opts.OnStep(s)
	}
}
