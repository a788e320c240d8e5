package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"compitutto/internal/locator"
)

const maxReplays = 3

var errNothingToTry = errors.New("nothing to try")

type recoveryStep struct {
	name string
	run  func(context.Context, *locator.Resolved) error
}

// recover runs each recovery step once, in order, and returns the name of the
// step after which a download started, or "" when none did.
func (a *Armed) recover(ctx context.Context, trigger *locator.Resolved) string {
	steps := []recoveryStep{
		{"download-link", a.followDownloadLink},
		{"replay-requests", a.replayRequests},
		{"inline-handler", a.runInlineHandler},
		{"script-reclick", a.scriptReclick},
		{"probe-urls", a.probeExportURLs},
	}
	grace := a.c.rc.Timeouts.RecoveryGrace

	for i, step := range steps {
		if ctx.Err() != nil {
			break
		}
		a.c.log.Info("recovery step", zap.Int("step", i), zap.String("name", step.name))
		err := step.run(ctx, trigger)

		attrs := map[string]string{"step": step.name}
		if err != nil {
			attrs["error"] = err.Error()
			a.c.log.Debug("recovery step had no effect", zap.String("name", step.name), zap.Error(err))
		}
		a.c.rc.Record("export", "recovery.step", attrs)

		if err != nil && !a.started() {
			continue
		}
		if a.awaitStart(ctx, grace) {
			a.c.log.Info("recovery started a download", zap.String("step", step.name))
			return step.name
		}
	}
	return ""
}

// followDownloadLink clicks a link that looks like it serves the file.
func (a *Armed) followDownloadLink(ctx context.Context, _ *locator.Resolved) error {
	link, ok := a.c.resolver.Resolve(ctx, locator.DownloadLink, a.page)
	if !ok {
		return errNothingToTry
	}
	_, err := a.click(ctx, link.Element, linkCascade)
	return err
}

// replayRequests navigates to export-looking URLs the page requested after the
// trigger fired.
func (a *Armed) replayRequests(ctx context.Context, _ *locator.Resolved) error {
	current, _ := a.page.URL(ctx)
	var urls []string
	for _, u := range a.requests.Matching(a.c.labels.DownloadKeywords...) {
		if u == current || u == a.viewURL || !strings.HasPrefix(u, "http") {
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return errNothingToTry
	}
	if len(urls) > maxReplays {
		urls = urls[:maxReplays]
	}
	for _, u := range urls {
		a.c.log.Debug("replaying request", zap.String("url", u))
		if err := a.navigate(ctx, u); err != nil {
			a.c.log.Debug("replay navigation failed", zap.String("url", u), zap.Error(err))
		}
		if a.started() {
			return nil
		}
	}
	return nil
}

// runInlineHandler evaluates the trigger's onclick attribute.
func (a *Armed) runInlineHandler(ctx context.Context, trigger *locator.Resolved) error {
	live, err := a.liveTrigger(ctx, trigger)
	if err != nil {
		return err
	}
	handler, err := live.Element.Attribute(ctx, "onclick")
	if err != nil {
		return err
	}
	if strings.TrimSpace(handler) == "" {
		return errNothingToTry
	}
	return a.page.Run(ctx, handler)
}

func (a *Armed) scriptReclick(ctx context.Context, trigger *locator.Resolved) error {
	live, err := a.liveTrigger(ctx, trigger)
	if err != nil {
		return err
	}
	return live.Element.ScriptClick(ctx)
}

// liveTrigger returns trigger if the page has not navigated since it was
// resolved; otherwise it goes back to the export view and resolves it again.
func (a *Armed) liveTrigger(ctx context.Context, trigger *locator.Resolved) (*locator.Resolved, error) {
	if trigger != nil && !trigger.Stale(a.page) {
		return trigger, nil
	}
	if current, _ := a.page.URL(ctx); current != a.viewURL && a.viewURL != "" {
		if err := a.navigate(ctx, a.viewURL); err != nil {
			return nil, fmt.Errorf("return to export view: %w", err)
		}
	}
	res, ok := a.c.resolver.Resolve(ctx, locator.ExportTrigger, a.page)
	if !ok {
		return nil, errors.New("export trigger no longer resolves")
	}
	a.c.log.Debug("export trigger re-resolved", zap.Int("strategy", res.Strategy))
	return res, nil
}

// probeExportURLs tries conventional export endpoints next to the view.
func (a *Armed) probeExportURLs(ctx context.Context, _ *locator.Resolved) error {
	candidates := probeURLs(a.viewURL)
	if len(candidates) == 0 {
		return errNothingToTry
	}
	grace := a.c.rc.Timeouts.RecoveryGrace

	for _, u := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nctx, cancel := context.WithTimeout(ctx, a.c.rc.Timeouts.Navigation)
		resp, err := a.page.Navigate(nctx, u)
		cancel()
		if a.started() {
			return nil
		}
		if err != nil {
			if isAborted(err) && a.awaitStart(ctx, grace) {
				return nil
			}
			a.c.log.Debug("probe failed", zap.String("url", u), zap.Error(err))
			continue
		}

		var markup string
		if strings.Contains(resp.ContentType(), "html") || resp.ContentType() == "" {
			markup, _ = a.page.HTML(ctx)
		}
		kind := classifyProbe(resp, markup, a.c.labels.DateFromTokens)
		a.c.log.Debug("probe answered",
			zap.String("url", u),
			zap.Int("status", resp.StatusCode()),
			zap.String("content_type", resp.ContentType()),
			zap.Stringer("kind", kind))

		switch kind {
		case probeSpreadsheet:
			if a.awaitStart(ctx, grace) {
				return nil
			}
		case probeForm:
			if err := a.submitProbeForm(ctx); err != nil {
				a.c.log.Debug("probe form not submitted", zap.String("url", u), zap.Error(err))
				continue
			}
			if a.awaitStart(ctx, grace) {
				return nil
			}
		}
	}
	return errors.New("no probe produced a download")
}

func (a *Armed) submitProbeForm(ctx context.Context) error {
	a.c.filler.Fill(ctx, a.page, NewRequest(a.c.rc.Now()))
	submit, ok := a.c.resolver.Resolve(ctx, locator.ProbeSubmit, a.page)
	if !ok {
		return errors.New("probe form has no submit control")
	}
	_, err := a.click(ctx, submit.Element, linkCascade)
	return err
}

func (a *Armed) navigate(ctx context.Context, u string) error {
	nctx, cancel := context.WithTimeout(ctx, a.c.rc.Timeouts.Navigation)
	defer cancel()
	_, err := a.page.Navigate(nctx, u)
	if err != nil && isAborted(err) {
		return nil
	}
	return err
}

// isAborted reports a navigation the browser turned into a download.
func isAborted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ERR_ABORTED")
}

// probeURLs derives the conventional export endpoints from the view URL.
func probeURLs(view string) []string {
	u, err := url.Parse(view)
	if err != nil || u.Host == "" {
		return nil
	}
	u.RawQuery, u.Fragment = "", ""
	base := u.String()

	dir := *u
	dir.Path = path.Join(path.Dir(u.Path), "export_agenda.php")

	return []string{
		base + "?action=export&format=xls",
		base + "?export=xls",
		base + "?scarica=excel",
		dir.String(),
	}
}
