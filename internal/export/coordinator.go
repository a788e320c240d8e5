package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"compitutto/internal/browser"
	"compitutto/internal/locator"
	"compitutto/internal/logging"
	"compitutto/internal/run"
)

// State is a coordinator state.
type State string

const (
	StateIdle              State = "idle"
	StateTriggered         State = "triggered"
	StateDownloadDetected  State = "download-detected"
	StateModalDetected     State = "modal-detected"
	StateNewWindowDetected State = "new-window-detected"
	StateUndetermined      State = "undetermined"
	StateResolving         State = "resolving"
	StateFinalized         State = "finalized"
)

const handoffMessage = "Export button not found. Click \"Scarica in Excel\" in the browser window, then press Enter here."

// heuristicCandidates are the elements the modal heuristic looks at.
const heuristicCandidates = "[class*='popup'], [class*='overlay'], [style*='z-index'], [style*='display: block'], [class*='dialog'], [class*='modal']"

const maxHeuristicCandidates = 10

var errDecided = errors.New("detection decided")

type clickStep struct {
	name string
	do   func(browser.Element, context.Context) error
}

var (
	triggerCascade = []clickStep{
		{"native", browser.Element.Click},
		{"script", browser.Element.ScriptClick},
		{"force", browser.Element.ForceClick},
	}
	confirmCascade = []clickStep{
		{"native", browser.Element.Click},
		{"force", browser.Element.ForceClick},
		{"script", browser.Element.ScriptClick},
	}
	linkCascade = []clickStep{
		{"native", browser.Element.Click},
		{"script", browser.Element.ScriptClick},
	}
)

// Coordinator runs the export flow against the page showing the export view.
type Coordinator struct {
	rc       *run.Context
	resolver *locator.Resolver
	filler   *Filler
	labels   locator.Labels
	log      *zap.Logger
}

// NewCoordinator returns a coordinator resolving roles through resolver.
func NewCoordinator(rc *run.Context, resolver *locator.Resolver, labels locator.Labels) *Coordinator {
	log := rc.Logs.Get(logging.CategoryExport)
	return &Coordinator{
		rc:       rc,
		resolver: resolver,
		filler:   NewFiller(rc, resolver, log),
		labels:   labels,
		log:      log,
	}
}

// Export arms the listeners, resolves the trigger and drives the flow to an
// outcome. The returned error is nil only for a persisted capture.
func (c *Coordinator) Export(ctx context.Context, page browser.Page) (Outcome, error) {
	a, err := c.Arm(ctx, page)
	if err != nil {
		return Outcome{}, err
	}
	defer a.Close()

	trigger, ok := c.resolver.Resolve(ctx, locator.ExportTrigger, page)
	if ok {
		c.inspect(trigger)
		return a.Fire(ctx, trigger)
	}
	if c.rc.Interactive && c.rc.Prompter != nil {
		return a.Handoff(ctx)
	}
	_ = a.markFired()
	return a.notFound(ctx, "export trigger did not resolve")
}

// Armed is a page whose download and request listeners are registered. The
// trigger can only be fired through it.
type Armed struct {
	c        *Coordinator
	page     browser.Page
	watch    browser.DownloadWatch
	requests *browser.RequestLog
	baseline int
	viewURL  string

	mu    sync.Mutex
	state State
	fired bool
}

// Arm registers the download watch on the run's staging directory and the
// request log.
func (c *Coordinator) Arm(ctx context.Context, page browser.Page) (*Armed, error) {
	watch, err := page.WatchDownloads(ctx, c.rc.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("arm download watch: %w", err)
	}
	requests := page.WatchRequests(ctx)

	windows, err := page.Windows(ctx)
	if err != nil {
		c.log.Debug("window count unavailable", zap.Error(err))
		windows = 1
	}
	view, err := page.URL(ctx)
	if err != nil {
		c.log.Debug("view url unavailable", zap.Error(err))
	}

	c.rc.Record("export", "armed", map[string]string{"view": view, "windows": fmt.Sprint(windows)})
	c.log.Debug("listeners armed", zap.String("view", view), zap.Int("windows", windows))
	return &Armed{
		c:        c,
		page:     page,
		watch:    watch,
		requests: requests,
		baseline: windows,
		viewURL:  view,
		state:    StateIdle,
	}, nil
}

// Close stops the listeners.
func (a *Armed) Close() error {
	a.requests.Close()
	return a.watch.Close()
}

// State returns the current coordinator state.
func (a *Armed) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Armed) transition(to State, attrs map[string]string) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["from"] = string(from)
	attrs["to"] = string(to)
	a.c.rc.Record("export", "state", attrs)
	a.c.log.Info("export state", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (a *Armed) markFired() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fired {
		return errors.New("export trigger already fired")
	}
	a.fired = true
	return nil
}

// Fire clicks the trigger with the native, script and forced strategies in
// turn and follows whatever the page does next.
func (a *Armed) Fire(ctx context.Context, trigger *locator.Resolved) (Outcome, error) {
	if err := a.markFired(); err != nil {
		return Outcome{}, err
	}
	dctx, cancel := a.deadline(ctx)
	defer cancel()

	strategy, err := a.click(dctx, trigger.Element, triggerCascade)
	if err != nil {
		a.c.log.Warn("every trigger click failed", zap.Error(err))
		return a.notFound(ctx, err.Error())
	}
	a.c.log.Info("export trigger clicked", zap.String("strategy", strategy))
	return a.follow(ctx, dctx, trigger)
}

// Handoff asks the operator to click the trigger. The listeners are already
// armed, so a download started while the prompt is open is not lost.
func (a *Armed) Handoff(ctx context.Context) (Outcome, error) {
	if err := a.markFired(); err != nil {
		return Outcome{}, err
	}
	a.c.log.Warn("export trigger not found, handing off to the operator")
	a.c.rc.Record("export", "handoff", nil)

	hctx, cancel := context.WithTimeout(ctx, a.c.rc.Timeouts.Handoff)
	err := a.c.rc.Prompter.Wait(hctx, handoffMessage)
	cancel()
	if err != nil && !a.started() {
		return a.notFound(ctx, fmt.Sprintf("operator handoff: %v", err))
	}

	dctx, cancel := a.deadline(ctx)
	defer cancel()
	return a.follow(ctx, dctx, nil)
}

// deadline enters Triggered; the whole download wait shares the returned context.
func (a *Armed) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	a.transition(StateTriggered, nil)
	return context.WithTimeout(ctx, a.c.rc.Timeouts.Download)
}

func (a *Armed) notFound(ctx context.Context, detail string) (Outcome, error) {
	a.c.rc.Capture(ctx, a.page, "trigger_not_found")
	a.transition(StateFinalized, map[string]string{"status": TriggerNotFound.String()})
	return Outcome{Status: TriggerNotFound}, run.Failf(run.ErrResolution, run.ReasonTriggerNotFound, "%s", detail)
}

// follow runs detection and the branch it picks, then waits for the file.
func (a *Armed) follow(ctx, dctx context.Context, trigger *locator.Resolved) (Outcome, error) {
	t := a.c.rc.Timeouts
	det := a.detect(dctx)
	out := Outcome{Branch: det.branch}
	confirmed := true

	switch det.branch {
	case BranchDownload:
		a.transition(StateDownloadDetected, nil)
	case BranchModal:
		a.transition(StateModalDetected, map[string]string{"modal": det.modal.Info.Summary()})
		out.Fill, confirmed = a.resolveModal(dctx, det.modal)
	case BranchNewWindow:
		a.transition(StateNewWindowDetected, nil)
		if !a.awaitStart(dctx, t.RecoveryGrace) {
			out.Branch = BranchUndetermined
		}
	}

	if out.Branch == BranchUndetermined {
		a.transition(StateUndetermined, nil)
		if !a.awaitStart(dctx, t.RecoveryGrace) {
			if modal, ok := a.findModal(dctx); ok {
				a.c.log.Info("late export dialog found")
				out.Branch = BranchModal
				out.Fill, confirmed = a.resolveModal(dctx, modal)
			} else {
				out.Recovery = a.recover(dctx, trigger)
			}
		}
	}

	return a.finish(ctx, dctx, out, confirmed)
}

func (a *Armed) finish(ctx, dctx context.Context, out Outcome, confirmed bool) (Outcome, error) {
	d, err := a.watch.Wait(dctx)
	if err != nil {
		out.Status = TimedOut
		if !confirmed {
			out.Status = ModalUnresolvable
		}
		a.c.log.Warn("no download before the deadline",
			zap.String("branch", string(out.Branch)),
			zap.Duration("timeout", a.c.rc.Timeouts.Download))
		a.c.rc.Capture(ctx, a.page, "download_timeout")
		a.transition(StateFinalized, map[string]string{"status": out.Status.String()})
		return out, out.Err()
	}

	out.Status = Captured
	out.SuggestedName = d.SuggestedName
	path, size, err := Finalize(d.Path, a.c.rc.DataDir, a.c.rc.Now())
	if err != nil {
		out.Path = d.Path
		a.transition(StateFinalized, map[string]string{"status": "persistence-failure"})
		return out, run.Fail(run.ErrPersistence, run.ReasonWriteFailed, err)
	}
	out.Path, out.Size = path, size
	a.transition(StateFinalized, map[string]string{
		"status":    out.Status.String(),
		"path":      path,
		"suggested": d.SuggestedName,
		"size":      fmt.Sprint(size),
	})
	a.c.log.Info("export captured", zap.String("path", path), zap.Int64("size", size), zap.String("suggested", d.SuggestedName))
	return out, nil
}

type detection struct {
	branch Branch
	modal  *locator.Resolved
}

// detect races the download, modal and new-window watchers. Download and modal
// are decisive and stop the others; a new window is only recorded.
func (a *Armed) detect(ctx context.Context) detection {
	t := a.c.rc.Timeouts
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu        sync.Mutex
		download  bool
		newWindow bool
		modal     *locator.Resolved
	)

	g.Go(func() error {
		timer := time.NewTimer(t.ModalWait)
		defer timer.Stop()
		select {
		case <-a.watch.Started():
			mu.Lock()
			download = true
			mu.Unlock()
			return errDecided
		case <-timer.C:
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		wctx, cancel := context.WithTimeout(gctx, t.WindowWait)
		defer cancel()
		for {
			if n, err := a.page.Windows(wctx); err == nil && n > a.baseline {
				mu.Lock()
				newWindow = true
				mu.Unlock()
				return nil
			}
			select {
			case <-wctx.Done():
				return nil
			case <-time.After(t.PollInterval):
			}
		}
	})

	g.Go(func() error {
		mctx, cancel := context.WithTimeout(gctx, t.ModalWait)
		defer cancel()
		for {
			if m, ok := a.findModal(mctx); ok {
				mu.Lock()
				modal = m
				mu.Unlock()
				return errDecided
			}
			select {
			case <-mctx.Done():
				return nil
			case <-time.After(t.PollInterval):
			}
		}
	})

	_ = g.Wait()

	switch {
	case download:
		return detection{branch: BranchDownload}
	case modal != nil:
		return detection{branch: BranchModal, modal: modal}
	case newWindow:
		return detection{branch: BranchNewWindow}
	default:
		return detection{branch: BranchUndetermined}
	}
}

// findModal looks for the export dialog: the portal's own dialog widget, then
// generic modal markup, then anything that looks like an overlay with controls.
func (a *Armed) findModal(ctx context.Context) (*locator.Resolved, bool) {
	for _, id := range []locator.RoleID{locator.KnownDialog, locator.Modal} {
		if ctx.Err() != nil {
			return nil, false
		}
		if res, ok := a.c.resolver.Resolve(ctx, id, a.page); ok {
			return res, true
		}
	}
	return a.modalHeuristic(ctx)
}

func (a *Armed) modalHeuristic(ctx context.Context) (*locator.Resolved, bool) {
	els, err := a.page.Elements(ctx, heuristicCandidates)
	if err != nil {
		return nil, false
	}
	keywords := append([]string{"modal", "dialog", "popup", "overlay"}, a.c.labels.ModalKeywords...)
	if len(els) > maxHeuristicCandidates {
		els = els[:maxHeuristicCandidates]
	}
	for _, el := range els {
		info, err := el.Describe(ctx)
		if err != nil || !info.Visible() {
			continue
		}
		label := strings.ToLower(info.Attr("class") + " " + info.Text)
		if info.ZIndex <= 1000 && info.Display != "block" && !containsAny(label, keywords) {
			continue
		}
		controls, err := el.Elements(ctx, "input, button, a")
		if err != nil || len(controls) == 0 {
			continue
		}
		res := &locator.Resolved{
			Element:    el,
			Role:       locator.Modal,
			Strategy:   locator.LastResort,
			Matcher:    "overlay-heuristic",
			Info:       info,
			Generation: a.page.Generation(),
		}
		a.c.rc.Record("export", "modal.heuristic", map[string]string{"element": info.Summary()})
		return res, true
	}
	return nil, false
}

// resolveModal fills the dialog and confirms it. When no confirm control can be
// clicked it captures the dialog and presses Enter; the second result is false then.
func (a *Armed) resolveModal(ctx context.Context, modal *locator.Resolved) (FillResult, bool) {
	a.transition(StateResolving, nil)
	fill := a.c.filler.Fill(ctx, modal.Element, NewRequest(a.c.rc.Now()))

	confirm, ok := a.c.resolver.Resolve(ctx, locator.Confirm, modal.Element)
	if !ok {
		confirm, ok = a.c.resolver.Resolve(ctx, locator.Confirm, a.page)
	}
	if ok {
		strategy, err := a.click(ctx, confirm.Element, confirmCascade)
		if err == nil {
			a.c.log.Info("export dialog confirmed", zap.String("strategy", strategy), zap.String("fill", fill.String()))
			return fill, true
		}
		a.c.log.Warn("confirm control not clickable", zap.Error(err))
	} else {
		a.c.log.Warn("confirm control not found")
	}

	a.c.rc.Capture(ctx, a.page, "modal")
	if err := a.page.PressEnter(ctx); err != nil {
		a.c.log.Warn("enter fallback failed", zap.Error(err))
	}
	return fill, false
}

// click tries each step of cascade until one succeeds.
func (a *Armed) click(ctx context.Context, el browser.Element, cascade []clickStep) (string, error) {
	var errs []error
	for _, step := range cascade {
		cctx, cancel := context.WithTimeout(ctx, a.c.rc.Timeouts.ElementCheck)
		err := step.do(el, cctx)
		cancel()
		if err == nil {
			return step.name, nil
		}
		a.c.log.Debug("click strategy failed", zap.String("strategy", step.name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s click: %w", step.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

func (a *Armed) started() bool {
	select {
	case <-a.watch.Started():
		return true
	default:
		return false
	}
}

// awaitStart waits up to d for a download to begin.
func (a *Armed) awaitStart(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.watch.Started():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return a.started()
	}
}

// inspect logs what the trigger looks like before it is clicked.
func (c *Coordinator) inspect(trigger *locator.Resolved) {
	info := trigger.Info
	attrs := map[string]string{
		"tag":      info.Tag,
		"strategy": fmt.Sprint(trigger.Strategy),
		"matcher":  trigger.Matcher,
	}
	for _, name := range []string{"id", "class", "href", "onclick", "type"} {
		if v := info.Attr(name); v != "" {
			attrs[name] = v
		}
	}
	var data []string
	for k := range info.Attrs {
		if strings.HasPrefix(k, "data-") {
			data = append(data, k)
		}
	}
	sort.Strings(data)
	for _, k := range data {
		attrs[k] = info.Attrs[k]
	}

	fields := make([]zap.Field, 0, len(attrs))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, attrs[k]))
	}
	c.log.Info("export trigger", fields...)
	c.rc.Record("export", "trigger.inspected", attrs)
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
