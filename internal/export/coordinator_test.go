package export

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compitutto/internal/browser/browsertest"
	"compitutto/internal/locator"
	"compitutto/internal/run"
)

const triggerButton = `<button id="trigger">Scarica in Excel</button>`

const exportDialog = `<div class="ui-dialog" id="dialog">
	<label>Dal</label><input type="text" id="data_dal" name="data_dal">
	<label>Al</label><input type="text" id="data_al" name="data_al">
	<input type="radio" id="fmt-pdf" name="formato" value="pdf" checked>
	<input type="radio" id="fmt-xls" name="formato" value="xls">
	<button id="confirm">Conferma</button>
</div>`

func TestExportDirectDownload(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	out, err := h.export(t)
	require.NoError(t, err)

	assert.Equal(t, Captured, out.Status)
	assert.Equal(t, BranchDownload, out.Branch)
	assert.Equal(t, "agenda.xls", out.SuggestedName)
	assert.Equal(t, h.exportPath(), out.Path)
	assert.Equal(t, int64(len(xlsBytes)), out.Size)
	assertFile(t, out.Path, xlsBytes)
	assertArmedFirst(t, h.page)
	assert.Equal(t, "click:trigger", h.page.Ops()[h.page.Index("click:")])
}

func TestExportKnownDialog(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.Append("body", exportDialog) })
	h.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	out, err := h.export(t)
	require.NoError(t, err)

	assert.Equal(t, Captured, out.Status)
	assert.Equal(t, BranchModal, out.Branch)
	assert.Equal(t, FillOK, out.Fill)
	assert.Equal(t, "01-02-2024", h.page.Value("#data_dal"))
	assert.Equal(t, "29-02-2024", h.page.Value("#data_al"))
	assert.True(t, h.page.IsChecked("#fmt-xls"))
	assert.False(t, h.page.IsChecked("#fmt-pdf"))
	assert.FileExists(t, h.exportPath())
	assertArmedFirst(t, h.page)

	// The dialog is filled before it is confirmed.
	assert.Less(t, h.page.Index("fill:data_dal"), h.page.Index("click:confirm"))
}

func TestExportStuckDateFieldStillConfirms(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.Append("body", exportDialog) })
	h.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	h.page.StallFill("data_dal")

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, Captured, out.Status)
	assert.Equal(t, BranchModal, out.Branch)
	assert.Equal(t, FillPartial, out.Fill)
	assert.GreaterOrEqual(t, h.page.Index("click:confirm"), 0)
	assert.FileExists(t, h.exportPath())
}

func TestExportConfirmCascade(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.Append("body", exportDialog) })
	h.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	h.page.FailClick("confirm", browsertest.Native)

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, Captured, out.Status)
	assert.GreaterOrEqual(t, h.page.Index("force-click:confirm"), 0, "forced click comes right after native")
	assert.Equal(t, -1, h.page.Index("script-click:confirm"))
}

func TestExportTriggerCascade(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	h.page.FailClick("trigger", browsertest.Native)

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, Captured, out.Status)
	assert.GreaterOrEqual(t, h.page.Index("script-click:trigger"), 0)
	assert.Equal(t, -1, h.page.Index("force-click:trigger"))
}

func TestExportModalUnresolvable(t *testing.T) {
	// A span trigger keeps the page-wide confirm lookup from matching it.
	h := newHarness(t, `<span id="trigger">Scarica in Excel</span>`)
	h.page.OnClick("trigger", func(p *browsertest.Page) {
		p.Append("body", `<div class="ui-dialog"><input id="data_dal" name="data_dal"><input id="data_al" name="data_al"></div>`)
	})
	h.rc.Timeouts.Download = 600 * time.Millisecond

	out, err := h.export(t)

	assert.Equal(t, ModalUnresolvable, out.Status)
	assert.Equal(t, BranchModal, out.Branch)
	assert.True(t, errors.Is(err, run.ErrResolution))
	assert.Equal(t, run.ReasonModalUnresolvable, run.ReasonOf(err))
	assert.GreaterOrEqual(t, h.page.Index("press-enter"), 0)
	assert.FileExists(t, h.debugFile("modal_page.html"))
	assert.FileExists(t, h.debugFile("download_timeout_screenshot.png"))
	assert.NoFileExists(t, h.exportPath())
}

func TestExportEnterFallbackCanStillCapture(t *testing.T) {
	h := newHarness(t, `<span id="trigger">Scarica in Excel</span>`)
	h.page.OnClick("trigger", func(p *browsertest.Page) {
		p.Append("body", `<div class="ui-dialog"><input id="data_dal" name="data_dal"></div>`)
	})
	h.page.OnEnter(func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, Captured, out.Status)
	assert.Equal(t, FillPartial, out.Fill)
}

func TestExportTriggerNotFound(t *testing.T) {
	h := newHarness(t, `<p>Nessun compito assegnato</p>`)

	out, err := h.export(t)

	assert.Equal(t, TriggerNotFound, out.Status)
	assert.True(t, errors.Is(err, run.ErrResolution))
	assert.Equal(t, run.ReasonTriggerNotFound, run.ReasonOf(err))
	assert.FileExists(t, h.debugFile("trigger_not_found_page.html"))
	assert.FileExists(t, h.debugFile("trigger_not_found_screenshot.png"))
	assert.Equal(t, -1, h.page.Index("click:"))
}

func TestExportEveryTriggerClickFails(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.FailClick("trigger", browsertest.Native, browsertest.Script, browsertest.Force)

	out, err := h.export(t)

	assert.Equal(t, TriggerNotFound, out.Status)
	assert.Equal(t, run.ReasonTriggerNotFound, run.ReasonOf(err))
	assert.Contains(t, err.Error(), "force click")
	assert.FileExists(t, h.debugFile("trigger_not_found_page.html"))
}

func TestExportTimesOutAfterRecovery(t *testing.T) {
	h := newHarness(t, triggerButton)

	start := time.Now()
	out, err := h.export(t)
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, out.Status)
	assert.Equal(t, BranchUndetermined, out.Branch)
	assert.Empty(t, out.Recovery)
	assert.True(t, errors.Is(err, run.ErrDownloadTimeout))
	assert.Equal(t, 5, run.ExitCode(err))

	assert.FileExists(t, h.debugFile("download_timeout_page.html"))
	assert.FileExists(t, h.debugFile("download_timeout_screenshot.png"))

	var steps []string
	for _, ev := range h.sink.Find("recovery.step") {
		steps = append(steps, ev.Attrs["step"])
	}
	assert.Equal(t, []string{"download-link", "replay-requests", "inline-handler", "script-reclick", "probe-urls"}, steps)

	// The deadline is measured from the trigger, not per step.
	assert.Less(t, elapsed, 3*time.Second)
	assertArmedFirst(t, h.page)
}

func TestExportNewWindow(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.rc.Timeouts.ModalWait = 100 * time.Millisecond
	h.rc.Timeouts.RecoveryGrace = time.Second
	h.page.OnClick("trigger", func(p *browsertest.Page) {
		p.OpenWindow()
		p.After(250*time.Millisecond, func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	})

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, BranchNewWindow, out.Branch)
	assert.Equal(t, Captured, out.Status)
}

func TestExportOverlayHeuristic(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) {
		p.Append("body", `<div class="popup-export" style="z-index: 2000">
			<input id="data_dal" name="data_dal"><input id="data_al" name="data_al">
			<button id="ok">Conferma</button>
		</div>`)
	})
	h.page.OnClick("ok", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, BranchModal, out.Branch)
	assert.Equal(t, FillOK, out.Fill)
	assert.Len(t, h.sink.Find("modal.heuristic"), 1)
}

func TestExportLateDialogBeforeRecovery(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.rc.Timeouts.RecoveryGrace = 300 * time.Millisecond
	h.page.OnClick("trigger", func(p *browsertest.Page) {
		p.After(250*time.Millisecond, func(p *browsertest.Page) { p.Append("body", exportDialog) })
	})
	h.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	out, err := h.export(t)
	require.NoError(t, err)
	assert.Equal(t, BranchModal, out.Branch)
	assert.Empty(t, h.sink.Find("recovery.step"))
}

func TestExportTransitionsAreRecorded(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.Append("body", exportDialog) })
	h.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })

	_, err := h.export(t)
	require.NoError(t, err)

	var states []string
	for _, ev := range h.sink.Find("state") {
		states = append(states, ev.Attrs["to"])
	}
	assert.Equal(t, []string{"triggered", "modal-detected", "resolving", "finalized"}, states)

	inspected := h.sink.Find("trigger.inspected")
	require.Len(t, inspected, 1)
	assert.Equal(t, "button", inspected[0].Attrs["tag"])
	assert.Equal(t, "trigger", inspected[0].Attrs["id"])
}

func TestFireOnlyOnce(t *testing.T) {
	h := newHarness(t, triggerButton)
	h.page.OnClick("trigger", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	ctx := context.Background()

	a, err := h.c.Arm(ctx, h.page)
	require.NoError(t, err)
	defer a.Close()

	trigger, ok := locator.NewResolver(h.rc, locator.SiteRoles(locator.DefaultLabels())).Resolve(ctx, locator.ExportTrigger, h.page)
	require.True(t, ok)

	_, err = a.Fire(ctx, trigger)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, a.State())

	_, err = a.Fire(ctx, trigger)
	assert.Error(t, err)
}

type promptFunc func(ctx context.Context, message string) error

func (f promptFunc) Wait(ctx context.Context, message string) error { return f(ctx, message) }

func TestExportHandoff(t *testing.T) {
	h := newHarness(t, `<p>layout changed</p>`)
	var prompted atomic.Bool
	h.rc.Interactive = true
	h.rc.Prompter = promptFunc(func(ctx context.Context, message string) error {
		prompted.Store(true)
		assert.Contains(t, message, "Scarica in Excel")
		// The operator clicks while the prompt is open.
		h.page.StartDownload("agenda.xls", xlsBytes)
		return nil
	})

	out, err := h.export(t)
	require.NoError(t, err)
	assert.True(t, prompted.Load())
	assert.Equal(t, Captured, out.Status)
	assert.Equal(t, BranchDownload, out.Branch)
	assertArmedFirst(t, h.page)
}

func TestExportHandoffAbandoned(t *testing.T) {
	h := newHarness(t, `<p>layout changed</p>`)
	h.rc.Interactive = true
	h.rc.Prompter = promptFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.rc.Timeouts.Handoff = 50 * time.Millisecond

	out, err := h.export(t)
	assert.Equal(t, TriggerNotFound, out.Status)
	assert.Equal(t, run.ReasonTriggerNotFound, run.ReasonOf(err))
}
