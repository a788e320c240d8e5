package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compitutto/internal/browser"
	"compitutto/internal/browser/browsertest"
	"compitutto/internal/diagnostics"
	"compitutto/internal/export"
	"compitutto/internal/locator"
	"compitutto/internal/run"
	"compitutto/internal/session"
)

const (
	loginURL  = "https://web.test/home/app/default/login.php"
	homeURL   = "https://web.test/home/app/default/menu_webinfoschool_studenti.php"
	agendaURL = "https://web.test/fml/app/default/agenda_studenti.php"
)

const loginForm = `<form>
	<input id="login" name="login" type="text">
	<input id="password" name="password" type="password">
	<button id="btn" type="submit">Accedi</button>
</form>`

const exportDialog = `<div class="ui-dialog">
	<input type="text" id="data_dal" name="data_dal">
	<input type="text" id="data_al" name="data_al">
	<button id="confirm">Conferma</button>
</div>`

var (
	testNow  = time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC)
	creds    = session.Credentials{Username: "S1234567", Password: "hunter2"}
	xlsBytes = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}
)

type fakeBrowser struct {
	page     *browsertest.Page
	startErr error
	pageErr  error
	started  bool
	shutdown bool
}

func (b *fakeBrowser) Start(context.Context) error {
	b.started = true
	return b.startErr
}

func (b *fakeBrowser) Page(context.Context) (browser.Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return b.page, nil
}

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.shutdown = true
	return nil
}

type fixture struct {
	rc      *run.Context
	sink    *diagnostics.MemorySink
	page    *browsertest.Page
	browser *fakeBrowser
	steps   []Step
	opts    Options
}

func newFixture(t *testing.T, loginBody, agendaBody string) *fixture {
	t.Helper()
	sink := diagnostics.NewMemorySink()
	rc, err := run.New(run.Options{
		DataDir: t.TempDir(),
		Sink:    sink,
		Now:     func() time.Time { return testNow },
		Timeouts: run.Timeouts{
			Navigation:      500 * time.Millisecond,
			ElementCheck:    100 * time.Millisecond,
			ResolveBudget:   500 * time.Millisecond,
			LoginField:      200 * time.Millisecond,
			LoginNavigation: 200 * time.Millisecond,
			Settle:          20 * time.Millisecond,
			ModalWait:       150 * time.Millisecond,
			WindowWait:      100 * time.Millisecond,
			RecoveryGrace:   50 * time.Millisecond,
			Download:        1500 * time.Millisecond,
			Capture:         time.Second,
			PollInterval:    10 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	page := browsertest.New().
		RouteHTML(loginURL, "<html><body>"+loginBody+"</body></html>").
		RouteHTML(homeURL, "<html><body><h1>Benvenuto</h1></body></html>").
		RouteHTML(agendaURL, "<html><body>"+agendaBody+"</body></html>")
	page.OnClick("btn", func(p *browsertest.Page) { _, _ = p.Navigate(context.Background(), homeURL) })

	f := &fixture{rc: rc, sink: sink, page: page, browser: &fakeBrowser{page: page}}
	f.opts = Options{
		Portal:   session.Portal{LoginURL: loginURL, LoginMarker: "login"},
		Agenda:   session.View{URL: agendaURL, Segment: "agenda"},
		Labels:   locator.DefaultLabels(),
		KeepDays: 7,
		OnStep:   func(s Step) { f.steps = append(f.steps, s) },
	}
	return f
}

func (f *fixture) run(t *testing.T) (export.Outcome, error) {
	t.Helper()
	return New(f.rc, f.browser, f.opts).Run(context.Background(), creds)
}

// seedExports writes an old and a recent export into the data directory.
func (f *fixture) seedExports(t *testing.T) (old, recent string) {
	t.Helper()
	old = filepath.Join(f.rc.DataDir, "export_20240101.xls")
	recent = filepath.Join(f.rc.DataDir, "export_20240205.xls")
	for path, age := range map[string]time.Duration{old: 40 * 24 * time.Hour, recent: 5 * 24 * time.Hour} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		mtime := testNow.Add(-age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return old, recent
}

func (f *fixture) debugFile(name string) string {
	return filepath.Join(f.rc.DebugDir, name)
}

func TestRunCapturesThroughKnownDialog(t *testing.T) {
	f := newFixture(t, loginForm, `<button id="trigger">Scarica in Excel</button>`)
	f.page.OnClick("trigger", func(p *browsertest.Page) { p.Append("body", exportDialog) })
	f.page.OnClick("confirm", func(p *browsertest.Page) { p.StartDownload("agenda.xls", xlsBytes) })
	old, recent := f.seedExports(t)

	out, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, export.Captured, out.Status)
	assert.Equal(t, export.BranchModal, out.Branch)
	assert.Equal(t, filepath.Join(f.rc.DataDir, "export_20240210.xls"), out.Path)
	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, xlsBytes, got)

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)

	want := []Step{StepBrowser, StepLogin, StepNavigate, StepExport, StepRetention}
	if diff := cmp.Diff(want, f.steps); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	assert.True(t, f.browser.shutdown)
	assert.NoFileExists(t, f.debugFile("run_failed_page.html"))

	finished := f.sink.Find("run.finished")
	require.Len(t, finished, 1)
	assert.Equal(t, "captured", finished[0].Attrs["result"])
	assert.Len(t, f.sink.Find("run.captured"), 1)
}

func TestRunStopsAtChallenge(t *testing.T) {
	f := newFixture(t, loginForm+`<div class="g-recaptcha" data-sitekey="6Lc"></div>`, `<button id="trigger">Scarica in Excel</button>`)
	old, _ := f.seedExports(t)

	out, err := f.run(t)

	require.Error(t, err)
	assert.True(t, errors.Is(err, run.ErrAuthentication))
	assert.Equal(t, run.ReasonChallenge, run.ReasonOf(err))
	assert.Equal(t, 2, run.ExitCode(err))
	assert.Equal(t, export.Outcome{}, out)

	assert.Equal(t, -1, f.page.Index("click:btn"))
	assert.Equal(t, -1, f.page.Index("watch-downloads"))
	assert.Equal(t, -1, f.page.Index("download:"))
	assert.FileExists(t, old, "nothing is pruned without a capture")
	assert.FileExists(t, f.debugFile("run_failed_page.html"))
	assert.FileExists(t, f.debugFile("run_failed_screenshot.png"))
	assert.Equal(t, []Step{StepBrowser, StepLogin}, f.steps)
}

func TestRunTimesOutWithSnapshots(t *testing.T) {
	f := newFixture(t, loginForm, `<button id="trigger">Scarica in Excel</button>`)
	old, _ := f.seedExports(t)

	out, err := f.run(t)

	require.Error(t, err)
	assert.True(t, errors.Is(err, run.ErrDownloadTimeout))
	assert.Equal(t, 5, run.ExitCode(err))
	assert.Equal(t, export.TimedOut, out.Status)

	assert.FileExists(t, f.debugFile("download_timeout_page.html"))
	assert.FileExists(t, f.debugFile("download_timeout_screenshot.png"))
	assert.FileExists(t, f.debugFile("run_failed_page.html"))
	assert.FileExists(t, old)

	entries, err := filepath.Glob(filepath.Join(f.rc.DataDir, "export_2024021*.xls"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	finished := f.sink.Find("run.finished")
	require.Len(t, finished, 1)
	assert.Equal(t, "5", finished[0].Attrs["exit"])
	assert.Equal(t, run.ReasonTimedOut, finished[0].Attrs["reason"])
}

func TestRunTriggerNotFound(t *testing.T) {
	f := newFixture(t, loginForm, `<p>Nessun compito</p>`)

	out, err := f.run(t)
	assert.Equal(t, export.TriggerNotFound, out.Status)
	assert.Equal(t, run.ReasonTriggerNotFound, run.ReasonOf(err))
	assert.Equal(t, 4, run.ExitCode(err))
	assert.FileExists(t, f.debugFile("trigger_not_found_page.html"))
}

func TestRunMissingCredentialsNeverStartsBrowser(t *testing.T) {
	f := newFixture(t, loginForm, "")

	_, err := New(f.rc, f.browser, f.opts).Run(context.Background(), session.Credentials{Username: "S1"})

	assert.True(t, errors.Is(err, run.ErrPrecondition))
	assert.Equal(t, run.ReasonMissingCredential, run.ReasonOf(err))
	assert.False(t, f.browser.started)
	assert.Empty(t, f.page.Ops())
}

func TestRunBrowserUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		startErr error
		pageErr  error
	}{
		{"launch fails", errors.New("chrome not found"), nil},
		{"page fails", nil, errors.New("incognito context")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, loginForm, "")
			f.browser.startErr = tt.startErr
			f.browser.pageErr = tt.pageErr

			_, err := f.run(t)
			assert.True(t, errors.Is(err, run.ErrPrecondition))
			assert.Equal(t, run.ReasonBrowserUnavailable, run.ReasonOf(err))
			assert.Equal(t, 1, run.ExitCode(err))
			assert.Equal(t, -1, f.page.Index("navigate:"))
		})
	}
}

func TestRunInteractiveLingersAfterFailure(t *testing.T) {
	f := newFixture(t, `<p>Manutenzione</p>`, "")
	f.rc.Interactive = true
	f.opts.Linger = 200 * time.Millisecond

	start := time.Now()
	_, err := f.run(t)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, f.browser.shutdown)
}

func TestRunLingerEndsWithContext(t *testing.T) {
	f := newFixture(t, `<p>Manutenzione</p>`, "")
	f.rc.Interactive = true
	f.opts.Linger = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(f.rc, f.browser, f.opts).Run(ctx, creds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, run.ErrAuthentication))
}
