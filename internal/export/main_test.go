package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"compitutto/internal/browser/browsertest"
	"compitutto/internal/diagnostics"
	"compitutto/internal/locator"
	"compitutto/internal/run"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const viewURL = "https://web.test/fml/app/default/agenda_studenti.php"

var testNow = time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC)

var xlsBytes = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1, 'a', 'g', 'e', 'n', 'd', 'a'}

func fastTimeouts() run.Timeouts {
	return run.Timeouts{
		Navigation:    500 * time.Millisecond,
		ElementCheck:  200 * time.Millisecond,
		ResolveBudget: 500 * time.Millisecond,
		Settle:        50 * time.Millisecond,
		ModalWait:     150 * time.Millisecond,
		WindowWait:    100 * time.Millisecond,
		RecoveryGrace: 50 * time.Millisecond,
		Download:      1500 * time.Millisecond,
		Capture:       time.Second,
		Handoff:       time.Second,
		PollInterval:  10 * time.Millisecond,
	}
}

type harness struct {
	rc   *run.Context
	sink *diagnostics.MemorySink
	page *browsertest.Page
	c    *Coordinator
}

func newHarness(t *testing.T, body string) *harness {
	t.Helper()
	sink := diagnostics.NewMemorySink()
	rc, err := run.New(run.Options{
		DataDir:  t.TempDir(),
		Sink:     sink,
		Now:      func() time.Time { return testNow },
		Timeouts: fastTimeouts(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	page := browsertest.New().RouteHTML(viewURL, "<html><body>"+body+"</body></html>")
	require.NoError(t, page.Load(viewURL))

	labels := locator.DefaultLabels()
	resolver := locator.NewResolver(rc, locator.SiteRoles(labels))
	return &harness{rc: rc, sink: sink, page: page, c: NewCoordinator(rc, resolver, labels)}
}

func (h *harness) export(t *testing.T) (Outcome, error) {
	t.Helper()
	return h.c.Export(context.Background(), h.page)
}

func (h *harness) exportPath() string {
	return filepath.Join(h.rc.DataDir, FileName(testNow))
}

func (h *harness) debugFile(name string) string {
	return filepath.Join(h.rc.DebugDir, name)
}

// assertArmedFirst checks that nothing acted on the page before the download
// watch was registered, and that no download went unobserved.
func assertArmedFirst(t *testing.T, page *browsertest.Page) {
	t.Helper()
	armed := page.Index("watch-downloads")
	require.GreaterOrEqual(t, armed, 0, "download watch never armed")
	for i, op := range page.Ops() {
		acting := strings.HasPrefix(op, "click:") ||
			strings.HasPrefix(op, "script-click:") ||
			strings.HasPrefix(op, "force-click:") ||
			strings.HasPrefix(op, "run:") ||
			strings.HasPrefix(op, "navigate:") ||
			op == "press-enter"
		if acting {
			assert.Greater(t, i, armed, "%q happened before the watch was armed", op)
		}
	}
	assert.Equal(t, -1, page.Index("download-lost"), "a download started with no watch armed")
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
