package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackerBeginThenComplete(t *testing.T) {
	tr := NewDownloadTracker()
	defer tr.Close()

	select {
	case <-tr.Started():
		t.Fatal("started before any download")
	default:
	}

	tr.Begin(Download{GUID: "g1", URL: "https://example.test/export.xls", SuggestedName: "agenda.xls"})
	select {
	case <-tr.Started():
	default:
		t.Fatal("Started not closed after Begin")
	}

	tr.Complete("g1", "/tmp/g1")
	d, err := tr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agenda.xls", d.SuggestedName)
	assert.Equal(t, "/tmp/g1", d.Path)
}

func TestTrackerCompleteWithoutBegin(t *testing.T) {
	tr := NewDownloadTracker()
	tr.Complete("g2", "/tmp/g2")

	<-tr.Started()
	d, err := tr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "g2", d.GUID)
}

func TestTrackerFirstCompletionWins(t *testing.T) {
	tr := NewDownloadTracker()
	tr.Complete("a", "/a")
	tr.Complete("b", "/b")

	d, err := tr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/a", d.Path)
}

func TestTrackerWaitTimesOut(t *testing.T) {
	tr := NewDownloadTracker()
	tr.Begin(Download{GUID: "g"})
	tr.Cancel("g")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, pending := tr.Pending("g")
	assert.False(t, pending)
}

func TestTrackerCloseRunsHooksOnceInReverse(t *testing.T) {
	tr := NewDownloadTracker()
	var order []int
	tr.OnClose(func() { order = append(order, 1) })
	tr.OnClose(func() { order = append(order, 2) })

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, []int{2, 1}, order)

	tr.Begin(Download{GUID: "late"})
	select {
	case <-tr.Started():
		t.Fatal("closed tracker accepted a download")
	default:
	}
}

func TestRequestLogMatching(t *testing.T) {
	stopped := false
	log := NewRequestLog(func() { stopped = true })
	log.Add(Request{URL: "https://web.spaggiari.eu/fml/app/default/agenda_studenti.php"})
	log.Add(Request{URL: "https://web.spaggiari.eu/fml/app/default/agenda.php?EXPORT=xls"})
	log.Add(Request{URL: "https://web.spaggiari.eu/fml/app/default/agenda.php?EXPORT=xls"})
	log.Add(Request{URL: "https://cdn.example.test/report.xlsx"})

	got := log.Matching(".xls", "export")
	assert.Equal(t, []string{
		"https://web.spaggiari.eu/fml/app/default/agenda.php?EXPORT=xls",
		"https://cdn.example.test/report.xlsx",
	}, got)
	assert.Len(t, log.All(), 4)

	log.Close()
	log.Close()
	assert.True(t, stopped)
}

func TestWatchDownloadDirCompletesSettledFile(t *testing.T) {
	dir := t.TempDir()
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	require.NoError(t, w.Add(dir))

	tr := NewDownloadTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchDownloadDir(ctx, w, tr, zap.NewNop())
	}()
	defer func() {
		cancel()
		_ = w.Close()
		<-done
	}()

	path := filepath.Join(dir, "5f0c-guid")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 spreadsheet"), 0o644))

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	d, err := tr.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, "5f0c-guid", d.GUID)
	assert.Equal(t, path, d.Path)
}

func TestPartialNames(t *testing.T) {
	assert.True(t, isPartial("abc.crdownload"))
	assert.False(t, isPartial("abc"))
	assert.Equal(t, "abc", trimPartial("abc.crdownload"))
}
