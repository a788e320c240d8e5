package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// WatchDownloads points the browser context's downloads at dir and listens
// for them. Two signals feed the tracker: CDP download events, and a
// filesystem watch on dir for downloads the browser does not report.
func (p *RodPage) WatchDownloads(ctx context.Context, dir string) (DownloadWatch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	err := proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		BrowserContextID: p.browser.BrowserContextID,
		DownloadPath:     dir,
		EventsEnabled:    true,
	}.Call(p.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("set download behavior: %w", err)
	}

	tracker := NewDownloadTracker()
	wctx, cancel := context.WithCancel(ctx)
	tracker.OnClose(cancel)

	wait := p.browser.Context(wctx).EachEvent(
		func(ev *proto.BrowserDownloadWillBegin) {
			p.log.Info("download started", zap.String("url", ev.URL), zap.String("suggested", ev.SuggestedFilename))
			tracker.Begin(Download{GUID: ev.GUID, URL: ev.URL, SuggestedName: ev.SuggestedFilename})
		},
		func(ev *proto.BrowserDownloadProgress) {
			switch ev.State {
			case proto.BrowserDownloadProgressStateCompleted:
				tracker.Complete(ev.GUID, filepath.Join(dir, ev.GUID))
			case proto.BrowserDownloadProgressStateCanceled:
				p.log.Warn("download canceled", zap.String("guid", ev.GUID))
				tracker.Cancel(ev.GUID)
			}
		},
	)
	go wait()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.Warn("filesystem download watch unavailable", zap.Error(err))
		return tracker, nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		p.log.Warn("filesystem download watch unavailable", zap.Error(err))
		return tracker, nil
	}
	stopped := make(chan struct{})
	tracker.OnClose(func() {
		_ = watcher.Close()
		<-stopped
	})
	go func() {
		defer close(stopped)
		watchDownloadDir(wctx, watcher, tracker, p.log)
	}()

	return tracker, nil
}

// partialSuffixes mark files Chrome is still writing.
var partialSuffixes = []string{".crdownload", ".tmp", ".part"}

// watchDownloadDir turns file activity in the staging dir into tracker
// signals. A file counts as complete once its size has held steady for one
// settle interval; the CDP completion event usually arrives first.
func watchDownloadDir(ctx context.Context, w *fsnotify.Watcher, t *DownloadTracker, log *zap.Logger) {
	const settle = 750 * time.Millisecond
	sizes := make(map[string]int64)
	ticker := time.NewTicker(settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			guid := strings.TrimSuffix(name, filepath.Ext(name))
			if isPartial(name) {
				guid = trimPartial(name)
			}
			if _, known := t.Pending(guid); !known {
				t.Begin(Download{GUID: guid})
			}
			if !isPartial(name) {
				sizes[ev.Name] = -1
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Debug("download dir watch error", zap.Error(err))
		case <-ticker.C:
			for path, last := range sizes {
				fi, err := os.Stat(path)
				if err != nil {
					delete(sizes, path)
					continue
				}
				if fi.Size() > 0 && fi.Size() == last {
					name := filepath.Base(path)
					t.Complete(strings.TrimSuffix(name, filepath.Ext(name)), path)
					delete(sizes, path)
					continue
				}
				sizes[path] = fi.Size()
			}
		}
	}
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func trimPartial(name string) string {
	for _, s := range partialSuffixes {
		name = strings.TrimSuffix(name, s)
	}
	return name
}
