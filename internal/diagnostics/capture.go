// Package diagnostics persists page snapshots for postmortem and carries the
// structured event sink that components report to.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultCaptureTimeout bounds one capture pass when the caller does not set one.
const DefaultCaptureTimeout = 10 * time.Second

// Source is what a snapshot is taken from. browser.Page satisfies it.
type Source interface {
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Snapshot lists the files a capture managed to write. Errors are kept for
// logging only; a failed capture is never fatal.
type Snapshot struct {
	Label          string
	HTMLPath       string
	ScreenshotPath string
	Errors         []error
}

// Complete reports whether both artifacts were written.
func (s Snapshot) Complete() bool {
	return s.HTMLPath != "" && s.ScreenshotPath != ""
}

// Capturer writes <label>_page.html and <label>_screenshot.png into Dir.
type Capturer struct {
	Dir     string
	Timeout time.Duration
	Sink    Sink
	Logger  *zap.Logger
}

// NewCapturer returns a capturer writing into dir.
func NewCapturer(dir string, timeout time.Duration, sink Sink, logger *zap.Logger) *Capturer {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{Dir: dir, Timeout: timeout, Sink: sink, Logger: logger}
}

// Capture saves markup and a full-page screenshot, each independently.
// It runs on a fresh context detached from ctx's cancellation so that a capture
// taken after the run deadline expired still gets its own budget.
func (c *Capturer) Capture(ctx context.Context, src Source, label string) Snapshot {
	snap := Snapshot{Label: label}
	if c == nil || src == nil {
		return snap
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Timeout)
	defer cancel()

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		snap.Errors = append(snap.Errors, fmt.Errorf("create debug dir: %w", err))
		c.report(snap)
		return snap
	}

	htmlPath := filepath.Join(c.Dir, label+"_page.html")
	if err := c.saveHTML(cctx, src, htmlPath); err != nil {
		snap.Errors = append(snap.Errors, err)
		c.Logger.Warn("page markup not saved", zap.String("label", label), zap.Error(err))
	} else {
		snap.HTMLPath = htmlPath
	}

	shotPath := filepath.Join(c.Dir, label+"_screenshot.png")
	if err := c.saveScreenshot(cctx, src, shotPath); err != nil {
		snap.Errors = append(snap.Errors, err)
		c.Logger.Warn("screenshot not saved", zap.String("label", label), zap.Error(err))
	} else {
		snap.ScreenshotPath = shotPath
	}

	c.report(snap)
	return snap
}

func (c *Capturer) saveHTML(ctx context.Context, src Source, path string) (err error) {
	defer recoverInto(&err)
	html, err := src.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read page html: %w", err)
	}
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write page html: %w", err)
	}
	return nil
}

func (c *Capturer) saveScreenshot(ctx context.Context, src Source, path string) (err error) {
	defer recoverInto(&err)
	png, err := src.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("take screenshot: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func (c *Capturer) report(snap Snapshot) {
	attrs := map[string]string{
		"label":      snap.Label,
		"html":       snap.HTMLPath,
		"screenshot": snap.ScreenshotPath,
	}
	if len(snap.Errors) > 0 {
		attrs["errors"] = fmt.Sprint(len(snap.Errors))
	}
	c.Sink.Record(Event{Time: time.Now(), Component: "diagnostics", Name: "snapshot", Attrs: attrs})
	c.Logger.Info("diagnostic snapshot",
		zap.String("label", snap.Label),
		zap.String("html", snap.HTMLPath),
		zap.String("screenshot", snap.ScreenshotPath))
}

// A crashed backend can panic inside rod's Must* paths; a capture must not take
// the process down with it.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("capture panicked: %v", r)
	}
}
