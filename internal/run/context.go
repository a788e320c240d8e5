// Package run carries the explicit per-run state threaded through every
// component: directories, timeouts, clock, loggers and the diagnostic sink.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"compitutto/internal/diagnostics"
	"compitutto/internal/logging"
)

// Timeouts bounds every blocking step of a run. Zero values fall back to defaults.
type Timeouts struct {
	Navigation      time.Duration // page loads
	ElementCheck    time.Duration // one locator strategy
	ResolveBudget   time.Duration // one whole resolution
	LoginField      time.Duration // waiting for the username field to render
	LoginNavigation time.Duration // navigation after submitting credentials
	Settle          time.Duration // idle-settle after actions
	ModalWait       time.Duration // modal polling window after the trigger
	WindowWait      time.Duration // new-window polling window after the trigger
	RecoveryGrace   time.Duration // pause after each recovery step
	Download        time.Duration // download deadline, measured from the trigger
	Capture         time.Duration // one diagnostic snapshot
	Handoff         time.Duration // operator handoff in interactive mode
	PollInterval    time.Duration
}

// DefaultTimeouts returns the values tuned against the live portal.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation:      30 * time.Second,
		ElementCheck:    2 * time.Second,
		ResolveBudget:   15 * time.Second,
		LoginField:      10 * time.Second,
		LoginNavigation: 15 * time.Second,
		Settle:          3 * time.Second,
		ModalWait:       5 * time.Second,
		WindowWait:      1 * time.Second,
		RecoveryGrace:   2 * time.Second,
		Download:        30 * time.Second,
		Capture:         10 * time.Second,
		Handoff:         2 * time.Minute,
		PollInterval:    250 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Navigation, d.Navigation)
	fill(&t.ElementCheck, d.ElementCheck)
	fill(&t.ResolveBudget, d.ResolveBudget)
	fill(&t.LoginField, d.LoginField)
	fill(&t.LoginNavigation, d.LoginNavigation)
	fill(&t.Settle, d.Settle)
	fill(&t.ModalWait, d.ModalWait)
	fill(&t.WindowWait, d.WindowWait)
	fill(&t.RecoveryGrace, d.RecoveryGrace)
	fill(&t.Download, d.Download)
	fill(&t.Capture, d.Capture)
	fill(&t.Handoff, d.Handoff)
	fill(&t.PollInterval, d.PollInterval)
	return t
}

// Prompter hands control to a human operator and blocks until they are done.
type Prompter interface {
	Wait(ctx context.Context, message string) error
}

// Context is the state of one run. Exactly one exists per process invocation.
type Context struct {
	ID         string
	DataDir    string
	DebugDir   string
	StagingDir string

	Timeouts    Timeouts
	Logs        *logging.Set
	Sink        diagnostics.Sink
	Capturer    *diagnostics.Capturer
	Now         func() time.Time
	Interactive bool
	Prompter    Prompter
}

// Options configures New.
type Options struct {
	DataDir     string
	DebugDir    string // defaults to <data>/debug
	Timeouts    Timeouts
	Logs        *logging.Set
	Sink        diagnostics.Sink // fed alongside the diagnostics log
	Now         func() time.Time
	Interactive bool
	Prompter    Prompter
}

// New builds a run context and creates its directories.
func New(opts Options) (*Context, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.Logs == nil {
		opts.Logs = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DebugDir == "" {
		opts.DebugDir = filepath.Join(opts.DataDir, "debug")
	}

	id := uuid.NewString()
	rc := &Context{
		ID:          id,
		DataDir:     opts.DataDir,
		DebugDir:    opts.DebugDir,
		StagingDir:  filepath.Join(opts.DataDir, ".downloads", id),
		Timeouts:    opts.Timeouts.WithDefaults(),
		Logs:        opts.Logs,
		Now:         opts.Now,
		Interactive: opts.Interactive,
		Prompter:    opts.Prompter,
	}

	var sink diagnostics.Sink = diagnostics.NewZapSink(opts.Logs.Get(logging.CategoryDiagnostics))
	if opts.Sink != nil {
		sink = diagnostics.Multi{opts.Sink, sink}
	}
	rc.Sink = sink
	rc.Capturer = diagnostics.NewCapturer(rc.DebugDir, rc.Timeouts.Capture, sink, opts.Logs.Get(logging.CategoryDiagnostics))

	for _, dir := range []string{rc.DataDir, rc.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Fail(ErrPersistence, ReasonWriteFailed, fmt.Errorf("create %s: %w", dir, err))
		}
	}
	return rc, nil
}

// Record emits a diagnostic event stamped with the run clock and ID.
func (rc *Context) Record(component, name string, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["run"] = rc.ID
	rc.Sink.Record(diagnostics.Event{Time: rc.Now(), Component: component, Name: name, Attrs: attrs})
}

// Capture takes a best-effort snapshot of src under label.
func (rc *Context) Capture(ctx context.Context, src diagnostics.Source, label string) diagnostics.Snapshot {
	return rc.Capturer.Capture(ctx, src, label)
}

// Close removes the per-run staging directory.
func (rc *Context) Close() error {
	if err := os.RemoveAll(rc.StagingDir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	// .downloads is shared between runs; drop it only when empty.
	_ = os.Remove(filepath.Dir(rc.StagingDir))
	return nil
}
