// Package browser drives the remote portal through a backend-neutral page model.
// The go-rod implementation lives alongside; browsertest provides an in-memory one.
package browser

import (
	"context"
	"strings"
	"time"
)

// Scope is anything elements can be searched in: the page or a resolved container.
type Scope interface {
	// Elements returns the matches of a CSS selector in DOM order. An invalid
	// selector or a detached scope is an error, never a panic.
	Elements(ctx context.Context, selector string) ([]Element, error)
}

// ElementInfo is a snapshot of an element taken for matching and diagnostics.
type ElementInfo struct {
	Tag        string
	Text       string
	Attrs      map[string]string
	Display    string
	Visibility string
	ZIndex     int
	Width      float64
	Height     float64
}

// Visible reports whether the element would be rendered to the user.
// Zero-size, display:none and visibility:hidden all count as invisible.
func (i ElementInfo) Visible() bool {
	if i.Width <= 0 || i.Height <= 0 {
		return false
	}
	return i.Display != "none" && i.Visibility != "hidden"
}

// Attr returns an attribute value, "" if absent.
func (i ElementInfo) Attr(name string) string {
	return i.Attrs[name]
}

// Summary renders a compact description such as `button#export.btn "Scarica in Excel"`.
func (i ElementInfo) Summary() string {
	var b strings.Builder
	b.WriteString(i.Tag)
	if id := i.Attrs["id"]; id != "" {
		b.WriteString("#" + id)
	}
	if class := strings.Fields(i.Attrs["class"]); len(class) > 0 {
		b.WriteString("." + strings.Join(class, "."))
	}
	if text := strings.TrimSpace(i.Text); text != "" {
		if r := []rune(text); len(r) > 60 {
			text = string(r[:60]) + "…"
		}
		b.WriteString(` "` + text + `"`)
	}
	return b.String()
}

// Element is a live DOM node. It becomes stale when its page navigates.
type Element interface {
	Scope

	Describe(ctx context.Context) (ElementInfo, error)
	Visible(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)
	// Attribute returns "" when the attribute is absent.
	Attribute(ctx context.Context, name string) (string, error)

	// Click is a native (trusted, mouse-driven) click.
	Click(ctx context.Context) error
	// ScriptClick calls element.click() from page script.
	ScriptClick(ctx context.Context) error
	// ForceClick dispatches a mouse click at the element's centre without
	// waiting for it to become interactable.
	ForceClick(ctx context.Context) error

	Fill(ctx context.Context, value string) error
	Checked(ctx context.Context) (bool, error)
	Check(ctx context.Context) error
}

// Response is what a top-level navigation answered with.
type Response struct {
	URL    string
	Status int
	// Header keys are lower-cased.
	Header map[string]string
}

// StatusCode returns the HTTP status, or 0 when no response was observed.
func (r *Response) StatusCode() int {
	if r == nil {
		return 0
	}
	return r.Status
}

// ContentType returns the lower-cased media type without parameters.
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	ct := strings.ToLower(r.Header["content-type"])
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Page is one tab of the automation session.
type Page interface {
	Scope

	// Navigate loads url and waits for the load event. The returned response
	// may be nil when the navigation turned into a download.
	Navigate(ctx context.Context, url string) (*Response, error)
	URL(ctx context.Context) (string, error)
	// Generation increments on every main-frame navigation. Elements resolved
	// at an older generation are stale.
	Generation() uint64
	// WaitSettle waits up to d for network and DOM activity to calm down.
	// Running out of d is not an error.
	WaitSettle(ctx context.Context, d time.Duration) error
	// ExpectNavigation subscribes to the next main-frame navigation. Call it
	// before the action that navigates, then call the returned wait.
	ExpectNavigation(ctx context.Context) (wait func() error)

	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PressEnter(ctx context.Context) error
	// Run evaluates a script body in the page.
	Run(ctx context.Context, script string) error
	// Windows counts the open tabs of the session's browser context.
	Windows(ctx context.Context) (int, error)

	// WatchDownloads routes downloads into dir and starts listening for them.
	WatchDownloads(ctx context.Context, dir string) (DownloadWatch, error)
	// WatchRequests records outgoing requests until the log is closed.
	WatchRequests(ctx context.Context) *RequestLog
}

// Download is a finished download sitting in the staging directory.
type Download struct {
	GUID          string
	URL           string
	SuggestedName string
	Path          string
}

// DownloadWatch is an armed download listener.
type DownloadWatch interface {
	// Started is closed as soon as any download begins.
	Started() <-chan struct{}
	// Wait blocks until a download completes or ctx ends.
	Wait(ctx context.Context) (*Download, error)
	Close() error
}
