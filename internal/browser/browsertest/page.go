// Package browsertest provides an in-memory browser.Page backed by parsed HTML.
// Routes map URLs to documents or downloads; click, script and key handlers
// script the page's reactions. Every action is appended to an op log so tests
// can assert ordering.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"compitutto/internal/browser"
)

// ErrStale is returned by elements resolved before the page navigated.
var ErrStale = errors.New("element is detached from the document")

// ClickKind names one of the three click strategies.
type ClickKind string

const (
	Native ClickKind = "click"
	Script ClickKind = "script-click"
	Force  ClickKind = "force-click"
)

// Route is what navigating to a URL yields.
type Route struct {
	HTML   string
	Status int
	Header map[string]string
	// Download makes the navigation start a download instead of loading a
	// document, the way Chrome treats attachments.
	Download     []byte
	DownloadName string
	RedirectTo   string
	Err          error
	// NoResponse loads HTML but reports no document response, as Chrome does
	// for pages served from cache or history.
	NoResponse bool
}

// Page is a fake browser.Page.
type Page struct {
	mu        sync.Mutex
	routes    map[string]Route
	url       string
	doc       *goquery.Document
	gen       uint64
	ops       []string
	windows   int
	downloads int

	onClick   map[string]func(*Page)
	onScript  map[string]func(*Page)
	onEnter   func(*Page)
	failClick map[string]map[ClickKind]bool
	failFill  map[string]bool
	stall     map[string]bool
	failShot  bool
	failHTML  bool

	tracker *browser.DownloadTracker
	dlDir   string
	logs    []*browser.RequestLog
}

var _ browser.Page = (*Page)(nil)

// New returns an empty page at about:blank.
func New() *Page {
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	return &Page{
		routes:    make(map[string]Route),
		url:       "about:blank",
		doc:       doc,
		windows:   1,
		onClick:   make(map[string]func(*Page)),
		onScript:  make(map[string]func(*Page)),
		failClick: make(map[string]map[ClickKind]bool),
		failFill:  make(map[string]bool),
		stall:     make(map[string]bool),
	}
}

// Route registers what url serves.
func (p *Page) Route(rawURL string, r Route) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[rawURL] = r
	return p
}

// RouteHTML registers an HTML document at url.
func (p *Page) RouteHTML(rawURL, html string) *Page {
	return p.Route(rawURL, Route{HTML: html})
}

// OnClick runs fn whenever the element with the given id is clicked by any strategy.
func (p *Page) OnClick(id string, fn func(*Page)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[id] = fn
	return p
}

// OnScript runs fn when Run is called with a script containing substr.
func (p *Page) OnScript(substr string, fn func(*Page)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onScript[substr] = fn
	return p
}

// OnEnter runs fn when Enter is pressed.
func (p *Page) OnEnter(fn func(*Page)) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnter = fn
	return p
}

// FailClick makes the given click strategies fail on the element with id.
func (p *Page) FailClick(id string, kinds ...ClickKind) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failClick[id] == nil {
		p.failClick[id] = make(map[ClickKind]bool)
	}
	for _, k := range kinds {
		p.failClick[id][k] = true
	}
	return p
}

// FailFill makes Fill fail on the element with id.
func (p *Page) FailFill(id string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFill[id] = true
	return p
}

// StallFill makes Fill on the element with id block until its context ends,
// the way a disabled input holds up a real browser.
func (p *Page) StallFill(id string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stall[id] = true
	return p
}

// FailSnapshots makes HTML and Screenshot fail.
func (p *Page) FailSnapshots(html, screenshot bool) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failHTML = html
	p.failShot = screenshot
	return p
}

// Load navigates without going through Navigate's op log; for test setup.
func (p *Page) Load(rawURL string) error {
	_, err := p.navigate(rawURL, false)
	return err
}

// Append inserts html at the end of every element matching selector.
// It mutates the document in place, the way a script-rendered dialog appears.
func (p *Page) Append(selector, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).AppendHtml(html)
}

// Remove deletes the elements matching selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).Remove()
}

// SetAttr sets an attribute on the elements matching selector.
func (p *Page) SetAttr(selector, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).SetAttr(name, value)
}

// Value returns the value attribute of the first element matching selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.doc.Find(selector).First().Attr("value")
	return v
}

// IsChecked reports whether the first element matching selector is checked.
func (p *Page) IsChecked(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.doc.Find(selector).First().Attr("checked")
	return ok
}

// OpenWindow simulates a popup tab.
func (p *Page) OpenWindow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows++
	p.ops = append(p.ops, "window-opened")
}

// AddRequest simulates an XHR or fetch seen by armed request logs.
func (p *Page) AddRequest(rawURL string) {
	p.mu.Lock()
	logs := append([]*browser.RequestLog(nil), p.logs...)
	p.mu.Unlock()
	for _, l := range logs {
		l.Add(browser.Request{URL: rawURL, Method: "GET", Type: "XHR", Time: time.Now()})
	}
}

// StartDownload simulates a completed download. With no armed watch the
// download is lost, and the op log says so.
func (p *Page) StartDownload(name string, data []byte) {
	p.mu.Lock()
	tracker, dir := p.tracker, p.dlDir
	if tracker == nil {
		p.ops = append(p.ops, "download-lost:"+name)
		p.mu.Unlock()
		return
	}
	p.downloads++
	guid := fmt.Sprintf("guid-%d", p.downloads)
	p.ops = append(p.ops, "download:"+name)
	p.mu.Unlock()

	tracker.Begin(browser.Download{GUID: guid, URL: p.currentURL(), SuggestedName: name})
	path := filepath.Join(dir, guid)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return
	}
	tracker.Complete(guid, path)
}

// BeginDownload simulates a download that starts but never finishes.
func (p *Page) BeginDownload(name string) {
	p.mu.Lock()
	tracker := p.tracker
	p.ops = append(p.ops, "download-begin:"+name)
	p.mu.Unlock()
	if tracker != nil {
		tracker.Begin(browser.Download{GUID: "stalled", SuggestedName: name})
	}
}

// After runs fn on its own goroutine after d.
func (p *Page) After(d time.Duration, fn func(*Page)) {
	time.AfterFunc(d, func() { fn(p) })
}

// Ops returns the op log.
func (p *Page) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// Index returns the position of the first op with the given prefix, or -1.
func (p *Page) Index(prefix string) int {
	for i, op := range p.Ops() {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	return -1
}

func (p *Page) currentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
}

// browser.Page

func (p *Page) Elements(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrap(p.doc.Find(selector)), nil
}

func (p *Page) wrap(sel *goquery.Selection) []browser.Element {
	out := make([]browser.Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &element{page: p, sel: s, gen: p.gen})
	})
	return out
}

func (p *Page) Navigate(ctx context.Context, rawURL string) (*browser.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.navigate(rawURL, true)
}

func (p *Page) navigate(rawURL string, logged bool) (*browser.Response, error) {
	for hops := 0; hops < 5; hops++ {
		p.mu.Lock()
		if logged {
			p.ops = append(p.ops, "navigate:"+rawURL)
		}
		route, ok := p.routes[rawURL]
		logs := append([]*browser.RequestLog(nil), p.logs...)
		p.mu.Unlock()

		for _, l := range logs {
			l.Add(browser.Request{URL: rawURL, Method: "GET", Type: "Document", Time: time.Now()})
		}

		switch {
		case !ok:
			return nil, fmt.Errorf("navigate %s: net::ERR_NAME_NOT_RESOLVED", rawURL)
		case route.Err != nil:
			return nil, fmt.Errorf("navigate %s: %w", rawURL, route.Err)
		case route.RedirectTo != "":
			rawURL = route.RedirectTo
			continue
		case route.Download != nil:
			p.StartDownload(route.DownloadName, route.Download)
			return nil, fmt.Errorf("navigate %s: net::ERR_ABORTED", rawURL)
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(route.HTML))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", rawURL, err)
		}
		header := map[string]string{"content-type": "text/html; charset=utf-8"}
		for k, v := range route.Header {
			header[strings.ToLower(k)] = v
		}
		status := route.Status
		if status == 0 {
			status = 200
		}

		p.mu.Lock()
		p.url = rawURL
		p.doc = doc
		p.gen++
		p.mu.Unlock()
		if route.NoResponse {
			return nil, nil
		}
		return &browser.Response{URL: rawURL, Status: status, Header: header}, nil
	}
	return nil, fmt.Errorf("navigate %s: too many redirects", rawURL)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	return p.currentURL(), ctx.Err()
}

func (p *Page) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *Page) WaitSettle(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (p *Page) ExpectNavigation(ctx context.Context) func() error {
	start := p.Generation()
	p.record("expect-navigation")
	return func() error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			if p.Generation() != start {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failHTML {
		return "", errors.New("target closed")
	}
	return p.doc.Html()
}

// pngMagic is enough of a PNG for tests to recognise.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failShot {
		return nil, errors.New("capture screenshot: target closed")
	}
	return append([]byte(nil), pngMagic...), nil
}

func (p *Page) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	p.ops = append(p.ops, "press-enter")
	fn := p.onEnter
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return ctx.Err()
}

func (p *Page) Run(ctx context.Context, script string) error {
	p.mu.Lock()
	p.ops = append(p.ops, "run:"+script)
	var fns []func(*Page)
	for substr, fn := range p.onScript {
		if strings.Contains(script, substr) {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	if len(fns) == 0 {
		return fmt.Errorf("ReferenceError: %s is not defined", strings.TrimSpace(script))
	}
	for _, fn := range fns {
		fn(p)
	}
	return ctx.Err()
}

func (p *Page) Windows(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windows, ctx.Err()
}

func (p *Page) WatchDownloads(ctx context.Context, dir string) (browser.DownloadWatch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tracker := browser.NewDownloadTracker()
	tracker.OnClose(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.tracker == tracker {
			p.tracker = nil
			p.dlDir = ""
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "watch-downloads")
	p.tracker = tracker
	p.dlDir = dir
	return tracker, nil
}

func (p *Page) WatchRequests(ctx context.Context) *browser.RequestLog {
	var log *browser.RequestLog
	log = browser.NewRequestLog(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.logs {
			if l == log {
				p.logs = append(p.logs[:i], p.logs[i+1:]...)
				break
			}
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "watch-requests")
	p.logs = append(p.logs, log)
	return log
}

// resolveURL makes href absolute against the current page URL.
func (p *Page) resolveURL(href string) string {
	base, err := url.Parse(p.currentURL())
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
