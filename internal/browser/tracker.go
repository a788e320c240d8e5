package browser

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DownloadTracker is the backend-independent half of a DownloadWatch. Backends
// feed it begin/complete/cancel signals; the coordinator reads Started and Wait.
type DownloadTracker struct {
	mu      sync.Mutex
	pending map[string]Download
	result  *Download
	closed  bool
	onClose []func()

	startOnce sync.Once
	started   chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

// NewDownloadTracker returns an empty tracker.
func NewDownloadTracker() *DownloadTracker {
	return &DownloadTracker{
		pending: make(map[string]Download),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnClose registers a cleanup hook run once by Close.
func (t *DownloadTracker) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Begin records a download that has started.
func (t *DownloadTracker) Begin(d Download) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.pending[d.GUID]; !ok {
		t.pending[d.GUID] = d
	}
	t.mu.Unlock()
	t.startOnce.Do(func() { close(t.started) })
}

// Complete marks a download finished at path. Unknown GUIDs are accepted:
// the filesystem signal can win the race against the begin event.
func (t *DownloadTracker) Complete(guid, path string) {
	t.mu.Lock()
	if t.closed || t.result != nil {
		t.mu.Unlock()
		return
	}
	d, ok := t.pending[guid]
	if !ok {
		d = Download{GUID: guid}
	}
	d.Path = path
	delete(t.pending, guid)
	t.result = &d
	t.mu.Unlock()

	t.startOnce.Do(func() { close(t.started) })
	t.doneOnce.Do(func() { close(t.done) })
}

// Cancel forgets a download the browser gave up on. The watch keeps waiting
// for another one.
func (t *DownloadTracker) Cancel(guid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, guid)
}

// Pending returns the download with the given GUID if it has begun but not finished.
func (t *DownloadTracker) Pending(guid string) (Download, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.pending[guid]
	return d, ok
}

func (t *DownloadTracker) Started() <-chan struct{} {
	return t.started
}

func (t *DownloadTracker) Wait(ctx context.Context) (*Download, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		d := *t.result
		return &d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *DownloadTracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hooks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	return nil
}

// Request is one outgoing request seen while the log was armed.
type Request struct {
	URL    string
	Method string
	Type   string
	Time   time.Time
}

// RequestLog records requests for the replay recovery step.
type RequestLog struct {
	mu   sync.Mutex
	reqs []Request
	stop func()
}

// NewRequestLog returns a log whose Close runs stop.
func NewRequestLog(stop func()) *RequestLog {
	return &RequestLog{stop: stop}
}

func (l *RequestLog) Add(r Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *RequestLog) All() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Request, len(l.reqs))
	copy(out, l.reqs)
	return out
}

// Matching returns the distinct URLs, in arrival order, containing any of the
// keywords (case-insensitive).
func (l *RequestLog) Matching(keywords ...string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, r := range l.reqs {
		lower := strings.ToLower(r.URL)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				if !seen[r.URL] {
					seen[r.URL] = true
					out = append(out, r.URL)
				}
				break
			}
		}
	}
	return out
}

// Close stops recording.
func (l *RequestLog) Close() {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}
