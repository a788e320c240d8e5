package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// RodPage is the go-rod backed Page.
type RodPage struct {
	page    *rod.Page
	browser *rod.Browser // the incognito context owning page
	log     *zap.Logger
	gen     atomic.Uint64
}

var _ Page = (*RodPage)(nil)

func newRodPage(page *rod.Page, browser *rod.Browser, logger *zap.Logger) *RodPage {
	return &RodPage{page: page, browser: browser, log: logger}
}

// Rod exposes the underlying page for callers that need raw CDP access.
func (p *RodPage) Rod() *rod.Page {
	return p.page
}

// startEventStream tracks main-frame navigations so stale elements can be detected.
func (p *RodPage) startEventStream(ctx context.Context) {
	wait := p.page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		gen := p.gen.Add(1)
		p.log.Debug("main frame navigated", zap.String("url", ev.Frame.URL), zap.Uint64("generation", gen))
	})
	go wait()
}

func (p *RodPage) Generation() uint64 {
	return p.gen.Load()
}

func (p *RodPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(p, els), nil
}

// Navigate loads url and captures the document response headers on the way.
func (p *RodPage) Navigate(ctx context.Context, url string) (*Response, error) {
	ectx, cancel := context.WithCancel(ctx)
	var resp *Response
	wait := p.page.Context(ectx).EachEvent(func(ev *proto.NetworkResponseReceived) bool {
		if ev.Type != proto.NetworkResourceTypeDocument || ev.Response == nil {
			return false
		}
		header := make(map[string]string, len(ev.Response.Headers))
		for k, v := range ev.Response.Headers {
			header[strings.ToLower(k)] = v.Str()
		}
		resp = &Response{URL: ev.Response.URL, Status: ev.Response.Status, Header: header}
		return true
	})
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	pg := p.page.Context(ctx)
	err := pg.Navigate(url)
	if err == nil {
		err = pg.WaitLoad()
	}
	cancel()
	<-done

	if err != nil {
		return resp, fmt.Errorf("navigate %s: %w", url, err)
	}
	return resp, nil
}

func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *RodPage) WaitSettle(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	_ = p.page.Context(sctx).WaitStable(d / 4)
	return ctx.Err()
}

func (p *RodPage) ExpectNavigation(ctx context.Context) func() error {
	wait := p.page.Context(ctx).WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	return func() error {
		wait()
		return ctx.Err()
	}
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *RodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, nil)
}

func (p *RodPage) PressEnter(ctx context.Context) error {
	return p.page.Context(ctx).Keyboard.Press(input.Enter)
}

func (p *RodPage) Run(ctx context.Context, script string) error {
	_, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:          "() => {\n" + script + "\n}",
		ByValue:     true,
		UserGesture: true,
	})
	return err
}

func (p *RodPage) Windows(ctx context.Context) (int, error) {
	res, err := proto.TargetGetTargets{}.Call(p.browser.Context(ctx))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range res.TargetInfos {
		if t.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if p.browser.BrowserContextID != "" && t.BrowserContextID != p.browser.BrowserContextID {
			continue
		}
		n++
	}
	return n, nil
}

func (p *RodPage) WatchRequests(ctx context.Context) *RequestLog {
	wctx, cancel := context.WithCancel(ctx)
	log := NewRequestLog(cancel)
	wait := p.page.Context(wctx).EachEvent(func(ev *proto.NetworkRequestWillBeSent) {
		if ev.Request == nil {
			return
		}
		log.Add(Request{
			URL:    ev.Request.URL,
			Method: ev.Request.Method,
			Type:   string(ev.Type),
			Time:   time.Now(),
		})
	})
	go wait()
	return log
}
