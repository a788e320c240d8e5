// Package session logs into the portal and moves between its views.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"compitutto/internal/browser"
	"compitutto/internal/locator"
	"compitutto/internal/logging"
	"compitutto/internal/run"
)

// State is the authentication state of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

// Credentials are the portal account.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both values are set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// View is a page of the portal reached by direct navigation.
type View struct {
	URL string
	// Segment is expected in the URL after arrival.
	Segment string
}

// Portal describes the login page.
type Portal struct {
	LoginURL string
	// LoginMarker appears in every login-page URL.
	LoginMarker string
}

// Driver owns the page of one run and its authentication state.
type Driver struct {
	page     browser.Page
	resolver *locator.Resolver
	rc       *run.Context
	portal   Portal
	log      *zap.Logger

	mu    sync.Mutex
	state State
	url   string
}

// NewDriver returns an unauthenticated driver for page.
func NewDriver(rc *run.Context, page browser.Page, resolver *locator.Resolver, portal Portal) *Driver {
	return &Driver{
		page:     page,
		resolver: resolver,
		rc:       rc,
		portal:   portal,
		log:      rc.Logs.Get(logging.CategorySession),
	}
}

// State returns the authentication state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// URL returns the URL the driver last arrived at.
func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Page returns the driven page.
func (d *Driver) Page() browser.Page {
	return d.page
}

func (d *Driver) set(s State, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	if url != "" {
		d.url = url
	}
}

// Login signs in with creds. Any failure leaves the driver Failed and returns
// an authentication or navigation error; nothing is retried.
func (d *Driver) Login(ctx context.Context, creds Credentials) error {
	t := d.rc.Timeouts
	d.log.Info("logging in", zap.String("url", d.portal.LoginURL))

	if err := d.navigate(ctx, d.portal.LoginURL); err != nil {
		return d.fail(ctx, run.Fail(run.ErrNavigation, run.ReasonLoginUnreachable, err))
	}
	_ = d.page.WaitSettle(ctx, t.Settle)

	user, ok := d.resolver.Await(ctx, locator.Username, d.page, t.LoginField)
	if !ok {
		return d.fail(ctx, run.Failf(run.ErrAuthentication, run.ReasonFieldNotFound, "username"))
	}
	pass, ok := d.resolver.Resolve(ctx, locator.Password, d.page)
	if !ok {
		return d.fail(ctx, run.Failf(run.ErrAuthentication, run.ReasonFieldNotFound, "password"))
	}
	if err := user.Element.Fill(ctx, creds.Username); err != nil {
		return d.fail(ctx, &run.Error{Kind: run.ErrAuthentication, Reason: run.ReasonFieldNotFound, Detail: "username", Err: err})
	}
	if err := pass.Element.Fill(ctx, creds.Password); err != nil {
		return d.fail(ctx, &run.Error{Kind: run.ErrAuthentication, Reason: run.ReasonFieldNotFound, Detail: "password", Err: err})
	}

	// A challenge needs a human; never try to get past it.
	if hits := d.resolver.Present(ctx, locator.Challenge, d.page); len(hits) > 0 {
		return d.fail(ctx, run.Failf(run.ErrAuthentication, run.ReasonChallenge, "%s", strings.Join(hits, "; ")))
	}

	submit, ok := d.resolver.Resolve(ctx, locator.Submit, d.page)
	if !ok {
		return d.fail(ctx, run.Fail(run.ErrAuthentication, run.ReasonSubmitNotFound, nil))
	}

	nctx, cancel := context.WithTimeout(ctx, t.LoginNavigation)
	defer cancel()
	wait := d.page.ExpectNavigation(nctx)
	if err := clickOrScript(nctx, submit.Element); err != nil {
		return d.fail(ctx, run.Fail(run.ErrAuthentication, run.ReasonSubmitNotFound, err))
	}
	if err := wait(); err != nil {
		d.log.Debug("no navigation after submit, settling", zap.Error(err))
		_ = d.page.WaitSettle(ctx, t.Settle)
	}

	current, err := d.page.URL(ctx)
	if err != nil {
		return d.fail(ctx, run.Fail(run.ErrAuthentication, run.ReasonStillOnLogin, err))
	}
	if banner, ok := d.resolver.Resolve(ctx, locator.LoginError, d.page); ok {
		return d.fail(ctx, run.Failf(run.ErrAuthentication, run.ReasonRejected, "%s", banner.Info.Text))
	}
	if d.portal.LoginMarker != "" && strings.Contains(strings.ToLower(current), strings.ToLower(d.portal.LoginMarker)) {
		return d.fail(ctx, run.Failf(run.ErrAuthentication, run.ReasonStillOnLogin, "%s", current))
	}

	d.set(Authenticated, current)
	d.rc.Record("session", "login.ok", map[string]string{"url": current})
	d.log.Info("logged in", zap.String("url", current))
	return nil
}

// NavigateTo loads view directly. Arriving somewhere without the expected
// segment is logged and accepted: the portal redirects through intermediate
// pages.
func (d *Driver) NavigateTo(ctx context.Context, view View) error {
	if d.State() != Authenticated {
		d.log.Warn("navigating without an authenticated session", zap.Stringer("state", d.State()))
	}
	if err := d.navigate(ctx, view.URL); err != nil {
		d.rc.Capture(ctx, d.page, "navigation_failed")
		return run.Fail(run.ErrNavigation, run.ReasonViewUnreachable, err)
	}
	_ = d.page.WaitSettle(ctx, d.rc.Timeouts.Settle)

	current, err := d.page.URL(ctx)
	if err != nil {
		return run.Fail(run.ErrNavigation, run.ReasonViewUnreachable, err)
	}
	d.set(d.State(), current)

	attrs := map[string]string{"want": view.URL, "got": current}
	if view.Segment != "" && !strings.Contains(current, view.Segment) {
		d.log.Warn("arrived at an unexpected url",
			zap.String("want_segment", view.Segment),
			zap.String("url", current))
		attrs["unexpected"] = "true"
	}
	d.rc.Record("session", "navigate", attrs)
	return nil
}

func (d *Driver) navigate(ctx context.Context, url string) error {
	nctx, cancel := context.WithTimeout(ctx, d.rc.Timeouts.Navigation)
	defer cancel()
	if _, err := d.page.Navigate(nctx, url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// fail marks the session failed and captures the page for postmortem.
func (d *Driver) fail(ctx context.Context, err *run.Error) error {
	d.set(Failed, "")
	d.rc.Record("session", "login.failed", map[string]string{"reason": err.Reason, "detail": err.Detail})
	d.log.Error("login failed", zap.String("reason", err.Reason), zap.String("detail", err.Detail), zap.Error(err.Err))
	d.rc.Capture(ctx, d.page, "login_failed")
	return err
}

func clickOrScript(ctx context.Context, el browser.Element) error {
	err := el.Click(ctx)
	if err == nil {
		return nil
	}
	if serr := el.ScriptClick(ctx); serr != nil {
		return errors.Join(err, serr)
	}
	return nil
}
