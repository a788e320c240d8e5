package locator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"compitutto/internal/browser"
	"compitutto/internal/logging"
	"compitutto/internal/run"
)

// LastResort is the strategy index reported for matches of the keyword scan.
const LastResort = -1

// Resolved is a role bound to a live element.
type Resolved struct {
	Element    browser.Element
	Role       RoleID
	Strategy   int
	Matcher    string
	Info       browser.ElementInfo
	Generation uint64
}

// Stale reports whether page has navigated since the element was resolved.
func (r *Resolved) Stale(page browser.Page) bool {
	return r == nil || page.Generation() != r.Generation
}

// generational scopes know their navigation generation.
type generational interface {
	Generation() uint64
}

// Resolver evaluates role tables against a scope.
type Resolver struct {
	roles Table
	rc    *run.Context
	log   *zap.Logger
}

// NewResolver returns a resolver over roles.
func NewResolver(rc *run.Context, roles Table) *Resolver {
	return &Resolver{roles: roles, rc: rc, log: rc.Logs.Get(logging.CategoryResolver)}
}

// Role returns the role definition for id.
func (r *Resolver) Role(id RoleID) (Role, bool) {
	role, ok := r.roles[id]
	return role, ok
}

// Resolve returns the first visible match of the first matching strategy,
// falling back to the role's keyword scan. Lookup errors count as misses.
// It never takes longer than the resolve budget.
func (r *Resolver) Resolve(ctx context.Context, id RoleID, scope browser.Scope) (*Resolved, bool) {
	role, ok := r.roles[id]
	if !ok {
		r.log.Error("unknown role", zap.String("role", string(id)))
		return nil, false
	}
	t := r.rc.Timeouts
	bctx, cancel := context.WithTimeout(ctx, t.ResolveBudget)
	defer cancel()

	var gen uint64
	if g, ok := scope.(generational); ok {
		gen = g.Generation()
	}

	for i, s := range role.Strategies {
		if bctx.Err() != nil {
			r.log.Debug("resolve budget exhausted", zap.String("role", string(id)), zap.Int("strategy", i))
			break
		}
		el, info, err := r.try(bctx, t.ElementCheck, s, role, scope)
		if el == nil {
			if err != nil {
				r.log.Debug("strategy errored", zap.String("role", string(id)), zap.Stringer("strategy", s), zap.Error(err))
			}
			continue
		}
		res := &Resolved{Element: el, Role: id, Strategy: i, Matcher: s.String(), Info: info, Generation: gen}
		r.report(res)
		return res, true
	}

	if len(role.Fallback) > 0 && bctx.Err() == nil {
		scan := Scan(lastResortCandidates, role.Fallback...)
		el, info, _ := r.try(bctx, t.ElementCheck, scan, role, scope)
		if el != nil {
			res := &Resolved{Element: el, Role: id, Strategy: LastResort, Matcher: scan.String(), Info: info, Generation: gen}
			r.report(res)
			return res, true
		}
	}

	r.rc.Record("resolver", "resolve.miss", map[string]string{
		"role":       string(id),
		"strategies": strconv.Itoa(len(role.Strategies)),
	})
	r.log.Debug("role not found", zap.String("role", string(id)))
	return nil, false
}

// try runs one strategy under its own check timeout.
func (r *Resolver) try(ctx context.Context, limit time.Duration, s Strategy, role Role, scope browser.Scope) (el browser.Element, info browser.ElementInfo, err error) {
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			el, err = nil, fmt.Errorf("strategy panicked: %v", p)
		}
	}()

	candidates, err := scope.Elements(sctx, s.Selector)
	if err != nil {
		return nil, info, err
	}
	for _, c := range candidates {
		ci, err := c.Describe(sctx)
		if err != nil {
			if sctx.Err() != nil {
				return nil, info, err
			}
			continue
		}
		if !s.Matches(ci) {
			continue
		}
		if !role.AcceptHidden && !ci.Visible() {
			continue
		}
		if role.RequireText && strings.TrimSpace(ci.Text) == "" {
			continue
		}
		return c, ci, nil
	}
	return nil, info, nil
}

func (r *Resolver) report(res *Resolved) {
	r.rc.Record("resolver", "resolve.match", map[string]string{
		"role":     string(res.Role),
		"strategy": strconv.Itoa(res.Strategy),
		"matcher":  res.Matcher,
		"element":  res.Info.Summary(),
	})
	r.log.Debug("role resolved",
		zap.String("role", string(res.Role)),
		zap.Int("strategy", res.Strategy),
		zap.String("matcher", res.Matcher),
		zap.String("element", res.Info.Summary()))
}

// Await polls Resolve until the role resolves or wait elapses.
func (r *Resolver) Await(ctx context.Context, id RoleID, scope browser.Scope, wait time.Duration) (*Resolved, bool) {
	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		if res, ok := r.Resolve(actx, id, scope); ok {
			return res, true
		}
		select {
		case <-actx.Done():
			return nil, false
		case <-time.After(r.rc.Timeouts.PollInterval):
		}
	}
}

// Present lists every strategy of the role that currently matches anything,
// as "matcher -> element". Used for marker scans where any hit matters.
func (r *Resolver) Present(ctx context.Context, id RoleID, scope browser.Scope) []string {
	role, ok := r.roles[id]
	if !ok {
		return nil
	}
	bctx, cancel := context.WithTimeout(ctx, r.rc.Timeouts.ResolveBudget)
	defer cancel()

	var hits []string
	for _, s := range role.Strategies {
		if bctx.Err() != nil {
			break
		}
		el, info, _ := r.try(bctx, r.rc.Timeouts.ElementCheck, s, role, scope)
		if el != nil {
			hits = append(hits, s.String()+" -> "+info.Summary())
		}
	}
	if len(hits) > 0 {
		r.rc.Record("resolver", "markers.present", map[string]string{
			"role": string(id),
			"hits": strings.Join(hits, "; "),
		})
	}
	return hits
}
