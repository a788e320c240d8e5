package export

import (
	"context"

	"go.uber.org/zap"

	"compitutto/internal/browser"
	"compitutto/internal/locator"
	"compitutto/internal/run"
)

// FillResult reports whether both date fields were filled.
type FillResult int

const (
	FillNone FillResult = iota
	FillOK
	FillPartial
)

func (f FillResult) String() string {
	switch f {
	case FillOK:
		return "ok"
	case FillPartial:
		return "partial"
	default:
		return "none"
	}
}

// Filler populates the export dialog: date range and spreadsheet format.
type Filler struct {
	rc       *run.Context
	resolver *locator.Resolver
	log      *zap.Logger
}

// NewFiller returns a filler resolving fields through resolver.
func NewFiller(rc *run.Context, resolver *locator.Resolver, log *zap.Logger) *Filler {
	return &Filler{rc: rc, resolver: resolver, log: log}
}

// Fill sets the date fields and selects the format control within scope.
// Every sub-step is best effort; only a missing or unfillable date field makes
// the result partial.
func (f *Filler) Fill(ctx context.Context, scope browser.Scope, req Request) FillResult {
	result := FillOK
	dates := []struct {
		role  locator.RoleID
		value string
	}{
		{locator.DateFrom, req.FromValue()},
		{locator.DateTo, req.ToValue()},
	}
	for _, d := range dates {
		res, ok := f.resolver.Resolve(ctx, d.role, scope)
		if !ok {
			f.log.Info("date field not found", zap.String("role", string(d.role)))
			result = FillPartial
			continue
		}
		if err := f.fill(ctx, res.Element, d.value); err != nil {
			f.log.Warn("date field not filled", zap.String("role", string(d.role)), zap.Error(err))
			result = FillPartial
			continue
		}
		f.log.Debug("date field filled", zap.String("role", string(d.role)), zap.String("value", d.value))
	}

	f.selectFormat(ctx, scope)

	f.rc.Record("export", "form.filled", map[string]string{
		"result": result.String(),
		"from":   req.FromValue(),
		"to":     req.ToValue(),
	})
	return result
}

// fill bounds one field by the element-check timeout.
func (f *Filler) fill(ctx context.Context, el browser.Element, value string) error {
	cctx, cancel := context.WithTimeout(ctx, f.rc.Timeouts.ElementCheck)
	defer cancel()
	return el.Fill(cctx, value)
}

func (f *Filler) selectFormat(ctx context.Context, scope browser.Scope) {
	res, ok := f.resolver.Resolve(ctx, locator.Format, scope)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, f.rc.Timeouts.ElementCheck)
	defer cancel()
	checked, err := res.Element.Checked(cctx)
	if err != nil {
		f.log.Debug("format control state unknown", zap.Error(err))
		return
	}
	if checked {
		return
	}
	if err := res.Element.Check(cctx); err != nil {
		f.log.Warn("format control not selected", zap.Error(err))
	}
}
