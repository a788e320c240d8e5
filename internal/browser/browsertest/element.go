package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"compitutto/internal/browser"
)

type element struct {
	page *Page
	sel  *goquery.Selection
	gen  uint64
}

var _ browser.Element = (*element)(nil)

// live checks staleness; caller holds page.mu.
func (e *element) live() error {
	if e.gen != e.page.gen {
		return ErrStale
	}
	return nil
}

func (e *element) Elements(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.page.wrap(e.sel.Find(selector)), nil
}

func (e *element) Describe(ctx context.Context) (browser.ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return browser.ElementInfo{}, err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if err := e.live(); err != nil {
		return browser.ElementInfo{}, err
	}
	return describe(e.sel), nil
}

func describe(sel *goquery.Selection) browser.ElementInfo {
	attrs := make(map[string]string)
	if len(sel.Nodes) > 0 {
		for _, a := range sel.Nodes[0].Attr {
			attrs[a.Key] = a.Val
		}
	}
	style := parseStyle(attrs["style"])

	info := browser.ElementInfo{
		Tag:        goquery.NodeName(sel),
		Text:       strings.Join(strings.Fields(sel.Text()), " "),
		Attrs:      attrs,
		Display:    "block",
		Visibility: "visible",
		Width:      100,
		Height:     20,
	}
	if d, ok := style["display"]; ok {
		info.Display = d
	}
	if z, err := strconv.Atoi(style["z-index"]); err == nil {
		info.ZIndex = z
	}

	// Ancestors hidden by display:none, the hidden attribute or zero size
	// collapse the box; visibility:hidden inherits.
	if collapsed(sel) {
		info.Width, info.Height = 0, 0
	}
	if style["visibility"] == "hidden" || inheritsHidden(sel.Parents()) {
		info.Visibility = "hidden"
	}
	return info
}

func collapsed(sel *goquery.Selection) bool {
	if goquery.NodeName(sel) == "input" && strings.EqualFold(attr(sel, "type"), "hidden") {
		return true
	}
	nodes := sel.AddSelection(sel.Parents())
	hidden := false
	nodes.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, ok := s.Attr("hidden"); ok {
			hidden = true
		} else if attr(s, "data-size") == "0" {
			hidden = true
		} else if s.Nodes[0] != sel.Nodes[0] && parseStyle(attr(s, "style"))["display"] == "none" {
			hidden = true
		}
		return !hidden
	})
	return hidden
}

func inheritsHidden(parents *goquery.Selection) bool {
	hidden := false
	parents.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if parseStyle(attr(s, "style"))["visibility"] == "hidden" {
			hidden = true
		}
		return !hidden
	})
	return hidden
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return v
}

func parseStyle(style string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	info, err := e.Describe(ctx)
	if err != nil {
		return false, err
	}
	return info.Visible(), nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	info, err := e.Describe(ctx)
	if err != nil {
		return "", err
	}
	return info.Text, nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if err := e.live(); err != nil {
		return "", err
	}
	return attr(e.sel, name), nil
}

// label names the element in the op log: its id, else its name, else its tag.
func (e *element) label() string {
	if id := attr(e.sel, "id"); id != "" {
		return id
	}
	if name := attr(e.sel, "name"); name != "" {
		return name
	}
	return goquery.NodeName(e.sel)
}

func (e *element) click(ctx context.Context, kind ClickKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := e.page
	p.mu.Lock()
	if err := e.live(); err != nil {
		p.mu.Unlock()
		return err
	}
	label := e.label()
	if p.failClick[label][kind] {
		p.mu.Unlock()
		return fmt.Errorf("%s on %s failed", kind, label)
	}
	if kind == Native && !describe(e.sel).Visible() {
		p.mu.Unlock()
		return errors.New("element is not visible")
	}
	p.ops = append(p.ops, string(kind)+":"+label)
	fn := p.onClick[label]
	href := attr(e.sel, "href")
	isLink := goquery.NodeName(e.sel) == "a"
	p.mu.Unlock()

	if fn != nil {
		fn(p)
		return nil
	}
	if isLink && href != "" && href != "#" && !strings.HasPrefix(href, "javascript:") {
		_, err := p.Navigate(ctx, p.resolveURL(href))
		if err != nil && strings.Contains(err.Error(), "ERR_ABORTED") {
			return nil
		}
		return err
	}
	return nil
}

func (e *element) Click(ctx context.Context) error       { return e.click(ctx, Native) }
func (e *element) ScriptClick(ctx context.Context) error { return e.click(ctx, Script) }
func (e *element) ForceClick(ctx context.Context) error  { return e.click(ctx, Force) }

func (e *element) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := e.page
	p.mu.Lock()
	if p.stall[e.label()] {
		p.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer p.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	label := e.label()
	if p.failFill[label] {
		return fmt.Errorf("fill %s failed", label)
	}
	e.sel.SetAttr("value", value)
	p.ops = append(p.ops, "fill:"+label+"="+value)
	return nil
}

func (e *element) Checked(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if err := e.live(); err != nil {
		return false, err
	}
	_, ok := e.sel.Attr("checked")
	return ok, nil
}

func (e *element) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := e.page
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.live(); err != nil {
		return err
	}
	if name := attr(e.sel, "name"); name != "" && strings.EqualFold(attr(e.sel, "type"), "radio") {
		p.doc.Find("input[type='radio']").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return attr(s, "name") == name
		}).RemoveAttr("checked")
	}
	e.sel.SetAttr("checked", "checked")
	p.ops = append(p.ops, "check:"+e.label())
	return nil
}
