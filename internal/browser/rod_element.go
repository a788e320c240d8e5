package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// describeJS snapshots tag, text, attributes and the computed box of `this`.
// display/visibility come from computed style so inherited hiding is seen too.
const describeJS = `() => {
	const styles = window.getComputedStyle(this);
	const rect = this.getBoundingClientRect();
	const attrs = {};
	for (const a of Array.from(this.attributes || [])) {
		attrs[a.name] = a.value;
	}
	const text = (this.innerText || this.textContent || '').trim();
	return {
		tag: this.tagName.toLowerCase(),
		text: text.slice(0, 500),
		attrs: attrs,
		display: styles.display,
		visibility: styles.visibility,
		zIndex: styles.zIndex,
		width: rect.width,
		height: rect.height,
	};
}`

const fillJS = `(value) => {
	this.focus();
	this.value = value;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	this.blur();
}`

const checkJS = `() => {
	this.checked = true;
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

type rodElement struct {
	page *RodPage
	el   *rod.Element
}

var _ Element = (*rodElement)(nil)

func wrapElements(p *RodPage, els rod.Elements) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{page: p, el: el})
	}
	return out
}

func (e *rodElement) Elements(ctx context.Context, selector string) ([]Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapElements(e.page, els), nil
}

func (e *rodElement) Describe(ctx context.Context) (ElementInfo, error) {
	res, err := e.el.Context(ctx).Eval(describeJS)
	if err != nil {
		return ElementInfo{}, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return ElementInfo{}, fmt.Errorf("marshal element info: %w", err)
	}
	return decodeElementInfo(raw)
}

func decodeElementInfo(raw []byte) (ElementInfo, error) {
	var v struct {
		Tag        string            `json:"tag"`
		Text       string            `json:"text"`
		Attrs      map[string]string `json:"attrs"`
		Display    string            `json:"display"`
		Visibility string            `json:"visibility"`
		ZIndex     string            `json:"zIndex"`
		Width      float64           `json:"width"`
		Height     float64           `json:"height"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ElementInfo{}, fmt.Errorf("decode element info: %w", err)
	}
	z, _ := strconv.Atoi(v.ZIndex) // "auto" counts as 0
	return ElementInfo{
		Tag:        v.Tag,
		Text:       v.Text,
		Attrs:      v.Attrs,
		Display:    v.Display,
		Visibility: v.Visibility,
		ZIndex:     z,
		Width:      v.Width,
		Height:     v.Height,
	}, nil
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	info, err := e.Describe(ctx)
	if err != nil {
		return false, err
	}
	return info.Visible(), nil
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	info, err := e.Describe(ctx)
	if err != nil {
		return "", err
	}
	return info.Text, nil
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) ScriptClick(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => this.click()`)
	return err
}

func (e *rodElement) ForceClick(ctx context.Context) error {
	el := e.el.Context(ctx)
	_ = el.ScrollIntoView()
	shape, err := el.Shape()
	if err != nil {
		return err
	}
	pt := shape.OnePointInside()
	if pt == nil {
		return errors.New("element has no clickable area")
	}
	mouse := e.page.page.Context(ctx).Mouse
	if err := mouse.MoveTo(*pt); err != nil {
		return err
	}
	return mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Fill replaces the field's value by typing; read-only widgets such as date
// pickers get the value assigned from script instead.
func (e *rodElement) Fill(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err == nil {
		if err := el.Input(value); err == nil {
			return nil
		}
	}
	_, err := el.Eval(fillJS, value)
	return err
}

func (e *rodElement) Checked(ctx context.Context) (bool, error) {
	v, err := e.el.Context(ctx).Property("checked")
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (e *rodElement) Check(ctx context.Context) error {
	if err := e.Click(ctx); err == nil {
		if ok, _ := e.Checked(ctx); ok {
			return nil
		}
	}
	_, err := e.el.Context(ctx).Eval(checkJS)
	return err
}
