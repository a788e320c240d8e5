package export

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"compitutto/internal/browser"
)

type probeKind int

const (
	probeNothing probeKind = iota
	probeSpreadsheet
	probeForm
)

func (k probeKind) String() string {
	switch k {
	case probeSpreadsheet:
		return "spreadsheet"
	case probeForm:
		return "form"
	default:
		return "nothing"
	}
}

var spreadsheetTypes = []string{
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml",
	"application/x-msexcel",
	"application/x-excel",
	"application/octet-stream",
}

// classifyProbe decides what a probed URL served: the spreadsheet itself, an
// HTML form asking for the date range, or nothing useful.
func classifyProbe(resp *browser.Response, markup string, dateTokens []string) probeKind {
	if resp != nil {
		if resp.StatusCode() >= 400 {
			return probeNothing
		}
		ct := resp.ContentType()
		for _, t := range spreadsheetTypes {
			if strings.HasPrefix(ct, t) {
				return probeSpreadsheet
			}
		}
		if strings.Contains(strings.ToLower(resp.Header["content-disposition"]), "attachment") {
			return probeSpreadsheet
		}
	}
	if markup == "" {
		return probeNothing
	}

	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return probeNothing
	}
	if looksBinary(textContent(doc)) {
		return probeSpreadsheet
	}
	if hasDateForm(doc, false, dateTokens) {
		return probeForm
	}
	return probeNothing
}

// hasDateForm reports a form containing an input named like a date field.
func hasDateForm(n *html.Node, inForm bool, tokens []string) bool {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Form:
			inForm = true
		case atom.Input:
			if inForm && inputMatches(n, tokens) {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasDateForm(c, inForm, tokens) {
			return true
		}
	}
	return false
}

func inputMatches(n *html.Node, tokens []string) bool {
	for _, a := range n.Attr {
		if a.Key != "name" && a.Key != "id" {
			continue
		}
		if containsAny(strings.ToLower(a.Val), tokens) {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// looksBinary reports text that is mostly undecodable or control characters,
// which is what a spreadsheet rendered as a document looks like.
func looksBinary(text string) bool {
	if len(text) < 64 {
		return false
	}
	var odd, total int
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		text = text[size:]
		total++
		switch {
		case r == utf8.RuneError, r == 0:
			odd++
		case unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t':
			odd++
		}
	}
	return odd*10 > total
}
