// Package locator resolves logical UI roles ("export trigger", "confirm
// action") to live elements by walking declarative strategy tables.
package locator

import (
	"fmt"
	"strings"

	"compitutto/internal/browser"
)

// Kind is the matcher kind of a Strategy.
type Kind int

const (
	// MatchSelector accepts every element the CSS selector returns.
	MatchSelector Kind = iota
	// MatchText accepts elements whose normalised text (or value) equals one of Values.
	MatchText
	// MatchAttr accepts elements whose attribute Names[0] equals one of Values.
	MatchAttr
	// MatchAttrContains accepts elements where one of Names contains a token
	// from Values and no token from Exclude, case-insensitively.
	MatchAttrContains
	// MatchTextScan accepts elements whose text, title, value or aria-label
	// contains one of Values, case-insensitively.
	MatchTextScan
)

func (k Kind) String() string {
	switch k {
	case MatchSelector:
		return "css"
	case MatchText:
		return "text"
	case MatchAttr:
		return "attr"
	case MatchAttrContains:
		return "attr-contains"
	case MatchTextScan:
		return "scan"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy is one immutable locator rule. Selector narrows the candidate set
// (a CSS selector or a tag list); the kind decides which candidates match.
type Strategy struct {
	Kind     Kind
	Selector string
	Names    []string
	Values   []string
	Exclude  []string
}

// CSS matches whatever selector returns.
func CSS(selector string) Strategy {
	return Strategy{Kind: MatchSelector, Selector: selector}
}

// Text matches candidates by exact text, ignoring case and whitespace runs.
func Text(tags string, texts ...string) Strategy {
	return Strategy{Kind: MatchText, Selector: tags, Values: texts}
}

// Attr matches candidates whose attribute equals one of values.
func Attr(tags, name string, values ...string) Strategy {
	return Strategy{Kind: MatchAttr, Selector: tags, Names: []string{name}, Values: values}
}

// AttrContains matches candidates whose named attributes contain a token.
func AttrContains(tags string, names, tokens []string, exclude ...string) Strategy {
	return Strategy{Kind: MatchAttrContains, Selector: tags, Names: names, Values: tokens, Exclude: exclude}
}

// Scan matches candidates whose visible labelling contains a keyword.
func Scan(tags string, keywords ...string) Strategy {
	return Strategy{Kind: MatchTextScan, Selector: tags, Values: keywords}
}

func (s Strategy) String() string {
	switch s.Kind {
	case MatchSelector:
		return s.Selector
	case MatchAttr:
		return fmt.Sprintf("%s[%s=%q]", s.Selector, strings.Join(s.Names, "|"), s.Values)
	case MatchAttrContains:
		return fmt.Sprintf("%s[%s~%q !%q]", s.Selector, strings.Join(s.Names, "|"), s.Values, s.Exclude)
	default:
		return fmt.Sprintf("%s:%s(%q)", s.Selector, s.Kind, s.Values)
	}
}

// Matches applies the kind's predicate to a described candidate.
func (s Strategy) Matches(info browser.ElementInfo) bool {
	switch s.Kind {
	case MatchSelector:
		return true
	case MatchText:
		text := normalize(info.Text)
		value := normalize(info.Attr("value"))
		for _, want := range s.Values {
			w := normalize(want)
			if text == w || (text == "" && value == w) {
				return true
			}
		}
		return false
	case MatchAttr:
		if len(s.Names) == 0 {
			return false
		}
		got, ok := info.Attrs[s.Names[0]]
		if !ok {
			return false
		}
		for _, want := range s.Values {
			if got == want {
				return true
			}
		}
		return false
	case MatchAttrContains:
		for _, name := range s.Names {
			v := strings.ToLower(info.Attr(name))
			if v == "" {
				continue
			}
			if containsAny(v, s.Values) && !containsAny(v, s.Exclude) {
				return true
			}
		}
		return false
	case MatchTextScan:
		return labelContains(info, s.Values)
	default:
		return false
	}
}

// labelContains checks text, title, value and aria-label for any keyword.
func labelContains(info browser.ElementInfo, keywords []string) bool {
	fields := []string{info.Text, info.Attr("title"), info.Attr("value"), info.Attr("aria-label")}
	for _, f := range fields {
		if f != "" && containsAny(strings.ToLower(f), keywords) {
			return true
		}
	}
	return false
}

func containsAny(lower string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
