package form

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxLabelLength  = 100
	maxSiblingHops  = 3
	defaultSelected = 0
)

// modalMatchers are tried in order; the first visible match scopes the scan.
var modalMatchers = []func(n *html.Node) bool{
	func(n *html.Node) bool { return n.DataAtom == atom.Div && attr(n, "role") == "dialog" },
	func(n *html.Node) bool { return hasClass(n, "modal") && hasClass(n, "show") },
	func(n *html.Node) bool { return hasClass(n, "modal") && hasClass(n, "in") },
	func(n *html.Node) bool { return hasClass(n, "modal-dialog") },
	func(n *html.Node) bool { return n.DataAtom == atom.Div && attr(n, "aria-modal") == "true" },
	func(n *html.Node) bool { return hasClass(n, "modal-content") },
}

var textInputTypes = map[string]bool{
	"": true, "text": true, "email": true, "tel": true, "url": true, "number": true,
	"search": true, "password": true, "date": true, "month": true,
}

var nonFieldInputTypes = map[string]bool{
	"submit": true, "button": true, "reset": true, "image": true,
}

// ParseHTML scans an HTML document into a page of controls. When a visible
// modal dialog is open the scan is limited to it.
func ParseHTML(r io.Reader) (*StaticPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	labels := map[string]string{}
	walk(doc, func(n *html.Node) {
		if n.DataAtom == atom.Label {
			if target := attr(n, "for"); target != "" {
				if _, seen := labels[target]; !seen {
					labels[target] = innerText(n)
				}
			}
		}
	})

	container := findModal(doc)
	if container == nil {
		container = doc
	}

	page := &StaticPage{Body: pageText(doc)}
	walk(container, func(n *html.Node) {
		switch n.DataAtom {
		case atom.Input, atom.Textarea, atom.Select:
		default:
			return
		}
		if n.DataAtom == atom.Input && nonFieldInputTypes[strings.ToLower(attr(n, "type"))] {
			return
		}
		page.Elements = append(page.Elements, elementFor(n, labels))
	})

	return page, nil
}

func elementFor(n *html.Node, labels map[string]string) *Element {
	inputType := strings.ToLower(attr(n, "type"))
	desc := FieldDescriptor{
		InputType:    inputType,
		Name:         attr(n, "name"),
		ID:           attr(n, "id"),
		Placeholder:  attr(n, "placeholder"),
		Autocomplete: attr(n, "autocomplete"),
		AutomationID: attr(n, "data-automation-id"),
		TestID:       attr(n, "data-testid"),
		Enabled:      !hasAttr(n, "disabled"),
		Visible:      visible(n),
	}
	desc.Label = findLabel(n, desc.ID, labels)

	var options []Option
	switch n.DataAtom {
	case atom.Textarea:
		desc.Control = TextArea
		desc.Value = textContent(n)
	case atom.Select:
		desc.Control = Select
		selected := defaultSelected
		walk(n, func(o *html.Node) {
			if o.DataAtom != atom.Option {
				return
			}
			text := innerText(o)
			value, ok := attrOK(o, "value")
			if !ok {
				value = text
			}
			if hasAttr(o, "selected") {
				selected = len(options)
			}
			options = append(options, Option{Value: value, Text: text})
		})
		if len(options) > 0 {
			desc.Value = options[selected].Value
		}
	default:
		if textInputTypes[inputType] {
			desc.Control = Text
		} else {
			desc.Control = Other
		}
		desc.Value = attr(n, "value")
	}

	return NewElement(desc, options...)
}

// findLabel looks for the human label of a control the way a user reads the
// page: explicit label, wrapping label, aria-label, then nearby short text.
func findLabel(n *html.Node, id string, labels map[string]string) string {
	if id != "" {
		if text, ok := labels[id]; ok && text != "" {
			return text
		}
	}

	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Label {
			if text := innerText(p); text != "" {
				return text
			}
			break
		}
	}

	if aria := strings.TrimSpace(attr(n, "aria-label")); aria != "" {
		return aria
	}

	hops := 0
	for s := prevElement(n); s != nil && hops < maxSiblingHops; s = prevElement(s) {
		if text := innerText(s); text != "" && len(text) < maxLabelLength {
			return text
		}
		hops++
	}

	parent := n.Parent
	if parent == nil {
		return ""
	}
	if s := prevElement(parent); s != nil {
		if text := innerText(s); text != "" && len(text) < maxLabelLength {
			return text
		}
	}
	if grand := parent.Parent; grand != nil {
		if s := prevElement(grand); s != nil {
			if text := innerText(s); text != "" && len(text) < maxLabelLength {
				return text
			}
		}
	}

	return ""
}

func findModal(doc *html.Node) *html.Node {
	for _, match := range modalMatchers {
		var found *html.Node
		walk(doc, func(n *html.Node) {
			if found != nil || n.Type != html.ElementNode {
				return
			}
			if match(n) && visible(n) && !hasClass(n, "hidden") {
				found = n
			}
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// pageText approximates document.body.innerText: markup, scripts and styles
// are stripped and whitespace is collapsed.
func pageText(doc *html.Node) string {
	body := doc
	walk(doc, func(n *html.Node) {
		if n.DataAtom == atom.Body && body == doc {
			body = n
		}
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, body); err != nil {
		return ""
	}

	stripped := bluemonday.StrictPolicy().Sanitize(buf.String())
	return collapse(html.UnescapeString(stripped))
}

func visible(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if hasAttr(p, "hidden") || hasClass(p, "hidden") {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(attr(p, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func prevElement(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			switch {
			case ch.Type == html.TextNode:
				b.WriteString(ch.Data)
				b.WriteByte(' ')
			case ch.Type == html.ElementNode && ignoredText[ch.DataAtom]:
			default:
				collect(ch)
			}
		}
	}
	collect(n)
	return collapse(b.String())
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

var ignoredText = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Select: true, atom.Textarea: true,
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attrOK(n, key)
	return ok
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
