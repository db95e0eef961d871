// Package xml wraps etree documents behind a small navigation type tuned for
// submission instances: lookups go by local name so namespace prefixes in the
// wild (orx:, jr:, odk:) never break element resolution.
package xml

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/htmlindex"
)

// Element is a read-only view over one parsed XML element.
type Element struct {
	el *etree.Element
}

// Parse reads an XML document and returns its root element. Non-UTF-8
// declarations are honoured through x/text's charset registry.
func Parse(r io.Reader) (Element, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if _, err := doc.ReadFrom(r); err != nil {
		return Element{}, fmt.Errorf("parse xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return Element{}, fmt.Errorf("parse xml: document has no root element")
	}
	return Element{el: root}, nil
}

// ParseFile parses the document at path.
func ParseFile(path string) (Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return Element{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	e, err := Parse(f)
	if err != nil {
		return Element{}, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(charset))
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// IsZero reports whether the element is the zero value.
func (e Element) IsZero() bool { return e.el == nil }

// Name returns the element's local name, without any namespace prefix.
func (e Element) Name() string {
	if e.el == nil {
		return ""
	}
	return e.el.Tag
}

// Value returns the element's trimmed character data.
func (e Element) Value() string {
	if e.el == nil {
		return ""
	}
	return strings.TrimSpace(e.el.Text())
}

// Attr returns the named attribute's value, matching by local name.
func (e Element) Attr(name string) string {
	if e.el == nil {
		return ""
	}
	for _, a := range e.el.Attr {
		if a.Key == name {
			return a.Value
		}
	}
	return ""
}

// Child returns the first direct child with the given local name.
func (e Element) Child(name string) (Element, bool) {
	if e.el == nil {
		return Element{}, false
	}
	for _, c := range e.el.ChildElements() {
		if c.Tag == name {
			return Element{el: c}, true
		}
	}
	return Element{}, false
}

// Children returns every direct child with the given local name, in document
// order.
func (e Element) Children(name string) []Element {
	if e.el == nil {
		return nil
	}
	var out []Element
	for _, c := range e.el.ChildElements() {
		if c.Tag == name {
			out = append(out, Element{el: c})
		}
	}
	return out
}

// AllChildren returns every direct child element in document order.
func (e Element) AllChildren() []Element {
	if e.el == nil {
		return nil
	}
	kids := e.el.ChildElements()
	out := make([]Element, len(kids))
	for i, c := range kids {
		out[i] = Element{el: c}
	}
	return out
}

// FindPath descends through the given local-name steps and returns the first
// match at each step.
func (e Element) FindPath(path []string) (Element, bool) {
	cur, ok := e, true
	for _, step := range path {
		cur, ok = cur.Child(step)
		if !ok {
			return Element{}, false
		}
	}
	return cur, true
}

// FindAll descends through path, returning every element matching the final
// step under the single chain of earlier steps, in document order.
func (e Element) FindAll(path []string) []Element {
	if len(path) == 0 {
		return nil
	}
	cur := e
	for _, step := range path[:len(path)-1] {
		next, ok := cur.Child(step)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur.Children(path[len(path)-1])
}
