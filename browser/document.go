package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ImagineLearning/aia-improvements-viewer/extract"
)

// liveDocument adapts a rod page to extract.Document.
type liveDocument struct {
	page  *rod.Page
	title string
	url   string
}

func (d *liveDocument) Title() string     { return d.title }
func (d *liveDocument) URL() string       { return d.url }
func (d *liveDocument) Interactive() bool { return true }

func (d *liveDocument) Find(selector string) ([]extract.Element, error) {
	els, err := d.page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	return wrap(els), nil
}

type liveElement struct {
	el *rod.Element
}

func wrap(els rod.Elements) []extract.Element {
	out := make([]extract.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &liveElement{el: el})
	}
	return out
}

// Text returns the rendered text with whitespace runs collapsed.
func (e *liveElement) Text() (string, error) {
	text, err := e.el.Text()
	if err != nil {
		return "", err
	}
	return collapse(text), nil
}

func (e *liveElement) Attr(name string) (string, bool, error) {
	value, err := e.el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

func (e *liveElement) Find(selector string) ([]extract.Element, error) {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	return wrap(els), nil
}

func (e *liveElement) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
