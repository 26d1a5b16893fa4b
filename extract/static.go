package extract

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// StaticDocument adapts parsed markup to Document. Sections are treated as
// already expanded.
type StaticDocument struct {
	doc *goquery.Document
	url string
}

// NewStaticDocument wraps an existing goquery document.
func NewStaticDocument(doc *goquery.Document, pageURL string) *StaticDocument {
	return &StaticDocument{doc: doc, url: pageURL}
}

// ParseHTML parses r as HTML for pageURL.
func ParseHTML(r io.Reader, pageURL string) (*StaticDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	return NewStaticDocument(doc, pageURL), nil
}

func (d *StaticDocument) Title() string {
	return parser.CollapseWhitespace(d.doc.Find("title").First().Text())
}

func (d *StaticDocument) URL() string {
	return d.url
}

func (d *StaticDocument) Interactive() bool {
	return false
}

func (d *StaticDocument) Find(selector string) ([]Element, error) {
	return wrapSelection(d.doc.Find(selector)), nil
}

type staticElement struct {
	sel *goquery.Selection
}

func wrapSelection(sel *goquery.Selection) []Element {
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, staticElement{sel: s})
	})
	return out
}

func (e staticElement) Text() (string, error) {
	if len(e.sel.Nodes) == 0 {
		return "", nil
	}
	return nodeText(e.sel.Nodes[0]), nil
}

func (e staticElement) Attr(name string) (string, bool, error) {
	value, ok := e.sel.Attr(name)
	return value, ok, nil
}

func (e staticElement) Find(selector string) ([]Element, error) {
	return wrapSelection(e.sel.Find(selector)), nil
}

func (e staticElement) Click(context.Context) error {
	return nil
}

// nodeText gathers the visible text under n. Block and line-break
// boundaries become spaces so adjacent paragraphs do not run together.
func nodeText(n *html.Node) string {
	var b strings.Builder
	collectText(n, &b)
	return parser.CollapseWhitespace(b.String())
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Template:
			return
		case atom.Br:
			b.WriteByte(' ')
			return
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, b)
	}
	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		b.WriteByte(' ')
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Li, atom.Ul, atom.Ol, atom.Td, atom.Th, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Section:
		return true
	}
	return false
}
